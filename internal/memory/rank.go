package memory

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/blevesearch/bleve"
)

const rrfK = 60 // reciprocal-rank-fusion constant

// FuseRRF combines two 1-based ranks. A rank of zero means the item was
// absent from that list and contributes nothing.
func FuseRRF(vecRank, textRank int) float64 {
	var score float64
	if vecRank > 0 {
		score += 1.0 / float64(rrfK+vecRank)
	}
	if textRank > 0 {
		score += 1.0 / float64(rrfK+textRank)
	}
	return score
}

// Cosine returns the cosine similarity of a and b, zero when either is empty.
func Cosine(a, b []float32) float64 {
	var dot, na, nb float64
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		ai := float64(a[i])
		bi := float64(b[i])
		dot += ai * bi
		na += ai * ai
		nb += bi * bi
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// vectorRanks orders candidates by cosine distance ascending and returns
// 1-based ranks keyed by id.
func vectorRanks(q []float32, candidates []Memory) map[string]int {
	ranks := make(map[string]int, len(candidates))
	if len(q) == 0 {
		return ranks
	}
	type scored struct {
		id       string
		distance float64
	}
	list := make([]scored, 0, len(candidates))
	for _, m := range candidates {
		if len(m.Embedding) == 0 {
			continue
		}
		list = append(list, scored{id: m.ID, distance: 1 - Cosine(q, m.Embedding)})
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].distance != list[j].distance {
			return list[i].distance < list[j].distance
		}
		return list[i].id < list[j].id
	})
	for i, s := range list {
		ranks[s.id] = i + 1
	}
	return ranks
}

type lexicalDoc struct {
	Content string `json:"content"`
	Tags    string `json:"tags"`
}

// lexicalRanks indexes the candidates in a throwaway in-memory bleve index and
// returns 1-based BM25 ranks for the ones matching text.
func lexicalRanks(ctx context.Context, text string, candidates []Memory) (map[string]int, error) {
	ranks := make(map[string]int)
	if text == "" || len(candidates) == 0 {
		return ranks, nil
	}
	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, err
	}
	defer index.Close()

	batch := index.NewBatch()
	ids := make([]string, 0, len(candidates))
	for _, m := range candidates {
		if err := batch.Index(m.ID, lexicalDoc{Content: m.Content, Tags: strings.Join(m.Tags, " ")}); err != nil {
			return nil, err
		}
		ids = append(ids, m.ID)
	}
	if err := index.Batch(batch); err != nil {
		return nil, err
	}

	match := bleve.NewMatchQuery(text)
	q := bleve.NewConjunctionQuery(match, bleve.NewDocIDQuery(ids))
	req := bleve.NewSearchRequestOptions(q, len(ids), 0, false)
	res, err := index.SearchInContext(ctx, req)
	if err != nil {
		return nil, err
	}
	hits := res.Hits
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	for i, h := range hits {
		ranks[h.ID] = i + 1
	}
	return ranks, nil
}
