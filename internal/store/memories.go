package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mohammad-safakhou/quantgov/internal/fault"
	"github.com/mohammad-safakhou/quantgov/internal/memory"
)

// MemoryRepository is the Postgres memory.Repository. Embeddings live in a
// pgvector column and candidate retrieval orders by cosine distance.
type MemoryRepository struct{ *Store }

func (s *Store) Memories() *MemoryRepository { return &MemoryRepository{s} }

const memoryColumns = `id, agent_id, COALESCE(team,''), content, content_hash, tags, scope, confidence, expires_at, expired,
COALESCE(embedding::text,''), refs, status, created_at, updated_at`

func scanMemory(row rowScanner) (memory.Memory, error) {
	var (
		m         memory.Memory
		tags      []string
		scope     string
		status    string
		expiresAt sql.NullTime
		vec       string
		refs      []byte
	)
	if err := row.Scan(&m.ID, &m.AgentID, &m.Team, &m.Content, &m.ContentHash, pq.Array(&tags), &scope, &m.Confidence,
		&expiresAt, &m.Expired, &vec, &refs, &status, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return memory.Memory{}, err
	}
	m.Tags = tags
	m.Scope = memory.Scope(scope)
	m.Status = memory.Status(status)
	m.ExpiresAt = timePtr(expiresAt)
	if vec != "" {
		v, err := decodeVectorLiteral(vec)
		if err != nil {
			return memory.Memory{}, fmt.Errorf("decode embedding of memory %s: %w", m.ID, err)
		}
		m.Embedding = v
	}
	if len(refs) > 0 {
		var recs []memory.RefRecord
		if err := json.Unmarshal(refs, &recs); err != nil {
			return memory.Memory{}, fmt.Errorf("decode refs of memory %s: %w", m.ID, err)
		}
		parsed, err := memory.ParseRefs(recs)
		if err != nil {
			return memory.Memory{}, err
		}
		m.Refs = parsed
	}
	return m, nil
}

func (r *MemoryRepository) Create(ctx context.Context, m memory.Memory) error {
	refs, err := json.Marshal(memory.Records(m.Refs))
	if err != nil {
		return err
	}
	var vec interface{}
	if len(m.Embedding) > 0 {
		lit, err := encodeVectorLiteral(m.Embedding)
		if err != nil {
			return err
		}
		vec = lit
	}
	err = r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO agent_memories (id, agent_id, team, content, content_hash, tags, scope, confidence, expires_at, expired, embedding, refs, status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,FALSE,$10::vector,$11,$12,$13,$13)
`, m.ID, m.AgentID, nullableString(m.Team), m.Content, m.ContentHash, pq.Array(nonNil(m.Tags)), string(m.Scope), m.Confidence,
			nullableTime(m.ExpiresAt), vec, refs, string(m.Status), m.CreatedAt); err != nil {
			return err
		}
		for _, step := range m.Approvals {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO memory_approvals (memory_id, step, role, approver_id, status, comment, decided_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`, m.ID, step.Step, step.Role, nullableString(step.ApproverID), string(step.Status), nullableString(step.Comment), nullableTime(step.DecidedAt)); err != nil {
				return err
			}
		}
		return nil
	})
	if isUniqueViolation(err) {
		return fmt.Errorf("memory %s already exists: %w", m.ID, fault.ErrConflict)
	}
	return err
}

func (r *MemoryRepository) Get(ctx context.Context, id string) (memory.Memory, bool, error) {
	m, err := scanMemory(r.DB.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM agent_memories WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return memory.Memory{}, false, nil
	}
	if err != nil {
		return memory.Memory{}, false, err
	}
	steps, err := r.approvals(ctx, r.DB, id)
	if err != nil {
		return memory.Memory{}, false, err
	}
	m.Approvals = steps
	return m, true, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func (r *MemoryRepository) approvals(ctx context.Context, q queryer, id string) ([]memory.ApprovalStep, error) {
	rows, err := q.QueryContext(ctx, `
SELECT memory_id, step, role, COALESCE(approver_id,''), status, COALESCE(comment,''), decided_at
FROM memory_approvals
WHERE memory_id=$1
ORDER BY step
`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []memory.ApprovalStep
	for rows.Next() {
		var (
			s       memory.ApprovalStep
			status  string
			decided sql.NullTime
		)
		if err := rows.Scan(&s.MemoryID, &s.Step, &s.Role, &s.ApproverID, &status, &s.Comment, &decided); err != nil {
			return nil, err
		}
		s.Status = memory.StepStatus(status)
		s.DecidedAt = timePtr(decided)
		out = append(out, s)
	}
	return out, rows.Err()
}

// DecideStep updates the step and the memory status in one transaction. Both
// writes are conditional on the rows still being pending.
func (r *MemoryRepository) DecideStep(ctx context.Context, d memory.StepDecision) (memory.Memory, bool, error) {
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE agent_memories SET status=$2, updated_at=$3
WHERE id=$1 AND status='pending'
`, d.MemoryID, string(d.NewStatus), d.At)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return errLostRace
		}
		res, err = tx.ExecContext(ctx, `
UPDATE memory_approvals SET approver_id=$3, status=$4, comment=$5, decided_at=$6
WHERE memory_id=$1 AND step=$2 AND status='PENDING'
`, d.MemoryID, d.Step, d.ApproverID, string(d.Decision), nullableString(d.Comment), d.At)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return errLostRace
		}
		return nil
	})
	if errors.Is(err, errLostRace) {
		if _, found, gerr := r.Get(ctx, d.MemoryID); gerr == nil && !found {
			return memory.Memory{}, false, fmt.Errorf("memory %s: %w", d.MemoryID, fault.ErrNotFound)
		}
		recordConflict(ctx, "agent_memories")
		return memory.Memory{}, false, nil
	}
	if err != nil {
		return memory.Memory{}, false, err
	}
	m, _, err := r.Get(ctx, d.MemoryID)
	if err != nil {
		return memory.Memory{}, false, err
	}
	return m, true, nil
}

// Candidates prefilters visible, approved, live memories. With an embedding
// the pool is the nearest neighbours by cosine distance; otherwise the newest.
// Query text adds up to Limit more rows whose content matches any term.
func (r *MemoryRepository) Candidates(ctx context.Context, f memory.Filter) ([]memory.Memory, error) {
	now := f.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	args := []interface{}{f.AgentID, f.Team, now}
	where := []string{
		"status='approved'",
		"NOT expired",
		"(expires_at IS NULL OR expires_at > $3)",
		"(scope='org' OR agent_id=$1 OR (scope='team' AND $2 <> '' AND team=$2))",
	}
	if len(f.Scopes) > 0 {
		scopes := make([]string, 0, len(f.Scopes))
		for _, s := range f.Scopes {
			scopes = append(scopes, string(s))
		}
		args = append(args, pq.Array(scopes))
		where = append(where, fmt.Sprintf("scope = ANY($%d)", len(args)))
	}
	if len(f.Tags) > 0 {
		args = append(args, pq.Array(f.Tags))
		where = append(where, fmt.Sprintf("tags && $%d", len(args)))
	}
	order := "created_at DESC, id"
	if len(f.Embedding) > 0 {
		lit, err := encodeVectorLiteral(f.Embedding)
		if err != nil {
			return nil, err
		}
		args = append(args, lit)
		order = fmt.Sprintf("embedding <=> $%d::vector NULLS LAST, id", len(args))
	}
	filter := strings.Join(where, " AND ")
	query := `SELECT ` + memoryColumns + ` FROM agent_memories WHERE ` + filter + ` ORDER BY ` + order
	if f.Limit > 0 {
		args = append(args, f.Limit)
		limit := len(args)
		query += fmt.Sprintf(" LIMIT $%d", limit)
		if terms := memory.SearchTerms(f.Text); len(terms) > 0 {
			args = append(args, pq.Array(likePatterns(terms)))
			query = `(` + query + `) UNION ALL (SELECT ` + memoryColumns + ` FROM agent_memories WHERE ` + filter +
				fmt.Sprintf(` AND content ILIKE ANY($%d) ORDER BY created_at DESC, id LIMIT $%d)`, len(args), limit)
		}
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []memory.Memory
	seen := map[string]bool{}
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		out = append(out, m)
	}
	return out, rows.Err()
}

func likePatterns(terms []string) []string {
	esc := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		out = append(out, "%"+esc.Replace(t)+"%")
	}
	return out
}

func (r *MemoryRepository) MarkExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `
UPDATE agent_memories SET expired=TRUE, updated_at=$1
WHERE NOT expired AND expires_at IS NOT NULL AND expires_at <= $1
`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
