package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/quantgov/internal/fault"
	"github.com/mohammad-safakhou/quantgov/internal/memory"
)

type memoryHandler struct {
	memory *memory.Service
}

func (h *memoryHandler) register(g *echo.Group) {
	g.POST("", h.store)
	g.POST("/search", h.search)
	g.GET("/:id", h.get)
	g.POST("/:id/approvals", h.approve)
}

type memoryPayload struct {
	ID          string                `json:"id"`
	AgentID     string                `json:"agent_id"`
	Team        string                `json:"team,omitempty"`
	Content     string                `json:"content"`
	ContentHash string                `json:"content_hash"`
	Tags        []string              `json:"tags,omitempty"`
	Scope       string                `json:"scope"`
	Confidence  float64               `json:"confidence"`
	Status      string                `json:"status"`
	Expired     bool                  `json:"expired,omitempty"`
	ExpiresAt   *time.Time            `json:"expires_at,omitempty"`
	Refs        []memory.RefRecord    `json:"refs"`
	Approvals   []approvalStepPayload `json:"approvals,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
}

type approvalStepPayload struct {
	Step       int        `json:"step"`
	Role       string     `json:"role"`
	ApproverID string     `json:"approver_id,omitempty"`
	Status     string     `json:"status"`
	Comment    string     `json:"comment,omitempty"`
	DecidedAt  *time.Time `json:"decided_at,omitempty"`
}

func memoryToPayload(m memory.Memory) memoryPayload {
	out := memoryPayload{
		ID:          m.ID,
		AgentID:     m.AgentID,
		Team:        m.Team,
		Content:     m.Content,
		ContentHash: m.ContentHash,
		Tags:        m.Tags,
		Scope:       string(m.Scope),
		Confidence:  m.Confidence,
		Status:      string(m.Status),
		Expired:     m.Expired,
		ExpiresAt:   m.ExpiresAt,
		Refs:        memory.Records(m.Refs),
		CreatedAt:   m.CreatedAt,
	}
	for _, st := range m.Approvals {
		out.Approvals = append(out.Approvals, approvalStepPayload{
			Step:       st.Step,
			Role:       st.Role,
			ApproverID: st.ApproverID,
			Status:     string(st.Status),
			Comment:    st.Comment,
			DecidedAt:  st.DecidedAt,
		})
	}
	return out
}

type storeMemoryRequest struct {
	Team       string             `json:"team"`
	Content    string             `json:"content"`
	Tags       []string           `json:"tags"`
	Scope      string             `json:"scope"`
	Confidence float64            `json:"confidence"`
	TTLSeconds int64              `json:"ttl_seconds"`
	Embedding  []float32          `json:"embedding"`
	Refs       []memory.RefRecord `json:"refs"`
}

func (h *memoryHandler) store(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	var req storeMemoryRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	refs, err := memory.ParseRefs(req.Refs)
	if err != nil {
		return fail(fault.Invalid("refs", err.Error()))
	}
	team := p.Team
	if team == "" {
		team = req.Team
	}
	id, err := h.memory.Store(c.Request().Context(), memory.StoreRequest{
		AgentID:    p.AgentID,
		Team:       team,
		Content:    req.Content,
		Tags:       req.Tags,
		Scope:      memory.Scope(req.Scope),
		Confidence: req.Confidence,
		TTL:        time.Duration(req.TTLSeconds) * time.Second,
		Embedding:  req.Embedding,
		Refs:       refs,
	})
	if err != nil {
		return fail(err)
	}
	m, err := h.memory.Get(c.Request().Context(), id)
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusCreated, memoryToPayload(m))
}

func (h *memoryHandler) get(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	m, err := h.memory.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(err)
	}
	if !m.VisibleTo(p.AgentID, p.Team) {
		return fail(fmt.Errorf("memory %s: %w", m.ID, fault.ErrNotFound))
	}
	return c.JSON(http.StatusOK, memoryToPayload(m))
}

type approveMemoryRequest struct {
	Approve bool   `json:"approve"`
	Comment string `json:"comment"`
}

func (h *memoryHandler) approve(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	var req approveMemoryRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	m, err := h.memory.Approve(c.Request().Context(), memory.ApproveRequest{
		MemoryID:   c.Param("id"),
		ApproverID: p.AgentID,
		Role:       p.Role,
		Approve:    req.Approve,
		Comment:    req.Comment,
	})
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusOK, memoryToPayload(m))
}

type searchRequest struct {
	Embedding []float32 `json:"embedding"`
	Text      string    `json:"text"`
	Tags      []string  `json:"tags"`
	Scopes    []string  `json:"scopes"`
	TopK      int       `json:"top_k"`
}

type searchHit struct {
	Memory   memoryPayload `json:"memory"`
	Rank     int           `json:"rank"`
	Score    float64       `json:"score"`
	VecRank  int           `json:"vec_rank,omitempty"`
	TextRank int           `json:"text_rank,omitempty"`
}

func (h *memoryHandler) search(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	var req searchRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	scopes := make([]memory.Scope, 0, len(req.Scopes))
	for _, s := range req.Scopes {
		scopes = append(scopes, memory.Scope(s))
	}
	results, err := h.memory.Search(c.Request().Context(), memory.Query{
		AgentID:   p.AgentID,
		Team:      p.Team,
		Embedding: req.Embedding,
		Text:      req.Text,
		Tags:      req.Tags,
		Scopes:    scopes,
		TopK:      req.TopK,
	})
	if err != nil {
		return fail(err)
	}
	out := make([]searchHit, 0, len(results))
	for _, r := range results {
		out = append(out, searchHit{
			Memory:   memoryToPayload(r.Memory),
			Rank:     r.Rank,
			Score:    r.Score,
			VecRank:  r.VecRank,
			TextRank: r.TextRank,
		})
	}
	return c.JSON(http.StatusOK, out)
}
