package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/quantgov/internal/governance"
)

type proposalHandler struct {
	gov *governance.Service
}

func (h *proposalHandler) register(g *echo.Group) {
	g.POST("", h.create)
	g.GET("/pending", h.pending)
	g.GET("/:id", h.get)
	g.POST("/:id/submit", h.submit)
	g.POST("/:id/votes", h.vote)
	g.POST("/:id/close", h.close)
	g.POST("/:id/withdraw", h.withdraw)
}

type votePayload struct {
	VoterID string    `json:"voter_id"`
	Choice  string    `json:"choice"`
	Reason  string    `json:"reason,omitempty"`
	CastAt  time.Time `json:"cast_at"`
}

type proposalPayload struct {
	ID             string             `json:"id"`
	Kind           string             `json:"kind"`
	Title          string             `json:"title"`
	ProposerID     string             `json:"proposer_id"`
	Status         string             `json:"status"`
	Mode           string             `json:"mode"`
	RequiredVoters []string           `json:"required_voters,omitempty"`
	Eligible       []string           `json:"eligible,omitempty"`
	Threshold      float64            `json:"threshold"`
	ApprovalRate   float64            `json:"approval_rate"`
	Payload        governance.Payload `json:"payload"`
	Votes          []votePayload      `json:"votes"`
	CreatedAt      time.Time          `json:"created_at"`
	SubmittedAt    *time.Time         `json:"submitted_at,omitempty"`
	DecidedAt      *time.Time         `json:"decided_at,omitempty"`
}

func proposalToPayload(p governance.Proposal) proposalPayload {
	out := proposalPayload{
		ID:             p.ID,
		Kind:           string(p.Kind),
		Title:          p.Title,
		ProposerID:     p.ProposerID,
		Status:         string(p.Status),
		Mode:           string(p.Mode),
		RequiredVoters: p.RequiredVoters,
		Eligible:       p.Eligible,
		Threshold:      p.Threshold,
		ApprovalRate:   p.ApprovalRate,
		Payload:        p.Payload,
		Votes:          make([]votePayload, 0, len(p.Votes)),
		CreatedAt:      p.CreatedAt,
		SubmittedAt:    p.SubmittedAt,
		DecidedAt:      p.DecidedAt,
	}
	for _, v := range p.Votes {
		out.Votes = append(out.Votes, votePayload{VoterID: v.VoterID, Choice: string(v.Choice), Reason: v.Reason, CastAt: v.CastAt})
	}
	return out
}

type voteResultPayload struct {
	ProposalID   string   `json:"proposal_id"`
	Status       string   `json:"status"`
	Approvals    int      `json:"approvals"`
	Rejections   int      `json:"rejections"`
	Abstentions  int      `json:"abstentions"`
	VotesCast    int      `json:"votes_cast"`
	Outstanding  []string `json:"outstanding,omitempty"`
	ApprovalRate float64  `json:"approval_rate"`
	Resolved     bool     `json:"resolved"`
}

func voteResultToPayload(r governance.VoteResult) voteResultPayload {
	return voteResultPayload{
		ProposalID:   r.ProposalID,
		Status:       string(r.Status),
		Approvals:    r.Approvals,
		Rejections:   r.Rejections,
		Abstentions:  r.Abstentions,
		VotesCast:    r.VotesCast,
		Outstanding:  r.Outstanding,
		ApprovalRate: r.ApprovalRate,
		Resolved:     r.Resolved,
	}
}

type createProposalRequest struct {
	Kind           string          `json:"kind"`
	Title          string          `json:"title"`
	Mode           string          `json:"mode"`
	RequiredVoters []string        `json:"required_voters"`
	Eligible       []string        `json:"eligible"`
	Threshold      float64         `json:"threshold"`
	Payload        json.RawMessage `json:"payload"`
}

func (h *proposalHandler) create(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	var req createProposalRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	payload, err := governance.DecodePayload(governance.Kind(req.Kind), req.Payload)
	if err != nil {
		return badRequest(err)
	}
	out, err := h.gov.Create(c.Request().Context(), governance.CreateRequest{
		Title:          req.Title,
		ProposerID:     p.AgentID,
		Mode:           governance.Mode(req.Mode),
		RequiredVoters: req.RequiredVoters,
		Eligible:       req.Eligible,
		Threshold:      req.Threshold,
		Payload:        payload,
	})
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusCreated, proposalToPayload(out))
}

func (h *proposalHandler) get(c echo.Context) error {
	out, err := h.gov.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusOK, proposalToPayload(out))
}

func (h *proposalHandler) pending(c echo.Context) error {
	list, err := h.gov.Pending(c.Request().Context())
	if err != nil {
		return fail(err)
	}
	out := make([]proposalPayload, 0, len(list))
	for _, p := range list {
		out = append(out, proposalToPayload(p))
	}
	return c.JSON(http.StatusOK, out)
}

func (h *proposalHandler) submit(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	out, err := h.gov.Submit(c.Request().Context(), c.Param("id"), p.AgentID)
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusOK, proposalToPayload(out))
}

type castVoteRequest struct {
	Choice string `json:"choice"`
	Reason string `json:"reason"`
}

func (h *proposalHandler) vote(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	var req castVoteRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := h.gov.CastVote(c.Request().Context(), c.Param("id"), p.AgentID, governance.Choice(req.Choice), req.Reason)
	if err != nil {
		return fail(err)
	}
	code := http.StatusOK
	if !res.Resolved {
		code = http.StatusAccepted
	}
	return c.JSON(code, voteResultToPayload(res))
}

func (h *proposalHandler) close(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	res, err := h.gov.Close(c.Request().Context(), c.Param("id"), p.AgentID, p.Role)
	var quorum *governance.QuorumNotMetError
	if errors.As(err, &quorum) {
		return c.JSON(http.StatusAccepted, map[string]interface{}{
			"error":       err.Error(),
			"kind":        "quorum_not_met",
			"outstanding": quorum.Outstanding,
		})
	}
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusOK, voteResultToPayload(res))
}

func (h *proposalHandler) withdraw(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	var req reasonRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	out, err := h.gov.Withdraw(c.Request().Context(), c.Param("id"), p.AgentID, req.Reason)
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusOK, proposalToPayload(out))
}

type alertHandler struct {
	alerts *governance.Alerts
}

func (h *alertHandler) register(g *echo.Group) {
	g.POST("", h.raise)
	g.GET("/active", h.active)
	g.POST("/:id/acknowledge", h.acknowledge)
	g.POST("/:id/resolve", h.resolve)
}

type alertPayload struct {
	ID             string     `json:"id"`
	Level          string     `json:"level"`
	Title          string     `json:"title"`
	Message        string     `json:"message,omitempty"`
	Source         string     `json:"source,omitempty"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedBy     string     `json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

func alertToPayload(a governance.Alert) alertPayload {
	return alertPayload{
		ID:             a.ID,
		Level:          string(a.Level),
		Title:          a.Title,
		Message:        a.Message,
		Source:         a.Source,
		Status:         string(a.Status),
		CreatedAt:      a.CreatedAt,
		AcknowledgedBy: a.AcknowledgedBy,
		AcknowledgedAt: a.AcknowledgedAt,
		ResolvedBy:     a.ResolvedBy,
		ResolvedAt:     a.ResolvedAt,
	}
}

type raiseAlertRequest struct {
	Level   string `json:"level"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

func (h *alertHandler) raise(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	var req raiseAlertRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	a, err := h.alerts.Raise(c.Request().Context(), governance.Level(req.Level), req.Title, req.Message, p.AgentID)
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusCreated, alertToPayload(a))
}

func (h *alertHandler) active(c echo.Context) error {
	list, err := h.alerts.Active(c.Request().Context())
	if err != nil {
		return fail(err)
	}
	out := make([]alertPayload, 0, len(list))
	for _, a := range list {
		out = append(out, alertToPayload(a))
	}
	return c.JSON(http.StatusOK, out)
}

func (h *alertHandler) acknowledge(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	a, err := h.alerts.Acknowledge(c.Request().Context(), c.Param("id"), p.AgentID)
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusOK, alertToPayload(a))
}

func (h *alertHandler) resolve(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	a, err := h.alerts.Resolve(c.Request().Context(), c.Param("id"), p.AgentID)
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusOK, alertToPayload(a))
}
