package governance

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/quantgov/internal/audit"
	"github.com/mohammad-safakhou/quantgov/internal/fault"
	"go.uber.org/zap"
)

// Level is alert severity.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
	LevelRedAlert Level = "red_alert"
)

// Severity orders levels; higher is more severe.
func (l Level) Severity() int {
	switch l {
	case LevelInfo:
		return 1
	case LevelWarning:
		return 2
	case LevelCritical:
		return 3
	case LevelRedAlert:
		return 4
	}
	return 0
}

// AlertStatus is the acknowledge/resolve lifecycle.
type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// Alert is an advisory, non-blocking record.
type Alert struct {
	ID             string
	Level          Level
	Title          string
	Message        string
	Source         string
	Status         AlertStatus
	CreatedAt      time.Time
	AcknowledgedBy string
	AcknowledgedAt *time.Time
	ResolvedBy     string
	ResolvedAt     *time.Time
}

func (a *Alert) apply(to AlertStatus, actor string, at time.Time) {
	a.Status = to
	switch to {
	case AlertAcknowledged:
		a.AcknowledgedBy = actor
		a.AcknowledgedAt = &at
	case AlertResolved:
		a.ResolvedBy = actor
		a.ResolvedAt = &at
	}
}

// Alerts is the alert board.
type Alerts struct {
	repo   AlertRepository
	audit  *audit.Recorder
	logger *zap.Logger
	now    func() time.Time
}

// NewAlerts wires the alert board.
func NewAlerts(repo AlertRepository, rec *audit.Recorder, logger *zap.Logger) *Alerts {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Alerts{repo: repo, audit: rec, logger: logger.Named("alerts"), now: time.Now}
}

// Raise records a new active alert.
func (s *Alerts) Raise(ctx context.Context, level Level, title, message, source string) (Alert, error) {
	if level.Severity() == 0 {
		return Alert{}, fault.Invalid("level", fmt.Sprintf("unknown level %q", level))
	}
	if strings.TrimSpace(title) == "" {
		return Alert{}, fault.Invalid("title", "required")
	}
	a := Alert{
		ID:        uuid.NewString(),
		Level:     level,
		Title:     title,
		Message:   message,
		Source:    source,
		Status:    AlertActive,
		CreatedAt: s.now().UTC(),
	}
	if err := s.repo.CreateAlert(ctx, a); err != nil {
		return Alert{}, fault.Storage("alerts.raise", err)
	}
	s.logger.Info("alert raised", zap.String("level", string(level)), zap.String("title", title), zap.String("source", source))
	s.record(ctx, audit.Event{
		Entity: audit.EntityAlert, EntityID: a.ID, Action: "raise", Actor: source,
		Payload: map[string]interface{}{"level": string(level), "title": title},
	})
	return a, nil
}

// Warn raises a warning alert. It satisfies the gate engine's Alerter.
func (s *Alerts) Warn(ctx context.Context, title, message, source string) error {
	_, err := s.Raise(ctx, LevelWarning, title, message, source)
	return err
}

// Acknowledge moves an active alert to acknowledged.
func (s *Alerts) Acknowledge(ctx context.Context, id, actor string) (Alert, error) {
	return s.transition(ctx, id, actor, "acknowledge", []AlertStatus{AlertActive}, AlertAcknowledged)
}

// Resolve closes an active or acknowledged alert.
func (s *Alerts) Resolve(ctx context.Context, id, actor string) (Alert, error) {
	return s.transition(ctx, id, actor, "resolve", []AlertStatus{AlertActive, AlertAcknowledged}, AlertResolved)
}

func (s *Alerts) transition(ctx context.Context, id, actor, action string, from []AlertStatus, to AlertStatus) (Alert, error) {
	if actor == "" {
		return Alert{}, fault.Invalid("actor", "required")
	}
	a, ok, err := s.repo.TransitionAlert(ctx, id, from, to, actor, s.now().UTC())
	if err != nil {
		return Alert{}, fault.Storage("alerts."+action, err)
	}
	if !ok {
		cur, _, _ := s.repo.GetAlert(ctx, id)
		return Alert{}, fmt.Errorf("alert %s is %s, cannot %s: %w", id, cur.Status, action, fault.ErrInvalidTransition)
	}
	s.record(ctx, audit.Event{Entity: audit.EntityAlert, EntityID: id, Action: action, Actor: actor})
	return a, nil
}

// Active lists unresolved alerts by severity, then most recent first.
func (s *Alerts) Active(ctx context.Context) ([]Alert, error) {
	list, err := s.repo.ListAlerts(ctx, AlertActive, AlertAcknowledged)
	if err != nil {
		return nil, fault.Storage("alerts.active", err)
	}
	SortAlerts(list)
	return list, nil
}

// SortAlerts orders alerts by severity descending, then recency.
func SortAlerts(list []Alert) {
	sort.SliceStable(list, func(i, j int) bool {
		si, sj := list[i].Level.Severity(), list[j].Level.Severity()
		if si != sj {
			return si > sj
		}
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}

func (s *Alerts) record(ctx context.Context, ev audit.Event) {
	if err := s.audit.Record(ctx, ev); err != nil {
		s.logger.Warn("audit append failed", zap.String("action", ev.Action), zap.Error(err))
	}
}
