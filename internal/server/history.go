package server

import (
	"context"
	"errors"
	"time"

	"github.com/mohammad-safakhou/quantgov/internal/budget"
	"github.com/mohammad-safakhou/quantgov/internal/cycle"
	"github.com/mohammad-safakhou/quantgov/internal/fault"
	"github.com/mohammad-safakhou/quantgov/internal/reputation"
)

// memoryHistory serves the reputation scorer from the in-process
// repositories. Launch performance and peer feedback are not tracked in
// memory, so the scorer falls back to its neutral values for them.
type memoryHistory struct {
	cycles *cycle.MemoryRepository
	ledger *budget.MemoryRepository
}

var _ reputation.Source = (*memoryHistory)(nil)

func (h *memoryHistory) GateOutcomes(ctx context.Context, agentID string, from, to time.Time) (int, int, error) {
	cycles, err := h.cycles.List(ctx, cycle.ListFilter{})
	if err != nil {
		return 0, 0, err
	}
	var passed, total int
	for _, c := range cycles {
		if c.OwnerID != agentID {
			continue
		}
		hist, err := h.cycles.History(ctx, c.ID)
		if err != nil {
			return 0, 0, err
		}
		for _, e := range hist {
			if e.CreatedAt.Before(from) || !e.CreatedAt.Before(to) {
				continue
			}
			switch e.Kind {
			case cycle.KindForward:
				passed++
				total++
			case cycle.KindReturned, cycle.KindRejected, cycle.KindTimeout:
				total++
			}
		}
	}
	return passed, total, nil
}

func (h *memoryHistory) PointsSpent(ctx context.Context, agentID string, from, to time.Time) (int64, error) {
	entries, err := h.ledger.ListEntries(ctx, agentID, 0)
	if errors.Is(err, fault.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var spent int64
	for _, e := range entries {
		if e.CreatedAt.Before(from) || !e.CreatedAt.Before(to) {
			continue
		}
		spent += e.Amount
	}
	if spent < 0 {
		spent = 0
	}
	return spent, nil
}

func (h *memoryHistory) LaunchPerformance(ctx context.Context, agentID string, from, to time.Time) (reputation.Performance, error) {
	return reputation.Performance{}, nil
}

func (h *memoryHistory) PeerFeedback(ctx context.Context, agentID string, from, to time.Time) (float64, int, error) {
	return 0, 0, nil
}
