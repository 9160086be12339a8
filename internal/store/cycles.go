package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/mohammad-safakhou/quantgov/internal/cycle"
	"github.com/mohammad-safakhou/quantgov/internal/fault"
	"github.com/mohammad-safakhou/quantgov/internal/gate"
)

// CycleRepository is the Postgres cycle.Repository.
type CycleRepository struct{ *Store }

func (s *Store) Cycles() *CycleRepository { return &CycleRepository{s} }

const cycleColumns = `id, title, owner_id, COALESCE(team,''), COALESCE(account_id,''), current_stage, COALESCE(previous_stage,''),
gates_passed, COALESCE(final_decision,''), work_order, round, version, created_at, updated_at`

func scanCycle(row rowScanner) (cycle.Cycle, error) {
	var (
		c                       cycle.Cycle
		current, prev, decision string
		passed, workOrder       []string
	)
	if err := row.Scan(&c.ID, &c.Title, &c.OwnerID, &c.Team, &c.AccountID, &current, &prev,
		pq.Array(&passed), &decision, pq.Array(&workOrder), &c.Round, &c.Version, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return cycle.Cycle{}, err
	}
	c.Current = gate.Stage(current)
	c.Previous = gate.Stage(prev)
	c.FinalDecision = cycle.FinalDecision(decision)
	c.WorkOrder = workOrder
	for _, p := range passed {
		c.GatesPassed = append(c.GatesPassed, gate.Stage(p))
	}
	return c, nil
}

func stageStrings(stages []gate.Stage) []string {
	out := make([]string, 0, len(stages))
	for _, s := range stages {
		out = append(out, string(s))
	}
	return out
}

func (r *CycleRepository) Create(ctx context.Context, c cycle.Cycle) error {
	_, err := r.DB.ExecContext(ctx, `
INSERT INTO research_cycles (id, title, owner_id, team, account_id, current_stage, previous_stage, gates_passed, final_decision, work_order, round, version, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
`, c.ID, c.Title, c.OwnerID, nullableString(c.Team), nullableString(c.AccountID), string(c.Current), nullableString(string(c.Previous)),
		pq.Array(stageStrings(c.GatesPassed)), nullableString(string(c.FinalDecision)), pq.Array(nonNil(c.WorkOrder)), c.Round, c.Version, c.CreatedAt, c.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("cycle %s already exists: %w", c.ID, fault.ErrConflict)
	}
	return err
}

func (r *CycleRepository) Get(ctx context.Context, id string) (cycle.Cycle, bool, error) {
	c, err := scanCycle(r.DB.QueryRowContext(ctx, `SELECT `+cycleColumns+` FROM research_cycles WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return cycle.Cycle{}, false, nil
	}
	if err != nil {
		return cycle.Cycle{}, false, err
	}
	return c, true, nil
}

// Update is a version compare-and-set. The history row shares the transaction
// so a transition and its audit edge commit together.
func (r *CycleRepository) Update(ctx context.Context, c cycle.Cycle, expected int64, h *cycle.History) (bool, error) {
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE research_cycles
SET current_stage=$3, previous_stage=$4, gates_passed=$5, final_decision=$6, work_order=$7, round=$8, version=version+1, updated_at=$9
WHERE id=$1 AND version=$2
`, c.ID, expected, string(c.Current), nullableString(string(c.Previous)), pq.Array(stageStrings(c.GatesPassed)),
			nullableString(string(c.FinalDecision)), pq.Array(nonNil(c.WorkOrder)), c.Round, c.UpdatedAt)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return errLostRace
		}
		if h == nil {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO cycle_history (id, cycle_id, from_stage, to_stage, triggered_by, reason, kind, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`, h.ID, h.CycleID, string(h.From), string(h.To), nullableString(h.TriggeredBy), nullableString(h.Reason), string(h.Kind), h.CreatedAt)
		return err
	})
	if errors.Is(err, errLostRace) {
		if _, found, gerr := r.Get(ctx, c.ID); gerr == nil && !found {
			return false, fmt.Errorf("cycle %s: %w", c.ID, fault.ErrNotFound)
		}
		recordConflict(ctx, "research_cycles")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *CycleRepository) History(ctx context.Context, id string) ([]cycle.History, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT id, cycle_id, from_stage, to_stage, COALESCE(triggered_by,''), COALESCE(reason,''), kind, created_at
FROM cycle_history
WHERE cycle_id=$1
ORDER BY created_at, id
`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []cycle.History
	for rows.Next() {
		var (
			h              cycle.History
			from, to, kind string
		)
		if err := rows.Scan(&h.ID, &h.CycleID, &from, &to, &h.TriggeredBy, &h.Reason, &kind, &h.CreatedAt); err != nil {
			return nil, err
		}
		h.From, h.To, h.Kind = gate.Stage(from), gate.Stage(to), cycle.HistoryKind(kind)
		out = append(out, h)
	}
	return out, rows.Err()
}

func (r *CycleRepository) List(ctx context.Context, f cycle.ListFilter) ([]cycle.Cycle, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.Stage != "" {
		args = append(args, string(f.Stage))
		where = append(where, fmt.Sprintf("current_stage=$%d", len(args)))
	}
	if f.Team != "" {
		args = append(args, f.Team)
		where = append(where, fmt.Sprintf("team=$%d", len(args)))
	}
	query := `SELECT ` + cycleColumns + ` FROM research_cycles`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY updated_at DESC, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []cycle.Cycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
