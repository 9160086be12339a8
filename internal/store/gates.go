package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/quantgov/internal/fault"
	"github.com/mohammad-safakhou/quantgov/internal/gate"
)

// GateRepository is the Postgres gate.Repository.
type GateRepository struct{ *Store }

func (s *Store) Gates() *GateRepository { return &GateRepository{s} }

const gateColumns = `id, cycle_id, gate, round, approver_id, COALESCE(role,''), status, payload, COALESCE(comments,''),
veto_used, force_retest_used, superseded, timed_out, deadline_at, created_at, decided_at, version`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanGateApproval(row rowScanner) (gate.GateApproval, error) {
	var (
		rec       gate.GateApproval
		stage     string
		status    string
		payload   []byte
		decidedAt sql.NullTime
	)
	if err := row.Scan(&rec.ID, &rec.CycleID, &stage, &rec.Round, &rec.ApproverID, &rec.Role, &status, &payload, &rec.Comments,
		&rec.VetoUsed, &rec.ForceRetestUsed, &rec.Superseded, &rec.TimedOut, &rec.DeadlineAt, &rec.CreatedAt, &decidedAt, &rec.Version); err != nil {
		return gate.GateApproval{}, err
	}
	rec.Gate = gate.Stage(stage)
	rec.Status = gate.Status(status)
	rec.DecidedAt = timePtr(decidedAt)
	p, err := gate.DecodePayload(payload)
	if err != nil {
		return gate.GateApproval{}, fmt.Errorf("decode payload of approval %s: %w", rec.ID, err)
	}
	rec.Payload = p
	return rec, nil
}

func (r *GateRepository) OpenRound(ctx context.Context, records []gate.GateApproval) error {
	if len(records) == 0 {
		return nil
	}
	first := records[0]
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var maxRound int
		if err := tx.QueryRowContext(ctx, `
SELECT COALESCE(MAX(round),0) FROM gate_approvals WHERE cycle_id=$1 AND gate=$2
`, first.CycleID, string(first.Gate)).Scan(&maxRound); err != nil {
			return err
		}
		if maxRound >= first.Round {
			return fmt.Errorf("gate %s round %d already open: %w", first.Gate, first.Round, fault.ErrConflict)
		}
		for _, rec := range records {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO gate_approvals (id, cycle_id, gate, round, approver_id, role, status, deadline_at, created_at, version)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,1)
`, rec.ID, rec.CycleID, string(rec.Gate), rec.Round, rec.ApproverID, nullableString(rec.Role), string(rec.Status), rec.DeadlineAt, rec.CreatedAt); err != nil {
				return err
			}
		}
		return nil
	})
	if isUniqueViolation(err) {
		return fmt.Errorf("gate %s round %d already open: %w", first.Gate, first.Round, fault.ErrConflict)
	}
	return err
}

func (r *GateRepository) CurrentRound(ctx context.Context, cycleID string, stage gate.Stage) ([]gate.GateApproval, error) {
	return r.query(ctx, `
SELECT `+gateColumns+`
FROM gate_approvals
WHERE cycle_id=$1 AND gate=$2 AND NOT superseded AND round = (
  SELECT MAX(round) FROM gate_approvals WHERE cycle_id=$1 AND gate=$2 AND NOT superseded
)
ORDER BY created_at, approver_id
`, cycleID, string(stage))
}

func (r *GateRepository) History(ctx context.Context, cycleID string, stage gate.Stage) ([]gate.GateApproval, error) {
	return r.query(ctx, `
SELECT `+gateColumns+`
FROM gate_approvals
WHERE cycle_id=$1 AND gate=$2
ORDER BY round, created_at, approver_id
`, cycleID, string(stage))
}

func (r *GateRepository) query(ctx context.Context, query string, args ...interface{}) ([]gate.GateApproval, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []gate.GateApproval
	for rows.Next() {
		rec, err := scanGateApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Decide applies the decision only while the approver's record is PENDING.
func (r *GateRepository) Decide(ctx context.Context, d gate.Decision) (gate.GateApproval, bool, error) {
	payload, err := gate.EncodePayload(d.Payload)
	if err != nil {
		return gate.GateApproval{}, false, err
	}
	rec, err := scanGateApproval(r.DB.QueryRowContext(ctx, `
UPDATE gate_approvals
SET status=$5, payload=$6, comments=$7, veto_used=$8, decided_at=$9, version=version+1
WHERE cycle_id=$1 AND gate=$2 AND round=$3 AND approver_id=$4 AND status='PENDING' AND NOT superseded
RETURNING `+gateColumns,
		d.CycleID, string(d.Gate), d.Round, d.ApproverID, string(d.Status), payload, nullableString(d.Comments), d.VetoUsed, d.DecidedAt))
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return gate.GateApproval{}, false, err
	}

	var exists bool
	if err := r.DB.QueryRowContext(ctx, `
SELECT EXISTS (SELECT 1 FROM gate_approvals WHERE cycle_id=$1 AND gate=$2 AND round=$3 AND approver_id=$4)
`, d.CycleID, string(d.Gate), d.Round, d.ApproverID).Scan(&exists); err != nil {
		return gate.GateApproval{}, false, err
	}
	if exists {
		recordConflict(ctx, "gate_approvals")
		return gate.GateApproval{}, false, nil
	}
	if !d.Insert {
		return gate.GateApproval{}, false, fmt.Errorf("approver %s has no record at %s round %d: %w", d.ApproverID, d.Gate, d.Round, fault.ErrNotFound)
	}
	rec, err = scanGateApproval(r.DB.QueryRowContext(ctx, `
INSERT INTO gate_approvals (id, cycle_id, gate, round, approver_id, role, status, payload, comments, veto_used, deadline_at, created_at, decided_at, version)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12,1)
ON CONFLICT (cycle_id, gate, round, approver_id) DO NOTHING
RETURNING `+gateColumns,
		d.ID, d.CycleID, string(d.Gate), d.Round, d.ApproverID, nullableString(d.Role), string(d.Status), payload, nullableString(d.Comments), d.VetoUsed, d.DeadlineAt, d.DecidedAt))
	if errors.Is(err, sql.ErrNoRows) {
		recordConflict(ctx, "gate_approvals")
		return gate.GateApproval{}, false, nil
	}
	if err != nil {
		return gate.GateApproval{}, false, err
	}
	return rec, true, nil
}

func (r *GateRepository) Supersede(ctx context.Context, cycleID string, stage gate.Stage, round int) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
UPDATE gate_approvals
SET superseded=TRUE, force_retest_used=TRUE, version=version+1
WHERE cycle_id=$1 AND gate=$2 AND round=$3 AND NOT superseded
`, cycleID, string(stage), round)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ExpirePending fails closed every PENDING record whose deadline passed,
// skipping rounds already settled by a veto, a return or a reject.
func (r *GateRepository) ExpirePending(ctx context.Context, now time.Time) ([]gate.GateApproval, error) {
	return r.query(ctx, `
UPDATE gate_approvals g
SET status='REJECTED', timed_out=TRUE, decided_at=$1, version=g.version+1
WHERE g.status='PENDING' AND NOT g.superseded AND g.deadline_at <= $1
  AND NOT EXISTS (
    SELECT 1 FROM gate_approvals d
    WHERE d.cycle_id=g.cycle_id AND d.gate=g.gate AND d.round=g.round AND NOT d.superseded
      AND (d.veto_used OR d.status='RETURNED' OR (d.status='REJECTED' AND NOT d.timed_out))
  )
RETURNING `+gateColumns, now)
}
