package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mohammad-safakhou/quantgov/internal/fault"
	"github.com/mohammad-safakhou/quantgov/internal/governance"
)

// GovernanceRepository is the Postgres governance.Repository and
// governance.AlertRepository.
type GovernanceRepository struct{ *Store }

func (s *Store) Governance() *GovernanceRepository { return &GovernanceRepository{s} }

const proposalColumns = `id, kind, title, proposer_id, status, mode, required_voters, eligible, threshold, approval_rate,
payload, created_at, submitted_at, decided_at, version`

func scanProposal(row rowScanner) (governance.Proposal, error) {
	var (
		p                      governance.Proposal
		kind, status, mode     string
		required, eligible     []string
		payload                []byte
		submittedAt, decidedAt sql.NullTime
	)
	if err := row.Scan(&p.ID, &kind, &p.Title, &p.ProposerID, &status, &mode, pq.Array(&required), pq.Array(&eligible),
		&p.Threshold, &p.ApprovalRate, &payload, &p.CreatedAt, &submittedAt, &decidedAt, &p.Version); err != nil {
		return governance.Proposal{}, err
	}
	p.Kind = governance.Kind(kind)
	p.Status = governance.Status(status)
	p.Mode = governance.Mode(mode)
	p.RequiredVoters, p.Eligible = required, eligible
	p.SubmittedAt, p.DecidedAt = timePtr(submittedAt), timePtr(decidedAt)
	body, err := governance.DecodePayload(p.Kind, payload)
	if err != nil {
		return governance.Proposal{}, fmt.Errorf("decode payload of proposal %s: %w", p.ID, err)
	}
	p.Payload = body
	return p, nil
}

func (r *GovernanceRepository) CreateProposal(ctx context.Context, p governance.Proposal) error {
	payload, err := governance.EncodePayload(p.Payload)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `
INSERT INTO proposals (id, kind, title, proposer_id, status, mode, required_voters, eligible, threshold, approval_rate, payload, created_at, version)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,1)
`, p.ID, string(p.Kind), p.Title, p.ProposerID, string(p.Status), string(p.Mode), pq.Array(nonNil(p.RequiredVoters)),
		pq.Array(nonNil(p.Eligible)), p.Threshold, p.ApprovalRate, payload, p.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("proposal %s already exists: %w", p.ID, fault.ErrConflict)
	}
	return err
}

func (r *GovernanceRepository) GetProposal(ctx context.Context, id string) (governance.Proposal, bool, error) {
	p, err := scanProposal(r.DB.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return governance.Proposal{}, false, nil
	}
	if err != nil {
		return governance.Proposal{}, false, err
	}
	votes, err := r.votes(ctx, id)
	if err != nil {
		return governance.Proposal{}, false, err
	}
	p.Votes = votes
	return p, true, nil
}

func (r *GovernanceRepository) votes(ctx context.Context, id string) ([]governance.Vote, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT proposal_id, voter_id, choice, COALESCE(reason,''), cast_at
FROM proposal_votes
WHERE proposal_id=$1
ORDER BY cast_at, voter_id
`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []governance.Vote
	for rows.Next() {
		var (
			v      governance.Vote
			choice string
		)
		if err := rows.Scan(&v.ProposalID, &v.VoterID, &choice, &v.Reason, &v.CastAt); err != nil {
			return nil, err
		}
		v.Choice = governance.Choice(choice)
		out = append(out, v)
	}
	return out, rows.Err()
}

// UpdateProposal is a version compare-and-set. The vote row, if any, is
// inserted in the same transaction; its primary key rejects a second ballot.
func (r *GovernanceRepository) UpdateProposal(ctx context.Context, p governance.Proposal, expected int64, vote *governance.Vote) (bool, error) {
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE proposals
SET status=$3, approval_rate=$4, submitted_at=$5, decided_at=$6, version=version+1
WHERE id=$1 AND version=$2
`, p.ID, expected, string(p.Status), p.ApprovalRate, nullableTime(p.SubmittedAt), nullableTime(p.DecidedAt))
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return errLostRace
		}
		if vote == nil {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO proposal_votes (proposal_id, voter_id, choice, reason, cast_at)
VALUES ($1,$2,$3,$4,$5)
`, vote.ProposalID, vote.VoterID, string(vote.Choice), nullableString(vote.Reason), vote.CastAt)
		if isUniqueViolation(err) {
			return errLostRace
		}
		return err
	})
	if errors.Is(err, errLostRace) {
		if _, found, gerr := r.GetProposal(ctx, p.ID); gerr == nil && !found {
			return false, fmt.Errorf("proposal %s: %w", p.ID, fault.ErrNotFound)
		}
		recordConflict(ctx, "proposals")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *GovernanceRepository) ListProposals(ctx context.Context, statuses ...governance.Status) ([]governance.Proposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM proposals`
	var args []interface{}
	if len(statuses) > 0 {
		list := make([]string, 0, len(statuses))
		for _, s := range statuses {
			list = append(list, string(s))
		}
		query += ` WHERE status = ANY($1)`
		args = append(args, pq.Array(list))
	}
	query += ` ORDER BY created_at, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var out []governance.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		votes, err := r.votes(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Votes = votes
	}
	return out, nil
}

const alertColumns = `id, level, title, COALESCE(message,''), COALESCE(source,''), status, created_at,
COALESCE(acknowledged_by,''), acknowledged_at, COALESCE(resolved_by,''), resolved_at`

func scanAlert(row rowScanner) (governance.Alert, error) {
	var (
		a             governance.Alert
		level, status string
		ackAt, resAt  sql.NullTime
	)
	if err := row.Scan(&a.ID, &level, &a.Title, &a.Message, &a.Source, &status, &a.CreatedAt,
		&a.AcknowledgedBy, &ackAt, &a.ResolvedBy, &resAt); err != nil {
		return governance.Alert{}, err
	}
	a.Level = governance.Level(level)
	a.Status = governance.AlertStatus(status)
	a.AcknowledgedAt, a.ResolvedAt = timePtr(ackAt), timePtr(resAt)
	return a, nil
}

func (r *GovernanceRepository) CreateAlert(ctx context.Context, a governance.Alert) error {
	_, err := r.DB.ExecContext(ctx, `
INSERT INTO alerts (id, level, title, message, source, status, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`, a.ID, string(a.Level), a.Title, nullableString(a.Message), nullableString(a.Source), string(a.Status), a.CreatedAt)
	return err
}

func (r *GovernanceRepository) GetAlert(ctx context.Context, id string) (governance.Alert, bool, error) {
	a, err := scanAlert(r.DB.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return governance.Alert{}, false, nil
	}
	if err != nil {
		return governance.Alert{}, false, err
	}
	return a, true, nil
}

// TransitionAlert is conditional on the current status being one of from.
func (r *GovernanceRepository) TransitionAlert(ctx context.Context, id string, from []governance.AlertStatus, to governance.AlertStatus, actor string, at time.Time) (governance.Alert, bool, error) {
	allowed := make([]string, 0, len(from))
	for _, s := range from {
		allowed = append(allowed, string(s))
	}
	var set string
	switch to {
	case governance.AlertAcknowledged:
		set = "acknowledged_by=$4, acknowledged_at=$5"
	case governance.AlertResolved:
		set = "resolved_by=$4, resolved_at=$5"
	default:
		return governance.Alert{}, false, fmt.Errorf("alert status %q is not a transition target", to)
	}
	a, err := scanAlert(r.DB.QueryRowContext(ctx, `
UPDATE alerts SET status=$3, `+set+`
WHERE id=$1 AND status = ANY($2)
RETURNING `+alertColumns, id, pq.Array(allowed), string(to), actor, at))
	if errors.Is(err, sql.ErrNoRows) {
		if _, found, gerr := r.GetAlert(ctx, id); gerr == nil && !found {
			return governance.Alert{}, false, fmt.Errorf("alert %s: %w", id, fault.ErrNotFound)
		}
		return governance.Alert{}, false, nil
	}
	if err != nil {
		return governance.Alert{}, false, err
	}
	return a, true, nil
}

func (r *GovernanceRepository) ListAlerts(ctx context.Context, statuses ...governance.AlertStatus) ([]governance.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts`
	var args []interface{}
	if len(statuses) > 0 {
		list := make([]string, 0, len(statuses))
		for _, s := range statuses {
			list = append(list, string(s))
		}
		query += ` WHERE status = ANY($1)`
		args = append(args, pq.Array(list))
	}
	query += ` ORDER BY created_at DESC, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []governance.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
