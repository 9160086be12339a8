package governance

import (
	"fmt"

	"github.com/mohammad-safakhou/quantgov/internal/fault"
)

// ErrAlreadyVoted is returned on a second ballot from the same voter.
var ErrAlreadyVoted = fmt.Errorf("voter already voted: %w", fault.ErrConflict)

// EvidenceBelowThresholdError blocks a termination proposal at submission.
type EvidenceBelowThresholdError struct {
	ProposalID string
	Have       int
	Need       int
}

func (e *EvidenceBelowThresholdError) Error() string {
	return fmt.Sprintf("proposal %s has %d independent evidence sources, needs %d", e.ProposalID, e.Have, e.Need)
}

func (e *EvidenceBelowThresholdError) Is(target error) bool {
	return target == fault.ErrEvidenceBelowThreshold
}

// QuorumNotMetError lists the voters still outstanding.
type QuorumNotMetError struct {
	ProposalID  string
	Outstanding []string
}

func (e *QuorumNotMetError) Error() string {
	return fmt.Sprintf("proposal %s: quorum not met, waiting on %v", e.ProposalID, e.Outstanding)
}

func (e *QuorumNotMetError) Is(target error) bool { return target == fault.ErrQuorumNotMet }
