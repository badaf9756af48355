package ledger

import "context"

type AdmitDecision int

const (
	// AdmitFirstSeen means no applied transaction exists for the pair yet.
	AdmitFirstSeen AdmitDecision = iota
	// AdmitAlreadySeen means a prior settlement already applied; Prior holds it.
	AdmitAlreadySeen
	// AdmitBypass means the movement carries no external ref and sits outside
	// the idempotency scope.
	AdmitBypass
)

type Admission struct {
	Decision AdmitDecision
	Prior    *Transaction
}

// Admit decides whether a settlement for (provider, externalRef) should
// proceed. It is a fast path for retried deliveries only: under concurrency
// two callers may both see FirstSeen, and the unique index inside
// ApplyTransaction picks the single winner. No in-memory state, so the answer
// is correct across processes and restarts.
func (s *Store) Admit(ctx context.Context, provider, externalRef string) (Admission, error) {
	if externalRef == "" {
		return Admission{Decision: AdmitBypass}, nil
	}

	prior, err := s.FindApplied(ctx, provider, externalRef)
	if err != nil {
		return Admission{}, err
	}
	if prior != nil {
		return Admission{Decision: AdmitAlreadySeen, Prior: prior}, nil
	}
	return Admission{Decision: AdmitFirstSeen}, nil
}
