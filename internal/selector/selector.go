// Package selector decides, per request, which provider serves it and
// whether the caller sits in the day's subsidized cohort. Cohort membership
// is a pure function of user ID and date key so every request a user makes
// that day lands on the same side without coordination.
package selector

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/kertaslab/papergate/internal/freepool"
)

// Provider names used across selection, adapters and audit.
const (
	// ProviderPrimary is the subsidized provider.
	ProviderPrimary = "openai"
	// ProviderSecondary serves everything outside the subsidy.
	ProviderSecondary = "openrouter"
)

// Selection reasons.
const (
	ReasonFreeUser      = "free_user"
	ReasonPoolExhausted = "pool_exhausted"
	ReasonCapExceeded   = "cap_exceeded"
	ReasonNotSelected   = "not_selected"
)

// cohortBuckets is the modulus of the cohort hash; FreeUsersPerDay of these
// buckets are subsidized.
const cohortBuckets = 100_000

// Choice is the ephemeral routing decision for one request. It proposes
// eligibility only; the subsidy is applied post-hoc once real usage is known.
type Choice struct {
	Provider       string
	Reason         string
	PoolRemaining  int64
	IsCohortMember bool
	UserUsed       int64
	UserCap        int64
	DateKey        string
}

// Selector computes provider choices against the free-pool state.
type Selector struct {
	pool            *freepool.Accountant
	freeUsersPerDay int64
	userDailyCap    int64
}

// New constructs a Selector.
func New(pool *freepool.Accountant, freeUsersPerDay, userDailyCap int64) *Selector {
	return &Selector{
		pool:            pool,
		freeUsersPerDay: freeUsersPerDay,
		userDailyCap:    userDailyCap,
	}
}

// CohortMember reports whether userID is subsidized on dateKey. The first
// eight bytes of sha256("user:date") modulo the bucket count decide it.
func (s *Selector) CohortMember(userID, dateKey string) bool {
	sum := sha256.Sum256([]byte(userID + ":" + dateKey))
	score := binary.BigEndian.Uint64(sum[:8])
	return int64(score%cohortBuckets) < s.freeUsersPerDay
}

// Select routes one request. endpointKind participates only in logging and
// audit; routing depends on pool state, cohort membership and the user's cap.
func (s *Selector) Select(ctx context.Context, userID, dateKey, endpointKind string) (Choice, error) {
	remaining, err := s.pool.Remaining(ctx, dateKey)
	if err != nil {
		return Choice{}, fmt.Errorf("selector: %w", err)
	}

	if remaining <= 0 {
		return Choice{
			Provider:      ProviderSecondary,
			Reason:        ReasonPoolExhausted,
			PoolRemaining: remaining,
			UserCap:       s.userDailyCap,
			DateKey:       dateKey,
		}, nil
	}

	if !s.CohortMember(userID, dateKey) {
		return Choice{
			Provider:      ProviderSecondary,
			Reason:        ReasonNotSelected,
			PoolRemaining: remaining,
			UserCap:       s.userDailyCap,
			DateKey:       dateKey,
		}, nil
	}

	used, err := s.pool.UserUsed(ctx, dateKey, userID)
	if err != nil {
		return Choice{}, fmt.Errorf("selector: %w", err)
	}
	if used >= s.userDailyCap {
		return Choice{
			Provider:       ProviderSecondary,
			Reason:         ReasonCapExceeded,
			PoolRemaining:  remaining,
			IsCohortMember: true,
			UserUsed:       used,
			UserCap:        s.userDailyCap,
			DateKey:        dateKey,
		}, nil
	}

	return Choice{
		Provider:       ProviderPrimary,
		Reason:         ReasonFreeUser,
		PoolRemaining:  remaining,
		IsCohortMember: true,
		UserUsed:       used,
		UserCap:        s.userDailyCap,
		DateKey:        dateKey,
	}, nil
}
