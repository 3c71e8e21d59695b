// Package selector picks the upstream account for a relayed request.
package selector

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/relayops/claude-relay/internal/models"
	"github.com/relayops/claude-relay/internal/store"
)

// ErrNoAccountAvailable is returned when no active account matches.
var ErrNoAccountAvailable = errors.New("selector: no account available")

// Selector chooses among active accounts: strict priority tiers, then
// weighted random inside the winning tier. Equal weights degrade to
// round-robin via an atomic cursor.
type Selector struct {
	accounts *store.AccountStore

	roundRobinCursor atomic.Uint64
	randIntn         func(n int) int
}

// New constructs a selector over the account store.
func New(accounts *store.AccountStore) *Selector {
	return &Selector{
		accounts: accounts,
		randIntn: rand.Intn,
	}
}

// Select picks one active account for the user and account type.
func (s *Selector) Select(ctx context.Context, userID uint64, accountType string) (*models.Account, error) {
	if s == nil || s.accounts == nil {
		return nil, fmt.Errorf("selector: not initialized")
	}

	candidates, errList := s.accounts.ListActive(ctx, userID, accountType)
	if errList != nil {
		return nil, errList
	}
	if len(candidates) == 0 {
		return nil, ErrNoAccountAvailable
	}

	tier := lowestPriorityTier(candidates)
	picked := s.pickWeighted(tier)
	if picked == nil {
		return nil, ErrNoAccountAvailable
	}
	return picked, nil
}

// MarkUsage records the outcome of a request against the picked account.
func (s *Selector) MarkUsage(ctx context.Context, accountID string, success bool) {
	if s == nil || s.accounts == nil {
		return
	}
	if errIncrement := s.accounts.IncrementUsage(ctx, accountID, success); errIncrement != nil {
		log.WithError(errIncrement).WithField("account_id", accountID).Warn("selector: mark usage failed")
	}
}

// lowestPriorityTier keeps only accounts sharing the lowest priority
// value. The input is already ordered by priority then id.
func lowestPriorityTier(candidates []models.Account) []*models.Account {
	if len(candidates) == 0 {
		return nil
	}
	best := candidates[0].Priority
	tier := make([]*models.Account, 0, len(candidates))
	for i := range candidates {
		if candidates[i].Priority != best {
			break
		}
		tier = append(tier, &candidates[i])
	}
	return tier
}

func (s *Selector) pickWeighted(tier []*models.Account) *models.Account {
	if len(tier) == 0 {
		return nil
	}
	if len(tier) == 1 {
		return tier[0]
	}

	total := 0
	equal := true
	first := weightOf(tier[0])
	for _, account := range tier {
		w := weightOf(account)
		total += w
		if w != first {
			equal = false
		}
	}
	if equal {
		index := s.roundRobinCursor.Add(1) - 1
		return tier[index%uint64(len(tier))]
	}

	r := s.randIntn(total)
	for _, account := range tier {
		r -= weightOf(account)
		if r < 0 {
			return account
		}
	}
	return tier[len(tier)-1]
}

func weightOf(account *models.Account) int {
	if account == nil || account.Weight <= 0 {
		return 1
	}
	return account.Weight
}
