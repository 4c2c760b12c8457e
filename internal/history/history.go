// Package history provides the read-only historical lookups used by rules.
package history

import (
	"context"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Service answers history questions from the account store.
type Service struct {
	accounts domain.AccountStore
}

// NewService creates a new history service.
func NewService(accounts domain.AccountStore) *Service {
	return &Service{accounts: accounts}
}

// CountSharedIdentity returns how many subjects other than subjectID have a
// recorded verification context containing any of the needles. Empty needles
// are ignored; with none left the count is zero.
func (s *Service) CountSharedIdentity(ctx context.Context, subjectID string, needles ...string) (int, error) {
	if subjectID == "" {
		return 0, fmt.Errorf("%w: subjectID is required", domain.ErrInvalidInput)
	}
	if s.accounts == nil {
		return 0, fmt.Errorf("no data source available")
	}

	var present []string
	for _, n := range needles {
		if n != "" {
			present = append(present, n)
		}
	}
	if len(present) == 0 {
		return 0, nil
	}

	count, err := s.accounts.CountMatchingVerification(ctx, subjectID, present...)
	if err != nil {
		return 0, fmt.Errorf("failed to count shared identity: %w", err)
	}
	return count, nil
}
