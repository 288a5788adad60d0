package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/EffortlessMetrics/switchyard/internal/runtime"
)

// leaseDoc is the on-disk single-writer lease. An expired lease is claimable
// by anyone; a live lease is renewable only by its owner.
type leaseDoc struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AcquireLease claims exclusive write ownership of a run directory for ttl.
// It returns the owner token, or ErrLeaseHeld while another owner's lease is
// live.
func (s *Store) AcquireLease(runID string, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readLeaseLocked(runID)
	if err != nil {
		return "", err
	}
	now := timeNow().UTC()
	if doc != nil && doc.ExpiresAt.After(now) {
		return "", fmt.Errorf("run %s leased until %s: %w", runID, doc.ExpiresAt.Format(time.RFC3339), runtime.ErrLeaseHeld)
	}
	token := NewOwnerToken()
	if err := s.writeLeaseLocked(runID, leaseDoc{Token: token, ExpiresAt: now.Add(ttl)}); err != nil {
		return "", err
	}
	return token, nil
}

// RenewLease extends a held lease. Renewing with the wrong token, or after
// another owner claimed an expired lease, fails with ErrLeaseHeld.
func (s *Store) RenewLease(runID, token string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readLeaseLocked(runID)
	if err != nil {
		return err
	}
	if doc == nil || doc.Token != token {
		return fmt.Errorf("run %s lease not owned: %w", runID, runtime.ErrLeaseHeld)
	}
	return s.writeLeaseLocked(runID, leaseDoc{Token: token, ExpiresAt: timeNow().UTC().Add(ttl)})
}

// ReleaseLease drops ownership. Releasing a lease someone else holds is a
// no-op so a stale worker cannot evict the current owner.
func (s *Store) ReleaseLease(runID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readLeaseLocked(runID)
	if err != nil {
		return err
	}
	if doc == nil || doc.Token != token {
		return nil
	}
	err = os.Remove(filepath.Join(s.runDir(runID), leaseFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (s *Store) readLeaseLocked(runID string) (*leaseDoc, error) {
	b, err := os.ReadFile(filepath.Join(s.runDir(runID), leaseFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var doc leaseDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("decode lease for %s: %w", runID, err)
	}
	return &doc, nil
}

func (s *Store) writeLeaseLocked(runID string, doc leaseDoc) error {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return runtime.WriteFileAtomic(filepath.Join(s.runDir(runID), leaseFile), append(b, '\n'))
}
