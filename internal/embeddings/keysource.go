package embeddings

import (
	"context"
	"sync"
	"time"

	"github.com/koriath/raketh/internal/crypto"
	"github.com/koriath/raketh/internal/errs"
)

// VaultKeySource resolves provider API keys through a C1 crypto.Vault,
// decrypting plaintext only at call time and never holding it beyond the
// single lookup.
type VaultKeySource struct {
	vault  *crypto.Vault
	maxAge time.Duration

	mu      sync.Mutex
	records map[string]crypto.KeyRecord
}

// NewVaultKeySource constructs a VaultKeySource. maxAge bounds how long a
// key record may be used before Retrieve rejects it (0 disables the check).
func NewVaultKeySource(vault *crypto.Vault, maxAge time.Duration) *VaultKeySource {
	return &VaultKeySource{vault: vault, maxAge: maxAge, records: make(map[string]crypto.KeyRecord)}
}

// Register stores the encrypted key record used to serve future lookups for
// providerID.
func (s *VaultKeySource) Register(providerID string, rec crypto.KeyRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[providerID] = rec
}

// APIKey implements KeySource.
func (s *VaultKeySource) APIKey(_ context.Context, providerID string) (string, error) {
	s.mu.Lock()
	rec, ok := s.records[providerID]
	s.mu.Unlock()
	if !ok {
		return "", errs.New(errs.KindValidation, "no key registered for provider: "+providerID)
	}

	plaintext, updated, err := s.vault.Retrieve(rec, s.maxAge, time.Now())
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.records[providerID] = updated
	s.mu.Unlock()

	return string(plaintext), nil
}
