// Package secrets holds the credential master key and the cipher that seals
// and opens stored credential secrets.
package secrets

import (
	"fmt"
	"sync"
)

// MasterKey is the vault entry holding the credential encryption key.
const MasterKey = "ENCRYPTION_KEY"

// Loader retrieves secret values from a source (environment, file, config).
type Loader func() (map[string]string, error)

// Vault holds secret values in memory and supports atomic reloading, so a
// rotated key file takes effect without a restart.
type Vault struct {
	mu     sync.RWMutex
	values map[string]string
	loader Loader
}

// NewVault creates a Vault, calling the loader once to populate initial values.
func NewVault(loader Loader) (*Vault, error) {
	vals, err := loader()
	if err != nil {
		return nil, fmt.Errorf("initial secret load: %w", err)
	}
	return &Vault{values: vals, loader: loader}, nil
}

// Get returns the secret for key, or an empty string if not found.
func (v *Vault) Get(key string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.values[key]
}

// Reload calls the loader and swaps in the new values atomically.
// If the loader fails or drops the master key, existing values are kept.
func (v *Vault) Reload() error {
	newVals, err := v.loader()
	if err != nil {
		return fmt.Errorf("reload secrets: %w", err)
	}
	if v.Get(MasterKey) != "" && newVals[MasterKey] == "" {
		return fmt.Errorf("reload secrets: %s missing, keeping previous value", MasterKey)
	}
	v.mu.Lock()
	v.values = newVals
	v.mu.Unlock()
	return nil
}
