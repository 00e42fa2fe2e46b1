// Package keydir is the public-key directory: one record per address, used
// by clients to discover each other's keys for end-to-end encryption. The
// relay itself never interprets the key material.
package keydir

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/cipherwire/cipherwire/internal/identity"
)

// ErrEmptyKey is returned when storing a blank public key.
var ErrEmptyKey = errors.New("public key must be a non-empty string")

// Record is a stored public key. CreatedAt survives updates; UpdatedAt is
// refreshed on every Store.
type Record struct {
	Address   string    `json:"address"`
	PublicKey string    `json:"publicKey"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Directory struct {
	mu      sync.RWMutex
	records map[string]Record
	now     func() time.Time
}

func New() *Directory {
	return &Directory{
		records: make(map[string]Record),
		now:     time.Now,
	}
}

// Store upserts the key for addr, preserving CreatedAt across updates.
func (d *Directory) Store(addr, key string) (Record, error) {
	norm, err := identity.Normalize(addr)
	if err != nil {
		return Record{}, err
	}
	if strings.TrimSpace(key) == "" {
		return Record{}, ErrEmptyKey
	}
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[norm]
	if !ok {
		rec = Record{Address: norm, CreatedAt: now}
	}
	rec.PublicKey = key
	rec.UpdatedAt = now
	d.records[norm] = rec
	return rec, nil
}

// Get returns the record for addr, if any.
func (d *Directory) Get(addr string) (Record, bool) {
	norm, err := identity.Normalize(addr)
	if err != nil {
		return Record{}, false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.records[norm]
	return rec, ok
}

// GetMultiple is a batch lookup returning only found entries, keyed by
// normalized address. Malformed addresses are skipped.
func (d *Directory) GetMultiple(addrs []string) map[string]Record {
	out := make(map[string]Record)
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, addr := range addrs {
		norm, err := identity.Normalize(addr)
		if err != nil {
			continue
		}
		if rec, ok := d.records[norm]; ok {
			out[norm] = rec
		}
	}
	return out
}

// Exists reports whether addr has a stored key.
func (d *Directory) Exists(addr string) bool {
	_, ok := d.Get(addr)
	return ok
}

// Delete removes the record for addr, reporting whether one existed.
func (d *Directory) Delete(addr string) bool {
	norm, err := identity.Normalize(addr)
	if err != nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.records[norm]
	delete(d.records, norm)
	return ok
}

// Count returns the number of stored records.
func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.records)
}
