// Package registry resolves public voter identifiers to the internal account
// references the vote ledger works with.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	// ErrVoterNotFound is returned for an unknown public voter id.
	ErrVoterNotFound = errors.New("voter not found")

	// ErrVoterInactive is returned for a voter who is no longer eligible.
	ErrVoterInactive = errors.New("voter is inactive")
)

// VoterDirectory maps a public voter id to an internal account reference.
type VoterDirectory interface {
	ResolveAccountID(ctx context.Context, publicVoterID string) (string, error)
}

// VoterEntry is one row of the directory file.
type VoterEntry struct {
	PublicID    string    `json:"public_id"`
	AccountRef  string    `json:"account_ref"`
	IsActive    bool      `json:"is_active"`
	LastUpdated time.Time `json:"last_updated"`
}

// FileDirectory is a JSON-file backed VoterDirectory.
type FileDirectory struct {
	path   string
	voters map[string]*VoterEntry
	mu     sync.RWMutex
}

// NewFileDirectory loads the directory at path. A missing file yields an
// empty directory that is created on the first AddVoter.
func NewFileDirectory(path string) (*FileDirectory, error) {
	d := &FileDirectory{
		path:   path,
		voters: make(map[string]*VoterEntry),
	}
	if path == "" {
		return d, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := d.load(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *FileDirectory) load() error {
	data, err := os.ReadFile(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read voters file: %w", err)
	}

	var file struct {
		Voters []*VoterEntry `json:"voters"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to unmarshal voter data: %w", err)
	}

	for _, v := range file.Voters {
		if err := validateEntry(v); err != nil {
			return fmt.Errorf("invalid voter entry %q: %w", v.PublicID, err)
		}
		if _, dup := d.voters[v.PublicID]; dup {
			return fmt.Errorf("duplicate public id %q", v.PublicID)
		}
		d.voters[v.PublicID] = v
	}
	return nil
}

func (d *FileDirectory) save() error {
	if d.path == "" {
		return nil
	}

	file := struct {
		Voters []*VoterEntry `json:"voters"`
	}{}
	for _, v := range d.voters {
		file.Voters = append(file.Voters, v)
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal voter data: %w", err)
	}
	if err := os.WriteFile(d.path, data, 0600); err != nil {
		return fmt.Errorf("failed to save voters file: %w", err)
	}
	return nil
}

func validateEntry(v *VoterEntry) error {
	if v.PublicID == "" {
		return errors.New("public id is required")
	}
	if v.AccountRef == "" {
		return errors.New("account ref is required")
	}
	if v.PublicID == v.AccountRef {
		return errors.New("public id and account ref must differ")
	}
	return nil
}

// ResolveAccountID returns the internal account reference for publicVoterID.
func (d *FileDirectory) ResolveAccountID(_ context.Context, publicVoterID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	v, ok := d.voters[publicVoterID]
	if !ok {
		return "", ErrVoterNotFound
	}
	if !v.IsActive {
		return "", ErrVoterInactive
	}
	return v.AccountRef, nil
}

// AddVoter inserts or replaces an entry and persists the file.
func (d *FileDirectory) AddVoter(entry VoterEntry) error {
	if err := validateEntry(&entry); err != nil {
		return err
	}
	if entry.LastUpdated.IsZero() {
		entry.LastUpdated = time.Now().UTC()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.voters[entry.PublicID] = &entry
	return d.save()
}

// Deactivate marks a voter ineligible without forgetting the mapping.
func (d *FileDirectory) Deactivate(publicVoterID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	v, ok := d.voters[publicVoterID]
	if !ok {
		return ErrVoterNotFound
	}
	v.IsActive = false
	v.LastUpdated = time.Now().UTC()
	return d.save()
}
