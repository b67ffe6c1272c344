package crates

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"warehouse/pkg/validation"
)

// Owner is one entry in a crate's owners file at <root>/<name>/owners.json.
// The ID is assigned monotonically on add and stays stable for the lifetime
// of the entry; cargo treats it as purely informational.
type Owner struct {
	ID    uint64 `json:"id"`
	Login string `json:"login"`
	Name  string `json:"name,omitempty"`
}

func (s *Store) ownersPath(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	path := filepath.Join(s.root, name, "owners.json")
	if err := validation.EnsureWithinRoot(s.root, path); err != nil {
		return "", ErrInvalidName
	}
	return path, nil
}

// CrateExists reports whether any version of the crate has been published.
func (s *Store) CrateExists(name string) bool {
	if err := ValidateName(name); err != nil {
		return false
	}
	info, err := os.Stat(filepath.Join(s.root, name))
	return err == nil && info.IsDir()
}

// Owners returns the crate's owner list. A missing or unreadable owners
// file means the crate simply has no owners yet.
func (s *Store) Owners(name string) []Owner {
	path, err := s.ownersPath(name)
	if err != nil {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var owners []Owner
	if err := json.Unmarshal(data, &owners); err != nil {
		return nil
	}
	return owners
}

// AddOwners appends the logins that are not yet owners, matching existing
// entries case-insensitively. IDs keep growing from the current maximum so
// existing entries stay stable.
func (s *Store) AddOwners(name string, logins []string) error {
	owners := s.Owners(name)

	next := uint64(1)
	for _, o := range owners {
		if o.ID >= next {
			next = o.ID + 1
		}
	}

	for _, login := range logins {
		login = strings.TrimSpace(login)
		if login == "" || hasOwner(owners, login) {
			continue
		}
		owners = append(owners, Owner{ID: next, Login: login})
		next++
	}

	return s.saveOwners(name, owners)
}

// RemoveOwners drops the given logins, matching case-insensitively.
func (s *Store) RemoveOwners(name string, logins []string) error {
	owners := s.Owners(name)

	remove := make(map[string]bool, len(logins))
	for _, login := range logins {
		remove[strings.ToLower(strings.TrimSpace(login))] = true
	}

	kept := owners[:0]
	for _, o := range owners {
		if !remove[strings.ToLower(o.Login)] {
			kept = append(kept, o)
		}
	}

	return s.saveOwners(name, kept)
}

func hasOwner(owners []Owner, login string) bool {
	for _, o := range owners {
		if strings.EqualFold(o.Login, login) {
			return true
		}
	}
	return false
}

func (s *Store) saveOwners(name string, owners []Owner) error {
	path, err := s.ownersPath(name)
	if err != nil {
		return err
	}
	if owners == nil {
		owners = []Owner{}
	}

	data, err := json.MarshalIndent(owners, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize owners: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create crate directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".owners-*")
	if err != nil {
		return fmt.Errorf("create temp owners file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write owners file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close owners file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("commit owners file: %w", err)
	}

	s.log.Info("owners updated", "name", name, "count", len(owners))
	return nil
}
