// Package profile implements the AppArmor profile fragment store, the
// fragment merge engine and the installed-profile reconciler.
//
// Fragments live under <StagingRoot>/<profile>/<contributor>.fragment and
// merged profiles under <ProfileRoot>/<profile>. The store is an explicit
// handle passed into every operation; there are no ambient paths, so tests
// run against temp-directory stores.
package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/schubergphilis/apparmorctl/internal/apparmor"
)

// FragmentSuffix is appended to the contributor name to form the fragment
// filename.
const FragmentSuffix = ".fragment"

// modeHeaderPrefix starts the comment line the contribution operation
// prepends to every staged fragment.
const modeHeaderPrefix = "# Mode:"

// Store addresses the two directory trees the tool mutates.
//
// Both trees are shared with concurrent runs on the same host; the store
// does no locking and relies on the orchestration layer running at most
// one merge per host at a time.
type Store struct {
	StagingRoot string
	ProfileRoot string
}

func NewStore(stagingRoot, profileRoot string) *Store {
	return &Store{StagingRoot: stagingRoot, ProfileRoot: profileRoot}
}

// validateName ensures s is usable as a single path segment.
func validateName(kind, s string) error {
	if s == "" {
		return NewConfigError("%s name must not be empty", kind)
	}
	if s == "." || s == ".." || strings.ContainsAny(s, `/\`) {
		return NewConfigError("%s name %q must be a single path segment", kind, s)
	}
	return nil
}

// StagingDir returns the directory holding a profile's fragments.
func (s *Store) StagingDir(profileName string) (string, error) {
	if err := validateName("profile", profileName); err != nil {
		return "", err
	}
	return securejoin.SecureJoin(s.StagingRoot, profileName)
}

// FragmentPath returns the staged fragment path for one (profile,
// contributor) pair. The pair is the fragment's identity: writing the
// same pair again overwrites, never duplicates.
func (s *Store) FragmentPath(profileName, contributor string) (string, error) {
	if err := validateName("contributor", contributor); err != nil {
		return "", err
	}
	dir, err := s.StagingDir(profileName)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, contributor+FragmentSuffix), nil
}

// InstalledPath returns the installed profile path.
func (s *Store) InstalledPath(profileName string) (string, error) {
	if err := validateName("profile", profileName); err != nil {
		return "", err
	}
	return securejoin.SecureJoin(s.ProfileRoot, profileName)
}

// WriteFragment stages content for (profileName, contributor), prefixed
// with the mode header line. It reports whether the on-disk fragment
// changed; re-running with identical inputs changes nothing.
func (s *Store) WriteFragment(profileName, contributor, content string, mode apparmor.Mode) (changed bool, path string, err error) {
	path, err = s.FragmentPath(profileName, contributor)
	if err != nil {
		return false, "", err
	}
	full := modeHeaderPrefix + " " + mode.String() + "\n" + content
	if existing, err := os.ReadFile(path); err == nil && string(existing) == full {
		return false, path, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, "", err
	}
	if err := writeFileAtomic(path, []byte(full), 0o644); err != nil {
		return false, "", fmt.Errorf("stage fragment %s: %w", path, err)
	}
	return true, path, nil
}

// RemoveFragment deletes the staged fragment for (profileName,
// contributor). Removing an absent fragment is a no-op, not an error.
// An emptied profile directory is pruned so merge treats the profile as
// having nothing staged.
func (s *Store) RemoveFragment(profileName, contributor string) (bool, error) {
	path, err := s.FragmentPath(profileName, contributor)
	if err != nil {
		return false, err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	// ignore the error: the directory simply is not empty
	_ = os.Remove(filepath.Dir(path))
	return true, nil
}

// ListProfiles returns the names of all profiles with a staging
// directory, sorted. A missing staging root means nothing is staged.
func (s *Store) ListProfiles() ([]string, error) {
	entries, err := os.ReadDir(s.StagingRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// ListFragments returns a profile's fragment filenames in lexicographic
// order, the order the merge engine processes them in.
func (s *Store) ListFragments(profileName string) ([]string, error) {
	dir, err := s.StagingDir(profileName)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), FragmentSuffix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// LoadFragments reads and parses every staged fragment of a profile in
// filename order. The first malformed fragment aborts the load; partial
// fragment sets are never merged.
func (s *Store) LoadFragments(profileName string) ([]Fragment, error) {
	names, err := s.ListFragments(profileName)
	if err != nil {
		return nil, err
	}
	dir, err := s.StagingDir(profileName)
	if err != nil {
		return nil, err
	}
	frags := make([]Fragment, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		frag, err := ParseFragment(name, string(data))
		if err != nil {
			return nil, err
		}
		frags = append(frags, frag)
	}
	return frags, nil
}

// PurgeStaging removes all staged fragments of a profile along with its
// staging directory.
func (s *Store) PurgeStaging(profileName string) error {
	dir, err := s.StagingDir(profileName)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}
