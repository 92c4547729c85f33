package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// backupTimeFormat stamps backups at minute granularity (YYMMDDHHMM).
const backupTimeFormat = "0601021504"

// now is swapped out in tests to pin backup names.
var now = time.Now

// InstallResult reports what Install did.
type InstallResult struct {
	Changed    bool
	BackupPath string
}

// normalize strips trailing whitespace from every line and guarantees
// exactly one trailing newline, so cosmetic differences never trigger a
// reinstall.
func normalize(text string) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t\r")
	}
	return strings.Join(lines, "\n") + "\n"
}

// UpToDate reports whether the installed profile already matches doc.
func (s *Store) UpToDate(doc *Document) (bool, error) {
	path, err := s.InstalledPath(doc.Profile)
	if err != nil {
		return false, err
	}
	existing, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return normalize(string(existing)) == normalize(doc.Text), nil
}

// Install reconciles the installed profile file with doc. An unchanged
// profile is left alone. On change the old file is copied to a
// timestamped backup first, then the new content replaces it atomically;
// a concurrent reader never observes a partial profile.
func (s *Store) Install(doc *Document, backup bool) (InstallResult, error) {
	path, err := s.InstalledPath(doc.Profile)
	if err != nil {
		return InstallResult{}, err
	}
	want := normalize(doc.Text)

	existing, err := os.ReadFile(path)
	exists := err == nil
	if err != nil && !os.IsNotExist(err) {
		return InstallResult{}, err
	}
	if exists && normalize(string(existing)) == want {
		return InstallResult{}, nil
	}

	result := InstallResult{Changed: true}
	if exists && backup {
		perm := os.FileMode(0o644)
		if st, err := os.Stat(path); err == nil {
			perm = st.Mode().Perm()
		}
		result.BackupPath = path + "." + now().Format(backupTimeFormat)
		// the backup must land on disk before the destructive write
		if err := writeFileAtomic(result.BackupPath, existing, perm); err != nil {
			return InstallResult{}, fmt.Errorf("back up profile %s: %w", doc.Profile, err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return InstallResult{}, err
	}
	if err := writeFileAtomic(path, []byte(want), 0o644); err != nil {
		return InstallResult{}, fmt.Errorf("install profile %s: %w", doc.Profile, err)
	}
	return result, nil
}

// writeFileAtomic writes data through a temporary file in the target
// directory plus a rename, fsyncing both the file and the directory.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	tmpName = ""
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
