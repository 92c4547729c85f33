// Package apparmor drives the host AppArmor subsystem: probing whether it
// is enabled, classifying profile modes, and invoking apparmor_parser to
// compile, load and unload policy.
package apparmor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Mode is the enforcement level requested for a profile.
type Mode string

const (
	ModeEnforce  Mode = "enforce"
	ModeComplain Mode = "complain"
	ModeDisable  Mode = "disable"
	ModeAudit    Mode = "audit"
)

// restrictiveness orders modes from most permissive to most restrictive.
// Audit ranks above plain enforce: it enforces and additionally logs
// allowed actions.
var restrictiveness = map[Mode]int{
	ModeDisable:  0,
	ModeComplain: 1,
	ModeEnforce:  2,
	ModeAudit:    3,
}

// ParseMode converts s into a Mode, rejecting anything outside the
// recognized set.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := restrictiveness[m]; !ok {
		return "", fmt.Errorf("unknown apparmor mode %q (expected enforce, complain, disable or audit)", s)
	}
	return m, nil
}

func (m Mode) String() string {
	return string(m)
}

// MostRestrictive returns whichever of a or b constrains the program more.
func MostRestrictive(a, b Mode) Mode {
	if restrictiveness[b] > restrictiveness[a] {
		return b
	}
	return a
}

// Flags returns the profile flags the mode contributes to a profile
// declaration, or "" when the mode needs none.
func (m Mode) Flags() string {
	switch m {
	case ModeComplain:
		return "complain"
	case ModeAudit:
		return "audit"
	}
	return ""
}

// enabledPath is a variable so tests can point it at a fixture.
var enabledPath = "/sys/module/apparmor/parameters/enabled"

// IsEnabled returns true if apparmor is enabled for the host.
func IsEnabled() bool {
	data, err := os.ReadFile(enabledPath)
	return err == nil && len(data) > 0 && data[0] == 'Y'
}

// SetDisabled records or clears the marker symlink under
// <profileDir>/disable that keeps a profile from being loaded at boot,
// the same marker aa-disable manages.
func SetDisabled(profileDir, name string, disabled bool) error {
	link := filepath.Join(profileDir, "disable", name)
	if !disabled {
		if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		return err
	}
	if err := os.Symlink(filepath.Join("..", name), link); err != nil && !os.IsExist(err) {
		return err
	}
	return nil
}
