package profile

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/schubergphilis/apparmorctl/internal/apparmor"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	root := t.TempDir()
	return NewStore(filepath.Join(root, "staging"), filepath.Join(root, "profiles"))
}

func TestWriteFragmentIdempotent(t *testing.T) {
	store := testStore(t)

	changed, path, err := store.WriteFragment("usr.sbin.nginx", "webserver", "/tmp/** r,\n", apparmor.ModeEnforce)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !changed {
		t.Error("first write must report changed")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("fragment not written: %v", err)
	}
	if want := "# Mode: enforce\n/tmp/** r,\n"; string(data) != want {
		t.Errorf("expected %q, got %q", want, data)
	}

	changed, _, err = store.WriteFragment("usr.sbin.nginx", "webserver", "/tmp/** r,\n", apparmor.ModeEnforce)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if changed {
		t.Error("identical rewrite must report unchanged")
	}

	// changed mode alone changes the fragment
	changed, _, err = store.WriteFragment("usr.sbin.nginx", "webserver", "/tmp/** r,\n", apparmor.ModeComplain)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !changed {
		t.Error("mode change must report changed")
	}

	// same pair overwrites: still exactly one fragment
	names, err := store.ListFragments("usr.sbin.nginx")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(names) != 1 {
		t.Errorf("expected one fragment, got %v", names)
	}
}

func TestRemoveFragment(t *testing.T) {
	store := testStore(t)
	if _, _, err := store.WriteFragment("usr.sbin.nginx", "webserver", "/tmp/** r,\n", apparmor.ModeEnforce); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	changed, err := store.RemoveFragment("usr.sbin.nginx", "webserver")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !changed {
		t.Error("removal of a staged fragment must report changed")
	}

	changed, err = store.RemoveFragment("usr.sbin.nginx", "webserver")
	if err != nil {
		t.Fatalf("removing an absent fragment must not fail: %v", err)
	}
	if changed {
		t.Error("removing an absent fragment must report unchanged")
	}

	// emptied profile directory is pruned
	profiles, err := store.ListProfiles()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(profiles) != 0 {
		t.Errorf("expected no staged profiles, got %v", profiles)
	}
}

func TestNameValidation(t *testing.T) {
	store := testStore(t)
	bad := []string{"", ".", "..", "a/b", `a\b`, "../etc"}
	for _, name := range bad {
		_, _, err := store.WriteFragment(name, "webserver", "x\n", apparmor.ModeEnforce)
		var cfgErr *ConfigError
		if !errors.As(err, &cfgErr) {
			t.Errorf("profile name %q: expected *ConfigError, got %v", name, err)
		}
		_, _, err = store.WriteFragment("usr.sbin.nginx", name, "x\n", apparmor.ModeEnforce)
		if !errors.As(err, &cfgErr) {
			t.Errorf("contributor name %q: expected *ConfigError, got %v", name, err)
		}
	}
}

func TestListFragmentsOrder(t *testing.T) {
	store := testStore(t)
	for _, contributor := range []string{"zebra", "alpha", "midway"} {
		if _, _, err := store.WriteFragment("usr.sbin.nginx", contributor, "/tmp/** r,\n", apparmor.ModeEnforce); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	names, err := store.ListFragments("usr.sbin.nginx")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"alpha.fragment", "midway.fragment", "zebra.fragment"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("expected %v, got %v", want, names)
	}
}

func TestLoadFragmentsSurfacesParseError(t *testing.T) {
	store := testStore(t)
	if _, _, err := store.WriteFragment("usr.sbin.nginx", "good", "/tmp/** r,\n", apparmor.ModeEnforce); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, err := store.WriteFragment("usr.sbin.nginx", "broken", "/usr/sbin/nginx {\n/tmp/** r,\n", apparmor.ModeEnforce); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := store.LoadFragments("usr.sbin.nginx")
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected *ParseError, got %v", err)
	}
	if parseErr.Fragment != "broken.fragment" {
		t.Errorf("error names fragment %q, want broken.fragment", parseErr.Fragment)
	}
}

func TestPurgeStaging(t *testing.T) {
	store := testStore(t)
	if _, _, err := store.WriteFragment("usr.sbin.nginx", "webserver", "/tmp/** r,\n", apparmor.ModeEnforce); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.PurgeStaging("usr.sbin.nginx"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	profiles, err := store.ListProfiles()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(profiles) != 0 {
		t.Errorf("expected empty staging, got %v", profiles)
	}
}
