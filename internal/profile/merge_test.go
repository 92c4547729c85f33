package profile

import (
	"strings"
	"testing"

	"github.com/schubergphilis/apparmorctl/internal/apparmor"
)

func mustParse(t *testing.T, name, text string) Fragment {
	t.Helper()
	frag, err := ParseFragment(name, text)
	if err != nil {
		t.Fatalf("parse %s: %v", name, err)
	}
	return frag
}

// The canonical two-contributor scenario: one raw fragment, one wrapped
// fragment sharing a rule. The duplicate collapses to its first-seen
// position and the include is hoisted above the rules.
func TestMergeTwoContributors(t *testing.T) {
	frags := []Fragment{
		mustParse(t, "roleA.fragment", "/var/www/html/** r,\n/var/log/nginx/** w,\n"),
		mustParse(t, "roleB.fragment", "/usr/sbin/nginx {\n  #include <abstractions/base>\n  /var/log/nginx/** w,\n}\n"),
	}
	doc := Merge("usr.sbin.nginx", frags, Defaults{Mode: apparmor.ModeEnforce})
	want := `# Managed by apparmorctl. Do not edit; contribute fragments instead.
#include <tunables/global>

profile usr.sbin.nginx /usr/sbin/nginx {
  #include <abstractions/base>

  /var/www/html/** r,
  /var/log/nginx/** w,
}
`
	if doc.Text != want {
		t.Errorf("merged document mismatch:\ngot:\n%s\nwant:\n%s", doc.Text, want)
	}
	if strings.Count(doc.Text, "/var/log/nginx/** w,") != 1 {
		t.Error("duplicate rule not deduplicated")
	}
}

func TestMergeDeterministic(t *testing.T) {
	frags := []Fragment{
		mustParse(t, "a.fragment", "# Mode: complain\n/a r,\n/b w,\n"),
		mustParse(t, "b.fragment", "/b w,\n#include <abstractions/base>\n/c rw,\n"),
	}
	first := Merge("usr.bin.demo", frags, Defaults{Mode: apparmor.ModeEnforce})
	for i := 0; i < 5; i++ {
		if got := Merge("usr.bin.demo", frags, Defaults{Mode: apparmor.ModeEnforce}); got.Text != first.Text {
			t.Fatal("merge output is not deterministic")
		}
	}
}

// A wrapped fragment and a raw fragment carrying the same rules must merge
// to the same rule set.
func TestMergeWrapperRawEquivalence(t *testing.T) {
	raw := mustParse(t, "x.fragment", "#include <abstractions/base>\n/var/log/app/** w,\n")
	wrapped := mustParse(t, "x.fragment", "profile usr.bin.app {\n  #include <abstractions/base>\n  /var/log/app/** w,\n}\n")
	defaults := Defaults{Mode: apparmor.ModeEnforce}
	if a, b := Merge("usr.bin.app", []Fragment{raw}, defaults), Merge("usr.bin.app", []Fragment{wrapped}, defaults); a.Text != b.Text {
		t.Errorf("wrapper and raw renditions diverge:\n%s\nvs:\n%s", a.Text, b.Text)
	}
}

// Two child hats both close with a bare "}"; those brace lines are block
// syntax, not rules, and must survive deduplication so the document stays
// balanced.
func TestMergeNestedBlocksStayBalanced(t *testing.T) {
	frags := []Fragment{
		mustParse(t, "a.fragment", "/usr/sbin/nginx {\n  /tmp/** rw,\n  ^worker {\n    /dev/null rw,\n  }\n  ^cache {\n    /var/cache/nginx/** rw,\n  }\n}\n"),
	}
	doc := Merge("usr.sbin.nginx", frags, Defaults{Mode: apparmor.ModeEnforce})
	if opens, closes := strings.Count(doc.Text, "{"), strings.Count(doc.Text, "}"); opens != closes {
		t.Errorf("unbalanced braces (%d opening, %d closing):\n%s", opens, closes, doc.Text)
	}
	for _, hat := range []string{"^worker {", "^cache {"} {
		if !strings.Contains(doc.Text, hat) {
			t.Errorf("missing nested block %q:\n%s", hat, doc.Text)
		}
	}
}

// A fragment that duplicates a rule already seen inside a nested block must
// not have the nested copy removed; dedup applies to top-level rules only.
func TestMergeNestedRulesNotDeduplicated(t *testing.T) {
	frags := []Fragment{
		mustParse(t, "a.fragment", "/dev/null rw,\n"),
		mustParse(t, "b.fragment", "/usr/sbin/nginx {\n  ^worker {\n    /dev/null rw,\n  }\n}\n"),
	}
	doc := Merge("usr.sbin.nginx", frags, Defaults{Mode: apparmor.ModeEnforce})
	if got := strings.Count(doc.Text, "/dev/null rw,"); got != 2 {
		t.Errorf("expected the rule at top level and inside the block, found %d occurrences:\n%s", got, doc.Text)
	}
}

// A wrapped fragment that carries its own #include <tunables/global> above
// the declaration must not leak the declaration into the rule body.
func TestMergeFullProfileFragment(t *testing.T) {
	frags := []Fragment{
		mustParse(t, "a.fragment", "#include <tunables/global>\n/usr/sbin/nginx {\n  /var/log/nginx/** w,\n}\n"),
	}
	doc := Merge("usr.sbin.nginx", frags, Defaults{Mode: apparmor.ModeEnforce})
	if got := strings.Count(doc.Text, "profile "); got != 1 {
		t.Errorf("expected a single profile declaration, found %d:\n%s", got, doc.Text)
	}
	if got := strings.Count(doc.Text, "#include <tunables/global>"); got != 1 {
		t.Errorf("expected the tunables include once, found %d:\n%s", got, doc.Text)
	}
	if !strings.Contains(doc.Text, "  /var/log/nginx/** w,\n") {
		t.Errorf("rule body missing:\n%s", doc.Text)
	}
}

func TestMergeModeResolution(t *testing.T) {
	tests := []struct {
		name  string
		hints []apparmor.Mode
		def   apparmor.Mode
		want  apparmor.Mode
	}{
		{"no hints fall back to default", []apparmor.Mode{"", ""}, apparmor.ModeComplain, apparmor.ModeComplain},
		{"most restrictive hint wins", []apparmor.Mode{apparmor.ModeComplain, apparmor.ModeEnforce}, apparmor.ModeEnforce, apparmor.ModeEnforce},
		{"audit outranks enforce", []apparmor.Mode{apparmor.ModeEnforce, apparmor.ModeAudit}, apparmor.ModeEnforce, apparmor.ModeAudit},
		{"hints override a stricter default", []apparmor.Mode{apparmor.ModeComplain, apparmor.ModeDisable}, apparmor.ModeEnforce, apparmor.ModeComplain},
		{"no hints no default means enforce", []apparmor.Mode{""}, "", apparmor.ModeEnforce},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var frags []Fragment
			for i, hint := range tt.hints {
				frags = append(frags, Fragment{
					Name:  string(rune('a'+i)) + ".fragment",
					Lines: []string{"/tmp/** r,"},
					Mode:  hint,
				})
			}
			doc := Merge("usr.bin.demo", frags, Defaults{Mode: tt.def})
			if doc.Mode != tt.want {
				t.Errorf("expected mode %q, got %q", tt.want, doc.Mode)
			}
		})
	}
}

func TestMergeModeFlags(t *testing.T) {
	frags := []Fragment{{Name: "a.fragment", Lines: []string{"/tmp/** r,"}, Mode: apparmor.ModeComplain}}
	doc := Merge("usr.bin.demo", frags, Defaults{})
	if !strings.Contains(doc.Text, "flags=(complain)") {
		t.Errorf("complain mode not reflected in declaration:\n%s", doc.Text)
	}

	frags[0].Mode = apparmor.ModeEnforce
	doc = Merge("usr.bin.demo", frags, Defaults{})
	if strings.Contains(doc.Text, "flags=") {
		t.Errorf("enforce mode must not emit flags:\n%s", doc.Text)
	}
}

func TestMergeAttachment(t *testing.T) {
	rules := []string{"/tmp/** r,"}

	// explicit wrapper attachment wins over the guess
	doc := Merge("usr.sbin.nginx", []Fragment{{Name: "a.fragment", Lines: rules, Attachment: "/opt/nginx/sbin/nginx"}}, Defaults{})
	if !strings.Contains(doc.Text, "profile usr.sbin.nginx /opt/nginx/sbin/nginx {") {
		t.Errorf("fragment attachment not used:\n%s", doc.Text)
	}

	// configured attachment beats the fragment's
	doc = Merge("usr.sbin.nginx", []Fragment{{Name: "a.fragment", Lines: rules, Attachment: "/opt/nginx/sbin/nginx"}}, Defaults{Attachment: "/usr/local/sbin/nginx"})
	if !strings.Contains(doc.Text, "profile usr.sbin.nginx /usr/local/sbin/nginx {") {
		t.Errorf("configured attachment not used:\n%s", doc.Text)
	}

	// dotted names guess their attachment, undotted names get none
	doc = Merge("usr.sbin.nginx", []Fragment{{Name: "a.fragment", Lines: rules}}, Defaults{})
	if !strings.Contains(doc.Text, "profile usr.sbin.nginx /usr/sbin/nginx {") {
		t.Errorf("attachment guess missing:\n%s", doc.Text)
	}
	doc = Merge("myservice", []Fragment{{Name: "a.fragment", Lines: rules}}, Defaults{})
	if !strings.Contains(doc.Text, "profile myservice {") {
		t.Errorf("undotted name must not guess an attachment:\n%s", doc.Text)
	}
}

func TestMergeEmpty(t *testing.T) {
	if doc := Merge("usr.bin.demo", nil, Defaults{}); doc != nil {
		t.Errorf("expected nil document for no fragments, got %+v", doc)
	}
}
