package profile

import (
	"strings"

	"github.com/schubergphilis/apparmorctl/internal/apparmor"
)

// Document is a merged profile ready for installation. It is derived
// state: rebuilding it from the same fragments yields the same bytes.
type Document struct {
	Profile    string
	Mode       apparmor.Mode
	Attachment string
	Text       string
}

// Defaults supplies merge inputs that fragments may omit.
type Defaults struct {
	Mode       apparmor.Mode
	Attachment string
}

const (
	documentHeader  = "# Managed by apparmorctl. Do not edit; contribute fragments instead."
	tunablesInclude = "#include <tunables/global>"
)

// Merge combines parsed fragments into a single profile document.
//
// Rules keep their first-seen position across fragments in filename
// order; duplicates collapse to the first occurrence. #include directives
// are collected separately and placed above the rule body. When fragments
// hint at different modes the most restrictive one wins. The result is
// byte-for-byte deterministic for a given fragment list.
//
// Merge returns nil when frags is empty: nothing staged means nothing to
// install.
func Merge(name string, frags []Fragment, def Defaults) *Document {
	if len(frags) == 0 {
		return nil
	}

	var includes, rules []string
	// the document preamble always carries the tunables include; fragments
	// shipping their own copy must not repeat it
	seen := map[string]bool{tunablesInclude: true}
	attachment := def.Attachment
	var mode apparmor.Mode
	for _, frag := range frags {
		if attachment == "" && frag.Attachment != "" {
			attachment = frag.Attachment
		}
		if frag.Mode != "" {
			if mode == "" {
				mode = frag.Mode
			} else {
				mode = apparmor.MostRestrictive(mode, frag.Mode)
			}
		}
		depth := 0
		for _, line := range frag.Lines {
			// block syntax passes through untouched: deduplicating a
			// nested block's brace lines or its contents would leave the
			// document unbalanced
			opensBlock := strings.HasSuffix(line, "{")
			closesBlock := strings.HasPrefix(line, "}")
			if depth > 0 || opensBlock || closesBlock {
				rules = append(rules, line)
				if opensBlock {
					depth++
				}
				if closesBlock && depth > 0 {
					depth--
				}
				continue
			}
			if seen[line] {
				continue
			}
			seen[line] = true
			if strings.HasPrefix(line, "#include") {
				includes = append(includes, line)
			} else {
				rules = append(rules, line)
			}
		}
	}
	if mode == "" {
		mode = def.Mode
	}
	if mode == "" {
		mode = apparmor.ModeEnforce
	}
	if attachment == "" {
		attachment = GuessAttachment(name)
	}

	var b strings.Builder
	b.WriteString(documentHeader + "\n")
	b.WriteString(tunablesInclude + "\n\n")
	b.WriteString("profile " + name)
	if attachment != "" {
		b.WriteString(" " + attachment)
	}
	if flags := mode.Flags(); flags != "" {
		b.WriteString(" flags=(" + flags + ")")
	}
	b.WriteString(" {\n")
	for _, inc := range includes {
		b.WriteString("  " + inc + "\n")
	}
	if len(includes) > 0 && len(rules) > 0 {
		b.WriteString("\n")
	}
	for _, rule := range rules {
		b.WriteString("  " + rule + "\n")
	}
	b.WriteString("}\n")

	return &Document{
		Profile:    name,
		Mode:       mode,
		Attachment: attachment,
		Text:       b.String(),
	}
}

// GuessAttachment derives an attachment path from a dotted profile name
// per the /etc/apparmor.d naming convention: usr.sbin.nginx attaches to
// /usr/sbin/nginx. Names without dots yield no attachment; the profile
// then only applies where referenced by name.
func GuessAttachment(name string) string {
	if !strings.Contains(name, ".") {
		return ""
	}
	return "/" + strings.ReplaceAll(name, ".", "/")
}
