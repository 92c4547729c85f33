package profile

import (
	"regexp"
	"strings"

	"github.com/schubergphilis/apparmorctl/internal/apparmor"
)

// Fragment is one contributor's parsed share of a profile. The wrapped-vs-
// raw classification happens exactly once, here; downstream code only ever
// sees the extracted lines.
type Fragment struct {
	// Name is the fragment filename within the profile's staging directory.
	Name string
	// Lines holds the trimmed rule and #include lines in source order.
	Lines []string
	// Wrapped records whether the fragment carried a full profile wrapper.
	Wrapped bool
	// Mode is the enforcement hint from the fragment's mode header, or ""
	// when the fragment leaves the mode to the profile default.
	Mode apparmor.Mode
	// Attachment is the executable path named by an explicit wrapper
	// header, or "".
	Attachment string
}

// wrapperRe matches a profile wrapper header: an optional "profile"
// keyword, a profile name or attachment path, an optional attachment
// token, optional flags, and the opening brace.
var wrapperRe = regexp.MustCompile(`^(?:profile\s+)?(\S+)(?:\s+(/\S+))?(?:\s+flags=\([^)]*\))?\s*\{$`)

// wrapperHeader reports whether line opens a profile wrapper and, if so,
// the attachment path it names.
func wrapperHeader(line string) (attachment string, ok bool) {
	m := wrapperRe.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	// a leading ^ means a child hat, not a top-level wrapper
	if strings.HasPrefix(m[1], "^") {
		return "", false
	}
	switch {
	case m[2] != "":
		return m[2], true
	case strings.HasPrefix(m[1], "/"):
		return m[1], true
	}
	return "", true
}

// droppable reports whether a trimmed line carries no rule content.
// #include directives are rules for our purposes and are kept.
func droppable(line string) bool {
	return line == "" || (strings.HasPrefix(line, "#") && !strings.HasPrefix(line, "#include"))
}

// ParseFragment classifies text as a wrapped profile or a raw rule list
// and extracts its rule lines. Blank lines and comments are dropped, every
// kept line is trimmed, and line order is preserved.
func ParseFragment(name, text string) (Fragment, error) {
	frag := Fragment{Name: name}
	lines := strings.Split(text, "\n")

	start := 0
	if len(lines) > 0 && strings.HasPrefix(lines[0], modeHeaderPrefix) {
		mode, err := apparmor.ParseMode(strings.TrimPrefix(lines[0], modeHeaderPrefix))
		if err != nil {
			return frag, &ParseError{Fragment: name, Line: 1, Msg: err.Error()}
		}
		frag.Mode = mode
		start = 1
	}

	// find the first content line deciding the classification; installed
	// profiles carry #include <tunables/global> above the declaration, so
	// leading #include lines do not decide and are kept
	first := -1
	header := -1
	var leading []string
	for i := start; i < len(lines); i++ {
		t := strings.TrimSpace(lines[i])
		if droppable(t) {
			continue
		}
		if first < 0 {
			first = i
		}
		if strings.HasPrefix(t, "#include") {
			leading = append(leading, t)
			continue
		}
		header = i
		break
	}
	if first < 0 {
		return frag, nil
	}

	attachment, wrapped := "", false
	if header >= 0 {
		attachment, wrapped = wrapperHeader(strings.TrimSpace(lines[header]))
	}
	if !wrapped {
		for i := first; i < len(lines); i++ {
			if t := strings.TrimSpace(lines[i]); !droppable(t) {
				frag.Lines = append(frag.Lines, t)
			}
		}
		return frag, nil
	}

	frag.Wrapped = true
	frag.Attachment = attachment
	frag.Lines = leading
	depth := 1
	closed := false
	for i := header + 1; i < len(lines); i++ {
		t := strings.TrimSpace(lines[i])
		if closed {
			if droppable(t) {
				continue
			}
			return frag, &ParseError{Fragment: name, Line: i + 1, Msg: "unexpected content after closing brace"}
		}
		if droppable(t) {
			continue
		}
		depth += strings.Count(t, "{") - strings.Count(t, "}")
		if depth <= 0 {
			// the line closing the outermost block is wrapper syntax,
			// not content
			closed = true
			continue
		}
		frag.Lines = append(frag.Lines, t)
	}
	if !closed {
		return frag, &ParseError{Fragment: name, Line: header + 1, Msg: "unterminated profile block: missing closing brace"}
	}
	return frag, nil
}
