package profile

import "fmt"

// ConfigError reports invalid operation inputs: bad profile or contributor
// names, unknown modes, or an impossible fragment source combination.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string {
	return e.Msg
}

// NewConfigError builds a ConfigError from a format string.
func NewConfigError(format string, args ...any) *ConfigError {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// ParseError reports a malformed fragment. It carries enough context to
// locate the offending fragment without inspecting merge internals.
type ParseError struct {
	Fragment string
	Line     int
	Msg      string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("fragment %s: line %d: %s", e.Fragment, e.Line, e.Msg)
	}
	return fmt.Sprintf("fragment %s: %s", e.Fragment, e.Msg)
}
