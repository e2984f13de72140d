package config

import (
	"errors"
	"fmt"
	"strings"
)

// Error is a configuration problem. It is fatal at startup: the process
// exits before the control loop starts.
type Error struct {
	Path     string
	Problems []string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("invalid config")
	if e.Path != "" {
		fmt.Fprintf(&b, " %s", e.Path)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	switch len(e.Problems) {
	case 0:
	case 1:
		fmt.Fprintf(&b, ": %s", e.Problems[0])
	default:
		fmt.Fprintf(&b, ": %d problems:", len(e.Problems))
		for _, p := range e.Problems {
			b.WriteString("\n  - ")
			b.WriteString(p)
		}
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// IsConfigError reports whether err is (or wraps) a configuration error.
func IsConfigError(err error) bool {
	var e *Error
	return errors.As(err, &e)
}

// problems collects validation failures.
type problems []string

func (p *problems) add(format string, args ...any) {
	*p = append(*p, fmt.Sprintf(format, args...))
}

func (p *problems) addErr(err error) {
	if err != nil {
		*p = append(*p, err.Error())
	}
}
