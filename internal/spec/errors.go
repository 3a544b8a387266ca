package spec

import (
	"fmt"
	"strings"
)

// SchemaError reports a structurally invalid specification. It is fatal: no
// task is executed when loading fails with a SchemaError.
type SchemaError struct {
	Path     string
	Problems []string
}

func (e *SchemaError) Error() string {
	src := e.Path
	if src == "" {
		src = "specification"
	}
	if len(e.Problems) == 1 {
		return fmt.Sprintf("invalid %s: %s", src, e.Problems[0])
	}
	return fmt.Sprintf("invalid %s: %d problems: %s", src, len(e.Problems), strings.Join(e.Problems, "; "))
}

func (e *SchemaError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

func (e *SchemaError) orNil() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}
