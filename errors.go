package bpfmatch

import "fmt"

// CompileError is returned when libpcap rejects a filter expression.
type CompileError struct {
	// Expr is the rejected expression.
	Expr string
	// Msg is libpcap's diagnostic, verbatim.
	Msg string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compiling filter %q: %s", e.Expr, e.Msg)
}
