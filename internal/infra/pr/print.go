// Package pr provides pretty-printing helpers for debug-level struct dumps.
// It wraps kr/pretty so the processor and other services can log readable
// snapshots of decoded Telegram entities without hand-rolling %#v formatting.
package pr

import (
	"fmt"
	"io"
	"os"

	"github.com/kr/pretty"
)

// PP pretty-prints v to stdout. Useful for ad-hoc debugging; avoid on hot paths.
func PP(v any) {
	fmt.Fprintf(os.Stdout, "%# v\n", pretty.Formatter(v))
}

// Pf returns the pretty-printed representation of v, for embedding in log fields.
func Pf(v any) string {
	return fmt.Sprintf("%# v", pretty.Formatter(v))
}

// Fprint writes the pretty-printed representation of v to w.
func Fprint(w io.Writer, v any) {
	fmt.Fprintf(w, "%# v\n", pretty.Formatter(v))
}
