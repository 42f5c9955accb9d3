// Package edaterr centralises the handling of unrecoverable internal
// errors: invariant violations that would corrupt runtime state if
// execution continued.
package edaterr

import (
	"fmt"

	"go.uber.org/zap"
)

// Fatalf logs the formatted message through the global zap logger and
// panics. It is reserved for protocol and invariant violations; user-level
// misuse is reported through ordinary error returns.
func Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	zap.L().Error(msg)
	panic("edat: " + msg)
}
