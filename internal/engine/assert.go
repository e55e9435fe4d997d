package engine

import (
	"fmt"
	"os"
)

// debugChecks gates the programmer-invariant assertions the original
// reserved for HAVE_ASSERT builds. Off by default; set LBTK_DEBUG_ASSERT
// to anything non-empty to turn them on for development.
var debugChecks = os.Getenv("LBTK_DEBUG_ASSERT") != ""

func assertf(cond bool, format string, args ...interface{}) {
	if debugChecks && !cond {
		panic(fmt.Sprintf(format, args...))
	}
}
