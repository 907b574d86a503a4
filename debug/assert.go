package debug

import (
	"fmt"
	"os"
)

// DEBUG gates assertion checks and the verbose bytecode/stack trace
// logging in vm.go and compiler.go. It defaults from an env var so a
// release build pays nothing for either.
var DEBUG = os.Getenv("GECCO_DEBUG") != ""

func Assertf(b bool, format string, a ...any) {
	if DEBUG && !b {
		panic(fmt.Sprintf(format, a...))
	}
}

func AssertEq[T comparable](expected, got T) { Assertf(expected == got, "%v != %v", expected, got) }
