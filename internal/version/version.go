package version

import (
	"fmt"
	"io"
	"runtime"
)

// Set at build time with -ldflags "-X .../internal/version.Version=...".
var (
	Version = "dev"
	Commit  = "unknown"
)

func String() string {
	return fmt.Sprintf("%s (commit %s, %s)", Version, Commit, runtime.Version())
}

func Print(w io.Writer, binaryName string) {
	if w == nil {
		w = io.Discard
	}
	fmt.Fprintf(w, "%s %s\n", binaryName, String())
}
