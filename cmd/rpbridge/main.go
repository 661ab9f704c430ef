// rpbridge runs `go test -json` and reports the run as a launch to a
// ReportPortal compatible service.
//
// Usage:
//
//	rpbridge --reportportal [flags] [packages] [-- go test flags]
package main

import (
	"errors"
	"log/slog"
	"os"
)

// exitError carries the exit code of the test process.
type exitError struct {
	code int
}

func (e exitError) Error() string {
	return "tests failed"
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exit exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}

		slog.Error(err.Error())
		os.Exit(1)
	}
}
