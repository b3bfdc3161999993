package main

import (
	"errors"
	"fmt"
	"os"
)

// version is set via ldflags during build
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// exitError ends the process with a status code after the command has
// already reported its outcome.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }
