// Package testutilsext is purely for test utilities that may access other packages
// in the codebase that tend to use testutils.
package testutilsext

import (
	"fmt"
	"os"
	"testing"

	"go.viam.com/callsignal"
)

// VerifyTestMain preforms various runtime checks on code that tests run.
func VerifyTestMain(m *testing.M) {
	callsignal.Debug = true
	exitCode := m.Run()
	if exitCode != 0 {
		os.Exit(exitCode)
	}
	if err := callsignal.FindGoroutineLeaks(); err != nil {
		fmt.Fprintf(os.Stderr, "%v", err)
		os.Exit(1)
	}
}
