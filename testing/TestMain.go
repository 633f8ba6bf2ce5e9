// Package testing is imported for side effects by package tests that touch
// app wiring, so no test ever dials real infrastructure.
package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv("BUILDTRACK_TEST_MODE", "1")
		setDefault("LOG_FORMAT", "text")
		setDefault("LOG_LEVEL", "warn")
	})
}

func setDefault(key, value string) {
	if _, ok := os.LookupEnv(key); !ok {
		_ = os.Setenv(key, value)
	}
}

func init() {
	ensureTestMode()
}

// TestMain runs m with test mode forced on.
func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}
