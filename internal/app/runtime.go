package app

import (
	"os"
	"strconv"
	"sync"
)

// TestModeEnv names the variable that switches binaries into test mode.
const TestModeEnv = "BUILDTRACK_TEST_MODE"

var testMode = sync.OnceValue(func() bool {
	on, _ := strconv.ParseBool(os.Getenv(TestModeEnv))
	return on
})

// InTestMode reports whether binaries should skip connecting to Postgres,
// Redis and the job queue. The environment is read once per process.
func InTestMode() bool {
	return testMode()
}
