package app

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// TestModeEnv switches the process to test mode: cmd mains exit early and
// the proxy connector answers with a deterministic mock.
const TestModeEnv = "EREPORT_TEST_MODE"

var (
	testMode     atomic.Bool
	testModeOnce sync.Once
)

// parseTestMode accepts the strconv boolean spellings plus "yes"/"on".
func parseTestMode(raw string) bool {
	raw = strings.ToLower(strings.TrimSpace(raw))
	switch raw {
	case "yes", "on":
		return true
	}
	enabled, err := strconv.ParseBool(raw)
	return err == nil && enabled
}

// InTestMode reports whether EREPORT_TEST_MODE is set. The variable is read
// once; call RefreshTestMode after changing it.
func InTestMode() bool {
	testModeOnce.Do(RefreshTestMode)
	return testMode.Load()
}

// RefreshTestMode re-reads EREPORT_TEST_MODE.
func RefreshTestMode() {
	testMode.Store(parseTestMode(os.Getenv(TestModeEnv)))
}
