package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv("EREPORT_TEST_MODE", "1")
		if os.Getenv("SCHEMA_MODE") == "" {
			_ = os.Setenv("SCHEMA_MODE", "auto")
		}
	})
}

func init() {
	ensureTestMode()
}

func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}
