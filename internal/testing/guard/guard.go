// Package guard forces test mode when imported for side effects, so the proxy
// connector falls back to the deterministic mock.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("EREPORT_TEST_MODE") == "" {
			_ = os.Setenv("EREPORT_TEST_MODE", "1")
		}
	})
}
