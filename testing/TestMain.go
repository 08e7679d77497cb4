package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv("CAMPUSDESK_TEST_MODE", "1")
		if os.Getenv("IDENTITY_BACKEND") == "" {
			_ = os.Setenv("IDENTITY_BACKEND", "postgres")
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
