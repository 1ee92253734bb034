package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

var once sync.Once

// testEnv is applied only where the variable is unset, so CI can still point
// tests elsewhere.
var testEnv = map[string]string{
	"ODYSSEY_TEST_MODE": "1",
	"PAYROLL_CALC_URL":  "http://127.0.0.1:0",
	"LOG_LEVEL":         "error",
}

func ensureTestMode() {
	once.Do(func() {
		for key, value := range testEnv {
			if os.Getenv(key) == "" {
				_ = os.Setenv(key, value)
			}
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
