package util

import (
	"time"
)

// GetUnixTimeMs is the store's clock: record timestamps and lock-hold
// telemetry are all in milliseconds.
func GetUnixTimeMs() int64 {
	return time.Now().UnixMilli()
}
