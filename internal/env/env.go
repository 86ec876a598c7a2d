// Package env reads typed client settings from environment variables.
// Unset, empty or unparsable values fall back to the caller's default.
package env

import (
	"os"
	"strconv"
	"time"
)

// Str returns the value of the environment variable key, or fallback if unset/empty.
func Str(key, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

// Int returns key parsed as a base-10 integer, or fallback.
func Int(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}

// Duration accepts Go duration strings ("150ms") and bare integers,
// which are read as milliseconds.
func Duration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	ms, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

// Bool returns key parsed by strconv.ParseBool, or fallback.
func Bool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return b
}
