package config

import (
	"os"
	"strings"
)

// EnvSnapshot is an immutable view of the environment for one request.
// Request-scoped overrides layer over the process environment captured at
// snapshot time; handlers never mutate the process environment.
type EnvSnapshot struct {
	values map[string]string
}

// CaptureEnv snapshots the process environment plus per-request overrides.
// Overrides win over process values.
func CaptureEnv(overrides map[string]string) EnvSnapshot {
	values := make(map[string]string, len(overrides)+32)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			values[kv[:i]] = kv[i+1:]
		}
	}
	for k, v := range overrides {
		values[k] = v
	}
	return EnvSnapshot{values: values}
}

// Get returns the value for key, or empty when unset.
func (e EnvSnapshot) Get(key string) string {
	return e.values[key]
}

// GetDefault returns the value for key, or fallback when unset or empty.
func (e EnvSnapshot) GetDefault(key, fallback string) string {
	if v := e.values[key]; v != "" {
		return v
	}
	return fallback
}
