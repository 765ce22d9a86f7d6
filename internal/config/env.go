// Package config binds the scheduler and backend CLI flags, reading
// environment-variable defaults before registering flag.* bindings so
// callers can override either at deploy time, in the teacher's style.
package config

import "os"

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}
