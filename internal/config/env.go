// Package config provides functions for reading config settings from ENV
// and the resolved run configuration for the AuditBridge pipeline.
package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// GetEnvStr returns a string environment variable value or a default if not set.
//
// Example:
//
//	s := GetEnvStr("SQL_HOST", "localhost")
func GetEnvStr(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return defaultValue
}

// GetEnvInt returns an int environment variable value or a default if not set
// or not parseable as an integer.
//
// Example:
//
//	i := GetEnvInt("BATCH_SIZE", 50)
func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}

	return defaultValue
}

// GetEnvBool returns a bool environment variable value or a default if not set.
// Accepts: "true", "1", "yes" as true; "false", "0", "no" as false (case-insensitive).
//
// Example:
//
//	b := GetEnvBool("DRYRUN", false)
func GetEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}

	return defaultValue
}

// GetEnvDuration returns the environment variable value or a default if not set.
//
// Example:
//
//	d := GetEnvDuration("HTTP_TIMEOUT", 30*time.Second)
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}

	return defaultValue
}

// GetEnvTime parses an environment variable as a UTC instant.
//
// Accepted formats:
//   - RFC3339 ("2024-08-01T10:00:00Z")
//   - date-only ("2024-08-01"); when endOfDay is true the instant is pushed
//     to 23:59:59.999999999 of that day, otherwise midnight.
//
// Returns (zero, false) when the variable is unset or unparseable.
func GetEnvTime(key string, endOfDay bool) (time.Time, bool) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return time.Time{}, false
	}

	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), true
	}

	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}, false
	}

	t = t.UTC()
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}

	return t, true
}

// GetEnvLogLevel returns the environment variable value or a default if not set.
//
// Example:
//
//	l := GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo)
func GetEnvLogLevel(key string, defaultValue slog.Level) slog.Level {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "debug":
			return slog.LevelDebug
		case "info":
			return slog.LevelInfo
		case "warn", "warning":
			return slog.LevelWarn
		case "error":
			return slog.LevelError
		}
	}

	return defaultValue
}

// GetEnvStringMap parses an environment variable holding a JSON object of
// string keys to string values. Unset, empty, or malformed values return a
// copy of the defaults so callers can mutate the result safely.
//
// Example:
//
//	m := GetEnvStringMap("RULESET_MAP_JSON", map[string]string{"PV": "v2"})
func GetEnvStringMap(key string, defaults map[string]string) map[string]string {
	result := make(map[string]string, len(defaults))
	for k, v := range defaults {
		result[k] = v
	}

	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return result
	}

	var parsed map[string]string
	if err := json.Unmarshal([]byte(value), &parsed); err != nil {
		return result
	}

	for k, v := range parsed {
		result[k] = v
	}

	return result
}
