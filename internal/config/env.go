package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// lookup parses key with parse, falling back to def when the variable is
// unset or fails to parse.
func lookup[T any](key string, def T, parse func(string) (T, error)) T {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := parse(raw)
	if err != nil {
		return def
	}
	return v
}

// GetEnv returns the variable's value, or def when unset.
func GetEnv(key, def string) string {
	return lookup(key, def, func(s string) (string, error) { return s, nil })
}

func GetIntEnv(key string, def int) int {
	return lookup(key, def, strconv.Atoi)
}

func GetInt64Env(key string, def int64) int64 {
	return lookup(key, def, func(s string) (int64, error) { return strconv.ParseInt(s, 10, 64) })
}

func GetFloatEnv(key string, def float64) float64 {
	return lookup(key, def, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
}

func GetDurationEnv(key string, def time.Duration) time.Duration {
	return lookup(key, def, time.ParseDuration)
}

// GetListEnv splits a comma-separated variable. Blank items are dropped and
// an all-blank value yields def.
func GetListEnv(key string, def []string) []string {
	var items []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	if len(items) == 0 {
		return def
	}
	return items
}

// GetSecretFile returns the trimmed contents of a mounted secret file, or ""
// when path is empty or unreadable.
func GetSecretFile(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
