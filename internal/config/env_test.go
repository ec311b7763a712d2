package config

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func TestScalarEnv(t *testing.T) {
	tests := []struct {
		name  string
		value string // empty leaves the variable unset
		check func(key string) bool
	}{
		{"string unset", "", func(k string) bool { return GetEnv(k, "default") == "default" }},
		{"string set", "custom", func(k string) bool { return GetEnv(k, "default") == "custom" }},
		{"int set", "123", func(k string) bool { return GetIntEnv(k, 42) == 123 }},
		{"int invalid", "not-a-number", func(k string) bool { return GetIntEnv(k, 42) == 42 }},
		{"int64 set", "536870912", func(k string) bool { return GetInt64Env(k, 1) == 536870912 }},
		{"int64 invalid", "lots", func(k string) bool { return GetInt64Env(k, 7) == 7 }},
		{"float set", "2.5", func(k string) bool { return GetFloatEnv(k, 0) == 2.5 }},
		{"float unset", "", func(k string) bool { return GetFloatEnv(k, 1.5) == 1.5 }},
		{"duration seconds", "30s", func(k string) bool { return GetDurationEnv(k, time.Second) == 30*time.Second }},
		{"duration millis", "100ms", func(k string) bool { return GetDurationEnv(k, time.Second) == 100*time.Millisecond }},
		{"duration invalid", "soon", func(k string) bool { return GetDurationEnv(k, 5*time.Second) == 5*time.Second }},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := "ACCESSD_TEST_SCALAR_" + string(rune('A'+i))
			if tt.value != "" {
				t.Setenv(key, tt.value)
			}
			if !tt.check(key) {
				t.Errorf("unexpected result for %s=%q", key, tt.value)
			}
		})
	}
}

func TestGetListEnv(t *testing.T) {
	def := []string{"csv"}

	tests := []struct {
		name  string
		value string
		want  []string
	}{
		{"unset", "", def},
		{"trimmed", " csv, png ,,tsv", []string{"csv", "png", "tsv"}},
		{"blank", " , ", def},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("ACCESSD_TEST_LIST", tt.value)
			if got := GetListEnv("ACCESSD_TEST_LIST", def); !slices.Equal(got, tt.want) {
				t.Errorf("GetListEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetSecretFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret")
	if err := os.WriteFile(path, []byte("my-secret-value\n"), 0o600); err != nil {
		t.Fatalf("write secret: %v", err)
	}

	tests := []struct {
		name string
		path string
		want string
	}{
		{"empty path", "", ""},
		{"missing file", filepath.Join(t.TempDir(), "absent"), ""},
		{"trimmed contents", path, "my-secret-value"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetSecretFile(tt.path); got != tt.want {
				t.Errorf("GetSecretFile(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}
