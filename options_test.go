// options_test.go
package gatekit

import (
	"errors"
	"testing"
)

func TestLoadSettings_Defaults(t *testing.T) {
	s, err := loadSettings("pk_test", nil)
	if err != nil {
		t.Fatalf("loadSettings() error = %v, want nil", err)
	}
	if s.baseURL != defaultBaseURL {
		t.Errorf("baseURL = %q, want %q", s.baseURL, defaultBaseURL)
	}
	if s.databaseURL != defaultDatabaseURL {
		t.Errorf("databaseURL = %q, want %q", s.databaseURL, defaultDatabaseURL)
	}
	if s.logger == nil {
		t.Errorf("logger = nil, want default production logger")
	}
}

func TestLoadSettings_APIKeyRequired(t *testing.T) {
	_, err := loadSettings("", nil)
	if err == nil {
		t.Fatalf("loadSettings() error = nil, want missing api key failure")
	}
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("loadSettings() error = %v, want ErrNotConfigured", err)
	}
}

func TestLoadSettings_EnvironmentKey(t *testing.T) {
	t.Setenv("GATEKIT_API_KEY", "pk_from_env")

	s, err := loadSettings("", nil)
	if err != nil {
		t.Fatalf("loadSettings() error = %v, want nil", err)
	}
	if s.apiKey != "pk_from_env" {
		t.Errorf("apiKey = %q, want pk_from_env", s.apiKey)
	}
}

func TestLoadSettings_OptionsWinOverEnvironment(t *testing.T) {
	t.Setenv("GATEKIT_BASE_URL", "https://env.example")

	s, err := loadSettings("pk_test", []Option{WithBaseURL("https://opt.example")})
	if err != nil {
		t.Fatalf("loadSettings() error = %v, want nil", err)
	}
	if s.baseURL != "https://opt.example" {
		t.Errorf("baseURL = %q, want option value over environment", s.baseURL)
	}
}
