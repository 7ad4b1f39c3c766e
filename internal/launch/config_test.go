package launch

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestParseConfig_RecognisedFields(t *testing.T) {
	t.Parallel()

	config, err := ParseConfig(json.RawMessage(`{
		"type": "chrome",
		"request": "launch",
		"name": "Launch Chrome",
		"url": "http://localhost:3000",
		"headless": true,
		"sourceMapPathOverrides": {"webpack:///./*": "/wr/*"},
		"timeout": 5000
	}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if config.Type != "chrome" || config.URL != "http://localhost:3000" || !config.Headless {
		t.Errorf("fields not decoded: %+v", config)
	}
	if config.ConnectTimeout() != 5*time.Second {
		t.Errorf("expected 5s timeout, got %v", config.ConnectTimeout())
	}
	if config.SourceMapPathOverrides["webpack:///./*"] != "/wr/*" {
		t.Errorf("overrides not decoded: %v", config.SourceMapPathOverrides)
	}
}

func TestParseConfig_RejectsUnknownFields(t *testing.T) {
	t.Parallel()

	_, err := ParseConfig(json.RawMessage(`{"type": "chrome", "prgoram": "/x.js"}`))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
	if !strings.Contains(err.Error(), "prgoram") {
		t.Errorf("expected the offending key to be named, got %v", err)
	}
}

func TestParseConfig_ToleratesClientBookkeeping(t *testing.T) {
	t.Parallel()

	_, err := ParseConfig(json.RawMessage(`{
		"type": "node",
		"program": "/x.js",
		"__configurationTarget": 6,
		"__sessionId": "abc",
		"noDebug": false
	}`))
	if err != nil {
		t.Errorf("client-injected keys must be tolerated, got %v", err)
	}
}

func TestParseConfig_EmptyArguments(t *testing.T) {
	t.Parallel()

	if _, err := ParseConfig(nil); err == nil {
		t.Error("expected error for missing configuration")
	}
}

func TestConfig_IsNode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		config Config
		want   bool
	}{
		{"explicit node", Config{Type: "node"}, true},
		{"pwa-node", Config{Type: "pwa-node"}, true},
		{"chrome", Config{Type: "chrome"}, false},
		{"untyped with program", Config{Program: "/x.js"}, true},
		{"untyped with url", Config{URL: "http://x"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.config.IsNode(); got != tt.want {
				t.Errorf("IsNode() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConfig_EndpointDefaults(t *testing.T) {
	t.Parallel()

	var config Config
	if got := config.Endpoint(); got != "127.0.0.1:9222" {
		t.Errorf("expected default endpoint, got %q", got)
	}

	config = Config{Address: "10.0.0.5", Port: 9333}
	if got := config.Endpoint(); got != "10.0.0.5:9333" {
		t.Errorf("expected configured endpoint, got %q", got)
	}
}

func TestConfig_DefaultTimeout(t *testing.T) {
	t.Parallel()

	var config Config
	if got := config.ConnectTimeout(); got != DefaultConnectTimeout {
		t.Errorf("expected default timeout, got %v", got)
	}
}

func TestConfig_CloneIsDeep(t *testing.T) {
	t.Parallel()

	original := &Config{
		Type: "node",
		Args: []string{"--flag"},
		Env:  map[string]string{"A": "1"},
		SourceMapPathOverrides: map[string]string{
			"webpack:///*": "/x/*",
		},
	}

	clone := original.Clone()
	clone.Args[0] = "changed"
	clone.Env["A"] = "2"
	clone.SourceMapPathOverrides["webpack:///*"] = "/y/*"

	if original.Args[0] != "--flag" {
		t.Error("Args not deep-copied")
	}
	if original.Env["A"] != "1" {
		t.Error("Env not deep-copied")
	}
	if original.SourceMapPathOverrides["webpack:///*"] != "/x/*" {
		t.Error("SourceMapPathOverrides not deep-copied")
	}
}

func TestDiscoveryPipePath_Unique(t *testing.T) {
	t.Parallel()

	a := discoveryPipePath()
	b := discoveryPipePath()
	if a == b {
		t.Errorf("expected unique pipe paths, got %q twice", a)
	}
	if !strings.Contains(a, "node-cdp.") {
		t.Errorf("unexpected pipe name %q", a)
	}
}
