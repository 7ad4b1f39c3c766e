package sources

import (
	"context"
	"encoding/base64"
	"testing"
)

func TestDecodeDataURL(t *testing.T) {
	t.Parallel()

	payload := `{"version":3}`
	encoded := base64.StdEncoding.EncodeToString([]byte(payload))

	tests := []struct {
		name    string
		url     string
		want    string
		wantErr bool
	}{
		{
			name: "base64",
			url:  "data:application/json;base64," + encoded,
			want: payload,
		},
		{
			name: "percent-encoded",
			url:  "data:application/json,%7B%22version%22%3A3%7D",
			want: payload,
		},
		{
			name:    "no comma",
			url:     "data:application/json;base64",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := decodeDataURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && string(got) != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestJoinSourceRoot(t *testing.T) {
	t.Parallel()

	tests := []struct {
		root string
		src  string
		want string
	}{
		{"", "a.ts", "a.ts"},
		{"src", "a.ts", "src/a.ts"},
		{"src/", "a.ts", "src/a.ts"},
		{"src", "/abs/a.ts", "/abs/a.ts"},
		{"src", "http://x/a.ts", "http://x/a.ts"},
	}
	for _, tt := range tests {
		if got := joinSourceRoot(tt.root, tt.src); got != tt.want {
			t.Errorf("joinSourceRoot(%q, %q) = %q, want %q", tt.root, tt.src, got, tt.want)
		}
	}
}

func TestResolveSourceURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		base string
		src  string
		want string
	}{
		{"http://example.com/js/app.js.map", "a.ts", "http://example.com/js/a.ts"},
		{"http://example.com/js/app.js.map", "../src/a.ts", "http://example.com/src/a.ts"},
		{"http://example.com/js/app.js.map", "http://other/a.ts", "http://other/a.ts"},
		// Resolving an already-resolved URL is a no-op.
		{"http://example.com/js/app.js.map", "http://example.com/js/a.ts", "http://example.com/js/a.ts"},
	}
	for _, tt := range tests {
		if got := resolveSourceURL(tt.base, tt.src); got != tt.want {
			t.Errorf("resolveSourceURL(%q, %q) = %q, want %q", tt.base, tt.src, got, tt.want)
		}
	}
}

func TestParseSourceMap_CollectsSectionSources(t *testing.T) {
	t.Parallel()

	data := []byte(`{
		"version": 3,
		"sections": [
			{"offset": {"line": 0, "column": 0},
			 "map": {"version": 3, "sources": ["a.ts"], "names": [], "mappings": "AAAA"}},
			{"offset": {"line": 100, "column": 0},
			 "map": {"version": 3, "sources": ["b.ts"], "sourceRoot": "lib", "names": [], "mappings": "AAAA"}}
		]
	}`)

	parsed, err := parseSourceMap("http://example.com/bundle.js.map", data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(parsed.sources) != 2 {
		t.Fatalf("expected 2 sources across sections, got %d", len(parsed.sources))
	}
	if parsed.sources[0].url != "a.ts" {
		t.Errorf("first source: got %q", parsed.sources[0].url)
	}
	if parsed.sources[1].url != "lib/b.ts" {
		t.Errorf("second source should carry its section's sourceRoot, got %q", parsed.sources[1].url)
	}
}

func TestFetchMapData_DataURL(t *testing.T) {
	t.Parallel()

	payload := `{"version":3,"sources":[],"names":[],"mappings":""}`
	url := "data:application/json;base64," + base64.StdEncoding.EncodeToString([]byte(payload))

	got, err := fetchMapData(context.Background(), url)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != payload {
		t.Errorf("got %q", got)
	}
}
