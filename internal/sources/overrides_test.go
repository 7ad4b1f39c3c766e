package sources

import "testing"

func TestOverrides_Apply(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		overrides map[string]string
		input     string
		want      string
	}{
		{
			name:      "webpack wildcard",
			overrides: map[string]string{"webpack:///./*": "/wr/*"},
			input:     "webpack:///./a/b.js",
			want:      "/wr/a/b.js",
		},
		{
			name:      "webpack wildcard short",
			overrides: map[string]string{"webpack:///./*": "/wr/*"},
			input:     "webpack:///./x",
			want:      "/wr/x",
		},
		{
			name:      "no match passes through",
			overrides: map[string]string{"webpack:///./*": "/wr/*"},
			input:     "other://x",
			want:      "other://x",
		},
		{
			name:      "literal key preserves suffix",
			overrides: map[string]string{"/src": "/out"},
			input:     "/src/deep/file.js",
			want:      "/out/deep/file.js",
		},
		{
			name:      "literal key matches itself",
			overrides: map[string]string{"/src": "/out"},
			input:     "/src",
			want:      "/out",
		},
		{
			name: "longest key wins",
			overrides: map[string]string{
				"webpack:///*":         "/generic/*",
				"webpack:///./src/*":   "/specific/*",
				"webpack:///./src/a/*": "/deepest/*",
			},
			input: "webpack:///./src/a/file.js",
			want:  "/deepest/file.js",
		},
		{
			name:      "non-capturing wildcard",
			overrides: map[string]string{"?:*/node_modules/*": "/nm/*"},
			input:     "/home/user/project/node_modules/lib/index.js",
			want:      "/nm/lib/index.js",
		},
		{
			name:      "backslashes normalised in result",
			overrides: map[string]string{"webpack:///*": "C:\\work\\*"},
			input:     "webpack:///src/app.js",
			want:      "C:/work/src/app.js",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			overrides, err := CompileOverrides(tt.overrides)
			if err != nil {
				t.Fatalf("compile failed: %v", err)
			}
			if got := overrides.Apply(tt.input); got != tt.want {
				t.Errorf("Apply(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestOverrides_Deterministic(t *testing.T) {
	t.Parallel()

	config := map[string]string{
		"webpack:///./*": "/a/*",
		"webpack:///*":   "/b/*",
		"meteor:///*":    "/c/*",
	}

	first, err := CompileOverrides(config)
	if err != nil {
		t.Fatal(err)
	}
	second, err := CompileOverrides(config)
	if err != nil {
		t.Fatal(err)
	}

	inputs := []string{
		"webpack:///./x.js",
		"webpack:///y.js",
		"meteor:///z.js",
		"unmatched",
	}
	for _, input := range inputs {
		if a, b := first.Apply(input), second.Apply(input); a != b {
			t.Errorf("non-deterministic result for %q: %q vs %q", input, a, b)
		}
	}
}

func TestOverrides_Idempotent(t *testing.T) {
	t.Parallel()

	overrides, err := CompileOverrides(map[string]string{"webpack:///./*": "/wr/*"})
	if err != nil {
		t.Fatal(err)
	}

	once := overrides.Apply("webpack:///./a.js")
	twice := overrides.Apply(once)
	if once != twice {
		t.Errorf("expected idempotent application once the result no longer matches: %q vs %q", once, twice)
	}
}

func TestOverrides_RejectsMultipleCaptures(t *testing.T) {
	t.Parallel()

	if _, err := CompileOverrides(map[string]string{"a/*/b/*": "/x/*"}); err == nil {
		t.Error("expected error for key with two capturing asterisks")
	}
}

func TestOverrides_RejectsExcessValueAsterisks(t *testing.T) {
	t.Parallel()

	if _, err := CompileOverrides(map[string]string{"a/*": "/x/*/*"}); err == nil {
		t.Error("expected error for value with more asterisks than captures")
	}
}
