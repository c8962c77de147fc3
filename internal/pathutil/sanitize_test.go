package pathutil

import (
	"path/filepath"
	"testing"
)

func TestClean(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    string
		shouldError bool
	}{
		{
			name:     "empty path",
			input:    "",
			expected: "/",
		},
		{
			name:     "simple path",
			input:    "artifact~g~a~1.0.lock",
			expected: "/artifact~g~a~1.0.lock",
		},
		{
			name:     "nested path",
			input:    ".locks/artifact.lock",
			expected: "/.locks/artifact.lock",
		},
		{
			name:        "absolute path escape",
			input:       "/etc/passwd",
			shouldError: true,
		},
		{
			name:        "directory traversal",
			input:       "../../../etc/passwd",
			shouldError: true,
		},
		{
			name:        "mixed traversal",
			input:       "dir/../../../etc/passwd",
			shouldError: true,
		},
		{
			name:     "safe relative navigation",
			input:    "dir/../file.lock",
			expected: "/file.lock",
		},
		{
			name:     "multiple slashes",
			input:    "dir//file.lock",
			expected: "/dir/file.lock",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Clean(tt.input)

			if tt.shouldError {
				if err != ErrForbidden {
					t.Errorf("expected ErrForbidden for %q, got %v", tt.input, err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error for input %q: %v", tt.input, err)
			}
			if result != tt.expected {
				t.Errorf("for input %q, expected %q, got %q", tt.input, tt.expected, result)
			}
		})
	}
}

func TestSafeJoin(t *testing.T) {
	root := t.TempDir()

	joined, err := SafeJoin(root, ".locks/artifact~g~a~1.0.lock")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if expected := filepath.Join(root, ".locks", "artifact~g~a~1.0.lock"); joined != expected {
		t.Errorf("expected %q, got %q", expected, joined)
	}

	if _, err := SafeJoin(root, "../outside.lock"); err != ErrForbidden {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
}

func TestValidateSegment(t *testing.T) {
	valid := []string{"org.example", "lib", "1.0-SNAPSHOT"}
	for _, s := range valid {
		if err := ValidateSegment(s); err != nil {
			t.Errorf("expected %q to be valid, got %v", s, err)
		}
	}

	invalid := []string{"", "..", "a/b", "a\\b", "a\x00b"}
	for _, s := range invalid {
		if err := ValidateSegment(s); err == nil {
			t.Errorf("expected %q to be rejected", s)
		}
	}
}
