package metrics

import "testing"

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "static path",
			input:    "/api/projects",
			expected: "/api/projects",
		},
		{
			name:     "single param",
			input:    "/api/projects/{id}",
			expected: "/api/projects/{param}",
		},
		{
			name:     "multiple params",
			input:    "/api/videosplit/{id}/retry",
			expected: "/api/videosplit/{param}/retry",
		},
		{
			name:     "empty path",
			input:    "",
			expected: "",
		},
		{
			name:     "non-path input",
			input:    "api/projects/{id}",
			expected: "api/projects/{id}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normalizePath(tt.input)
			if got != tt.expected {
				t.Fatalf("normalizePath(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}
