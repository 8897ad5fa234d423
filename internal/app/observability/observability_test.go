package observability

import "testing"

func TestNormalizedPath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{path: "/api/v1/attempts/123/answers/9", want: "/api/v1/attempts/{id}/answers/{id}"},
		{path: "/api/v1/exams/7/grades/export", want: "/api/v1/exams/{id}/grades/export"},
		{path: "/api/v1/matrices/12/validate", want: "/api/v1/matrices/{id}/validate"},
		{path: "/api/v1/exams", want: "/api/v1/exams"},
		{path: "", want: "/"},
	}
	for _, tc := range tests {
		if got := normalizedPath(tc.path); got != tc.want {
			t.Fatalf("normalizedPath(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestExtractAttemptID(t *testing.T) {
	if id := extractAttemptID("/api/v1/attempts/456/submit"); id != 456 {
		t.Fatalf("expected 456, got %d", id)
	}
	if id := extractAttemptID("/api/v1/attempts/456/result"); id != 456 {
		t.Fatalf("expected 456, got %d", id)
	}
	if id := extractAttemptID("/api/v1/exams/1/statistics"); id != 0 {
		t.Fatalf("expected 0 for non-attempt path, got %d", id)
	}
}
