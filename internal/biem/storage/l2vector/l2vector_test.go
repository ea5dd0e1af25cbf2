package l2vector

import "testing"

func TestEncodeDecodeVectorRoundTrip(t *testing.T) {
	in := []float32{0.1, -0.5, 3.25, 0.0}
	out := decodeVector(encodeVector(in))
	if len(out) != len(in) {
		t.Fatalf("length mismatch: got %d want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("mismatch at %d: got %v want %v", i, out[i], in[i])
		}
	}
}

func TestBuildFilterExprRangeOperators(t *testing.T) {
	s := &Store{cfg: DefaultConfig()}
	min := 0.5
	expr := s.buildFilterExpr(map[string]Filter{"energy": {GTE: &min}}, "")
	want := "@energy:[0.5 +inf]"
	if expr != want {
		t.Fatalf("got %q want %q", expr, want)
	}
}

func TestBuildFilterExprUserScoping(t *testing.T) {
	s := &Store{cfg: DefaultConfig()}
	expr := s.buildFilterExpr(nil, "alice")
	want := "@user_id:{alice}"
	if expr != want {
		t.Fatalf("got %q want %q", expr, want)
	}
}

func TestBuildFilterExprEmptyIsWildcard(t *testing.T) {
	s := &Store{cfg: DefaultConfig()}
	if got := s.buildFilterExpr(nil, ""); got != "*" {
		t.Fatalf("expected wildcard, got %q", got)
	}
}

func TestParseSearchResultsEmpty(t *testing.T) {
	out, err := parseSearchResults([]interface{}{int64(0)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected no results, got %d", len(out))
	}
}

func TestParseSearchResultsParsesFields(t *testing.T) {
	raw := []interface{}{
		int64(1),
		"biem:memory:abc",
		[]interface{}{"content", "hello", "score", "0.25", "energy", "0.8", "tier", "L2", "user_id", "alice"},
	}
	out, err := parseSearchResults(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 result, got %d", len(out))
	}
	if out[0].Node.ID != "abc" {
		t.Fatalf("expected trimmed id 'abc', got %q", out[0].Node.ID)
	}
	if out[0].Node.Content != "hello" {
		t.Fatalf("expected content 'hello', got %q", out[0].Node.Content)
	}
	// raw "score" is a COSINE-metric KNN distance (0.25); the parsed
	// Score is the converted similarity, 1 - distance/2.
	if out[0].Score != 0.875 {
		t.Fatalf("expected score 0.875, got %v", out[0].Score)
	}
}
