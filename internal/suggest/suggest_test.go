package suggest

import (
	"slices"
	"testing"
)

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"", "abc", 3},
		{"kitten", "sitting", 3},
		{"server_url", "server_url", 0},
		{"sever_url", "server_url", 1},
	}
	for _, tt := range tests {
		if got := levenshtein(tt.a, tt.b); got != tt.want {
			t.Errorf("levenshtein(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestSimilar(t *testing.T) {
	keys := []string{"server_url", "worker_id", "device_id", "sync_interval"}

	tests := []struct {
		name    string
		unknown string
		want    []string
	}{
		{"typo", "sever_url", []string{"server_url"}},
		{"dash for underscore", "worker-id", []string{"worker_id"}},
		{"case", "DEVICE_ID", []string{"device_id"}},
		{"substring", "interval", []string{"sync_interval"}},
		{"nothing close", "colour_scheme", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Similar(tt.unknown, keys)
			if !slices.Equal(got, tt.want) {
				t.Errorf("Similar(%q) = %v, want %v", tt.unknown, got, tt.want)
			}
		})
	}
}

func TestSimilarLimitsAndOrders(t *testing.T) {
	got := Similar("good", []string{"poor", "goods", "god", "good!", "food"})
	if len(got) != 3 {
		t.Fatalf("got %v, want three matches", got)
	}
	if got[0] != "goods" {
		t.Errorf("best match = %q, want goods", got[0])
	}
}

func TestHint(t *testing.T) {
	if h := Hint("pasd", []string{"pass", "fail"}); h != "did you mean pass?" {
		t.Errorf("Hint = %q", h)
	}
	if h := Hint("xyzzy", []string{"pass", "fail"}); h != "" {
		t.Errorf("Hint = %q, want empty", h)
	}
}
