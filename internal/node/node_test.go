package node

import (
	"encoding/json"
	"testing"
)

func TestJSONRoundTrip(t *testing.T) {
	n := New("foo", "10.0.0.1", 8000)
	raw, err := json.Marshal(n)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Node
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !back.Equal(n) {
		t.Fatalf("round trip changed node: %v vs %v", back, n)
	}
}

func TestEqualIsComponentWise(t *testing.T) {
	base := New("foo", "h", 1)
	cases := []struct {
		name  string
		other Node
		want  bool
	}{
		{"identical", New("foo", "h", 1), true},
		{"different id", New("bar", "h", 1), false},
		{"different host", New("foo", "g", 1), false},
		{"different port", New("foo", "h", 2), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := base.Equal(tc.other); got != tc.want {
				t.Fatalf("Equal(%v) = %v, want %v", tc.other, got, tc.want)
			}
		})
	}
}

func TestAddr(t *testing.T) {
	n := New("foo", "127.0.0.1", 8000)
	if n.Addr() != "127.0.0.1:8000" {
		t.Fatalf("addr = %q", n.Addr())
	}
}
