package agora

import (
	"math"
	"testing"
)

func TestTokenize(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"Hello, World!", []string{"hello", "world"}},
		{"  spaced   out  ", []string{"spaced", "out"}},
		{"a+b=c", []string{"a", "b", "c"}},
		{"", nil},
		{"!!!", nil},
		// NFKC folds full-width forms onto their ASCII equivalents.
		{"ＨＥＬＬＯ　ｗｏｒｌｄ", []string{"hello", "world"}},
	}
	for _, tc := range cases {
		got := tokenize(tc.in)
		if len(got) != len(tc.want) {
			t.Errorf("tokenize(%q) = %v, want %v", tc.in, got, tc.want)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("tokenize(%q)[%d] = %q, want %q", tc.in, i, got[i], tc.want[i])
			}
		}
	}
}

func TestJaccard(t *testing.T) {
	cases := []struct {
		name string
		a, b []string
		want float64
	}{
		{"both empty", nil, nil, 1},
		{"one empty", []string{"x"}, nil, 0},
		{"identical", []string{"a", "b"}, []string{"a", "b"}, 1},
		{"disjoint", []string{"a"}, []string{"b"}, 0},
		{"half overlap", []string{"a", "b"}, []string{"b", "c"}, 1.0 / 3.0},
		{"duplicates collapse", []string{"a", "a", "b"}, []string{"a", "b", "b"}, 1},
	}
	for _, tc := range cases {
		if got := jaccard(tc.a, tc.b); math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func msgsOf(contents ...string) []Message {
	out := make([]Message, len(contents))
	for i, c := range contents {
		out[i] = Message{Content: c}
	}
	return out
}

func TestRepeatedRatio(t *testing.T) {
	if got := repeatedRatio(nil, 0.9); got != 0 {
		t.Errorf("no messages: got %v, want 0", got)
	}
	if got := repeatedRatio(msgsOf("only one"), 0.9); got != 0 {
		t.Errorf("single message: got %v, want 0", got)
	}

	// Three identical messages: both adjacent pairs repeat.
	if got := repeatedRatio(msgsOf("same thing", "same thing", "same thing"), 0.9); got != 1 {
		t.Errorf("all identical: got %v, want 1", got)
	}

	// Fully distinct content never repeats.
	if got := repeatedRatio(msgsOf("alpha one", "beta two", "gamma three"), 0.9); got != 0 {
		t.Errorf("all distinct: got %v, want 0", got)
	}

	// One repeat out of two adjacent pairs.
	got := repeatedRatio(msgsOf("alpha one", "alpha one", "beta two"), 0.9)
	if math.Abs(got-0.5) > 1e-9 {
		t.Errorf("half repeated: got %v, want 0.5", got)
	}

	// Zero threshold falls back to the default rather than matching everything
	// with any shared token.
	loose := repeatedRatio(msgsOf("alpha shared", "beta shared"), 0)
	if loose != 0 {
		t.Errorf("defaulted threshold should not count weak overlap, got %v", loose)
	}
}

func TestRepeatedRatioWindow(t *testing.T) {
	// Ten distinct messages followed by none repeating inside the trailing
	// window: the early content must not leak into the measurement.
	var msgs []Message
	for _, c := range []string{
		"looped text", "looped text", "looped text", "looped text",
	} {
		msgs = append(msgs, Message{Content: c})
	}
	for i := 0; i < repeatWindow; i++ {
		msgs = append(msgs, Message{Content: string(rune('a'+i)) + " unique words here"})
	}
	if got := repeatedRatio(msgs, 0.9); got != 0 {
		t.Errorf("repeats outside window counted: got %v, want 0", got)
	}
}
