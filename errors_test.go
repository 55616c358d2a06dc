package agora

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestErrorStrings(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{&ErrLLM{Provider: "zhipu", Message: "boom"}, "zhipu: boom"},
		{&ErrHTTP{Status: 418, Body: "teapot"}, "http 418: teapot"},
		{&ErrNotFound{Kind: "agent", ID: "a1"}, "agent a1: not found"},
		{&ErrAccessDenied{Op: "bash", Reason: "nope"}, "bash: access denied: nope"},
		{&ErrInvalid{Op: "store.create_group", Reason: "too few"}, "store.create_group: invalid: too few"},
	}
	for _, tc := range cases {
		if got := tc.err.Error(); got != tc.want {
			t.Errorf("got %q, want %q", got, tc.want)
		}
	}
}

func TestIsNotFound(t *testing.T) {
	base := &ErrNotFound{Kind: "group", ID: "g1"}
	if !IsNotFound(base) {
		t.Error("direct *ErrNotFound should match")
	}
	if !IsNotFound(fmt.Errorf("load group: %w", base)) {
		t.Error("wrapped *ErrNotFound should match")
	}
	if IsNotFound(errors.New("plain")) {
		t.Error("plain error should not match")
	}
	if IsNotFound(nil) {
		t.Error("nil should not match")
	}
}

func TestParseRetryAfter(t *testing.T) {
	cases := []struct {
		header string
		want   time.Duration
	}{
		{"", 0},
		{"5", 5 * time.Second},
		{" 30 ", 30 * time.Second},
		{"-3", 0},
		{"garbage", 0},
	}
	for _, tc := range cases {
		if got := ParseRetryAfter(tc.header); got != tc.want {
			t.Errorf("ParseRetryAfter(%q) = %v, want %v", tc.header, got, tc.want)
		}
	}

	// An HTTP date in the future yields roughly the remaining delay.
	future := time.Now().Add(90 * time.Second).UTC().Format(time.RFC1123)
	got := ParseRetryAfter(future)
	if got < 80*time.Second || got > 91*time.Second {
		t.Errorf("future HTTP date: got %v, want ~90s", got)
	}

	// A date in the past yields 0.
	past := time.Now().Add(-time.Hour).UTC().Format(time.RFC1123)
	if got := ParseRetryAfter(past); got != 0 {
		t.Errorf("past HTTP date: got %v, want 0", got)
	}
}

func TestClassifyLLMError(t *testing.T) {
	if got := ClassifyLLMError("p", nil); got != nil {
		t.Fatalf("nil error should classify to nil, got %v", got)
	}

	// Non-HTTP errors keep their message and never flag arrears.
	classified := ClassifyLLMError("zhipu", errors.New("dial tcp: refused"))
	var le *ErrLLM
	if !errors.As(classified, &le) {
		t.Fatalf("got %T, want *ErrLLM", classified)
	}
	if le.Provider != "zhipu" || le.Message != "dial tcp: refused" || le.Arrears {
		t.Errorf("got %+v, want provider zhipu, message preserved, no arrears", le)
	}

	cases := []struct {
		name    string
		err     *ErrHTTP
		arrears bool
	}{
		{"401 unauthorized", &ErrHTTP{Status: 401, Body: "x"}, true},
		{"402 payment", &ErrHTTP{Status: 402, Body: "x"}, true},
		{"403 forbidden", &ErrHTTP{Status: 403, Body: "x"}, true},
		{"429 plain", &ErrHTTP{Status: 429, Body: "slow down"}, false},
		{"500 quota marker", &ErrHTTP{Status: 500, Body: "Insufficient_Quota exceeded"}, true},
		{"400 balance marker", &ErrHTTP{Status: 400, Body: "insufficient balance for request"}, true},
		{"400 billing marker", &ErrHTTP{Status: 400, Body: "check your BILLING settings"}, true},
		{"400 api key marker", &ErrHTTP{Status: 400, Body: "invalid API key provided"}, true},
		{"400 clean body", &ErrHTTP{Status: 400, Body: "malformed request"}, false},
	}
	for _, tc := range cases {
		out := ClassifyLLMError("p", tc.err)
		var got *ErrLLM
		if !errors.As(out, &got) {
			t.Fatalf("%s: got %T, want *ErrLLM", tc.name, out)
		}
		if got.Arrears != tc.arrears {
			t.Errorf("%s: arrears = %v, want %v", tc.name, got.Arrears, tc.arrears)
		}
		if got.Message != tc.err.Error() {
			t.Errorf("%s: message = %q, want %q", tc.name, got.Message, tc.err.Error())
		}
	}
}
