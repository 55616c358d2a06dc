package agora

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrLLM is a classified upstream model failure.
type ErrLLM struct {
	Provider string
	Message  string
	Arrears  bool // auth/billing: the account, not the request, is the problem
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP is a raw non-2xx response from a provider endpoint.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration // 0 when the header was absent
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ParseRetryAfter interprets a Retry-After header value: delay seconds or an
// HTTP date. Absent or unparsable values yield 0.
func ParseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// ErrNotFound reports a missing or soft-deleted row.
type ErrNotFound struct {
	Kind string // "agent", "group", "message", "model_profile", "task_run", "skill"
	ID   string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s %s: not found", e.Kind, e.ID)
}

// IsNotFound reports whether err is an *ErrNotFound, unwrapping as needed.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}

// ErrAccessDenied reports a rejected operation (workspace mismatch,
// restricted tool, path escape).
type ErrAccessDenied struct {
	Op     string
	Reason string
}

func (e *ErrAccessDenied) Error() string {
	return fmt.Sprintf("%s: access denied: %s", e.Op, e.Reason)
}

// ErrInvalid reports a structurally invalid request (bad ids, too few
// members, malformed arguments). Dispatch surfaces it to the model as an
// ok=false outcome instead of failing the drain.
type ErrInvalid struct {
	Op     string
	Reason string
}

func (e *ErrInvalid) Error() string {
	return fmt.Sprintf("%s: invalid: %s", e.Op, e.Reason)
}

// arrearsMarkers are body substrings that indicate an account-level
// auth/billing failure rather than a bad request.
var arrearsMarkers = []string{
	"insufficient_quota",
	"insufficient balance",
	"billing",
	"payment required",
	"account is in arrears",
	"api key",
	"unauthorized",
}

// ClassifyLLMError folds an HTTP failure into an *ErrLLM, flagging arrears
// for auth/billing statuses and payment-keyword bodies.
func ClassifyLLMError(provider string, err error) error {
	if err == nil {
		return nil
	}
	var he *ErrHTTP
	if !errors.As(err, &he) {
		return &ErrLLM{Provider: provider, Message: err.Error()}
	}
	arrears := he.Status == 401 || he.Status == 402 || he.Status == 403
	if !arrears {
		lower := strings.ToLower(he.Body)
		for _, m := range arrearsMarkers {
			if strings.Contains(lower, m) {
				arrears = true
				break
			}
		}
	}
	return &ErrLLM{Provider: provider, Message: he.Error(), Arrears: arrears}
}
