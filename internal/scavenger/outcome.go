package scavenger

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bardlex/scavenger/pkg/circuit"
	"github.com/bardlex/scavenger/pkg/errors"
)

// Outcome is the classification of one remote call.
type Outcome int

const (
	// Success is an explicit 2xx with a well-formed body.
	Success Outcome = iota
	// AlreadyDone is an idempotent conflict (already registered, submitted or
	// assigned). Callers treat it as success.
	AlreadyDone
	// PermanentFailure is never retried: rejected signature, unknown address,
	// any other client error.
	PermanentFailure
	// TransientFailure may succeed later: no response, timeout, throttling,
	// server errors, undecodable bodies, open circuit.
	TransientFailure
)

// String returns the outcome label used in logs, metrics and events.
func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case AlreadyDone:
		return "already_done"
	case PermanentFailure:
		return "permanent_failure"
	case TransientFailure:
		return "transient_failure"
	default:
		return "unknown"
	}
}

// Result is the tagged result every remote-call wrapper returns.
type Result struct {
	Outcome    Outcome
	StatusCode int // 0 when no response was received
	Reason     string
	Body       []byte
}

// OK reports success or idempotent success.
func (r *Result) OK() bool {
	return r.Outcome == Success || r.Outcome == AlreadyDone
}

// Retryable reports whether a later attempt may change the outcome.
func (r *Result) Retryable() bool {
	return r.Outcome == TransientFailure
}

// Err converts a failed result into a protocol ServiceError. It returns nil
// for OK results.
func (r *Result) Err(operation string) error {
	if r.OK() {
		return nil
	}
	return errors.New(errors.ErrorTypeProtocol, operation, r.Reason).
		WithRetryable(r.Retryable()).
		WithContext("status_code", r.StatusCode).
		WithContext("outcome", r.Outcome.String())
}

// already-done phrases seen in 4xx messages
var alreadyPhrases = []string{
	"already registered",
	"already assigned",
	"already submitted",
	"already exists",
	"already been",
	"duplicate",
}

// errorBody is the remote error envelope.
type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func remoteMessage(body []byte) string {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil {
		if eb.Message != "" {
			return eb.Message
		}
		if eb.Error != "" {
			return eb.Error
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// Classify maps a transport error or HTTP response to exactly one Outcome.
// A 2xx is Success here; callers that must decode the body downgrade it to
// TransientFailure when decoding fails.
func Classify(statusCode int, body []byte, transportErr error) *Result {
	if transportErr != nil {
		reason := "no response: " + transportErr.Error()
		switch {
		case circuit.IsOpenError(transportErr):
			reason = "circuit open"
		case stderrors.Is(transportErr, context.DeadlineExceeded):
			reason = "request timed out"
		}
		return &Result{Outcome: TransientFailure, Reason: reason}
	}

	msg := remoteMessage(body)
	res := &Result{StatusCode: statusCode, Body: body}

	switch {
	case statusCode >= 200 && statusCode < 300:
		res.Outcome = Success
		res.Reason = "ok"
	case statusCode == http.StatusConflict:
		res.Outcome = AlreadyDone
		res.Reason = withMessage("conflict", msg)
	case statusCode == http.StatusRequestTimeout,
		statusCode == http.StatusTooEarly,
		statusCode == http.StatusTooManyRequests:
		res.Outcome = TransientFailure
		res.Reason = withMessage(fmt.Sprintf("throttled (%d)", statusCode), msg)
	case statusCode >= 400 && statusCode < 500 && isAlreadyMessage(msg):
		res.Outcome = AlreadyDone
		res.Reason = msg
	case statusCode == http.StatusBadRequest:
		res.Outcome = PermanentFailure
		res.Reason = withMessage("rejected", msg)
	case statusCode == http.StatusNotFound:
		res.Outcome = PermanentFailure
		res.Reason = withMessage("address not registered", msg)
	case statusCode >= 400 && statusCode < 500:
		res.Outcome = PermanentFailure
		res.Reason = withMessage(fmt.Sprintf("client error (%d)", statusCode), msg)
	case statusCode >= 500:
		// A malformed body with a 5xx is still transient.
		res.Outcome = TransientFailure
		res.Reason = withMessage(fmt.Sprintf("server error (%d)", statusCode), msg)
	default:
		res.Outcome = TransientFailure
		res.Reason = fmt.Sprintf("unexpected status %d", statusCode)
	}
	return res
}

// malformed downgrades a 2xx whose body could not be decoded.
func malformed(res *Result, err error) *Result {
	return &Result{
		Outcome:    TransientFailure,
		StatusCode: res.StatusCode,
		Reason:     "malformed response: " + err.Error(),
		Body:       res.Body,
	}
}

func isAlreadyMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, p := range alreadyPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func withMessage(prefix, msg string) string {
	if msg == "" {
		return prefix
	}
	return prefix + ": " + msg
}
