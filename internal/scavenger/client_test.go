package scavenger

import (
	"context"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bardlex/scavenger/internal/model"
	"github.com/bardlex/scavenger/pkg/errors"
)

const challengeBody = `{
  "code": "active",
  "challenge": {
    "challenge_id": "**D07C10",
    "challenge_number": 10,
    "day": 7,
    "issued_at": "2025-10-19T08:00:00.000Z",
    "latest_submission": "2025-10-19T08:59:59.000Z",
    "difficulty": "000FFFFF",
    "no_pre_mine": "fd651ac2725e3b9d804cc8df3ea8e3dd",
    "no_pre_mine_hour": "509681483"
  },
  "mining_period_ends": "2025-11-20T00:00:00.000Z"
}`

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, Timeout: 2 * time.Second})
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		err     error
		outcome Outcome
		reason  string
	}{
		{"ok", 200, `{}`, nil, Success, "ok"},
		{"created", 201, ``, nil, Success, "ok"},
		{"conflict", 409, `{"message":"Rights already assigned"}`, nil, AlreadyDone, "conflict: Rights already assigned"},
		{"already registered in 400", 400, `{"message":"Address already registered"}`, nil, AlreadyDone, "Address already registered"},
		{"already submitted in 400", 400, `{"message":"Solution already submitted"}`, nil, AlreadyDone, "Solution already submitted"},
		{"bad signature", 400, `{"message":"Invalid signature"}`, nil, PermanentFailure, "rejected: Invalid signature"},
		{"not registered", 404, `{"message":"Address not found"}`, nil, PermanentFailure, "address not registered: Address not found"},
		{"forbidden", 403, ``, nil, PermanentFailure, "client error (403)"},
		{"request timeout", 408, ``, nil, TransientFailure, "throttled (408)"},
		{"throttled", 429, `{"error":"slow down"}`, nil, TransientFailure, "throttled (429): slow down"},
		{"server error", 500, `{"message":"boom"}`, nil, TransientFailure, "server error (500): boom"},
		{"malformed 5xx", 502, `<html>bad gateway</html>`, nil, TransientFailure, "server error (502): <html>bad gateway</html>"},
		{"transport", 0, ``, stderrors.New("connection refused"), TransientFailure, "no response: connection refused"},
		{"deadline", 0, ``, context.DeadlineExceeded, TransientFailure, "request timed out"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Classify(tt.status, []byte(tt.body), tt.err)
			if res.Outcome != tt.outcome {
				t.Errorf("Expected outcome %s, got %s", tt.outcome, res.Outcome)
			}
			if res.Reason != tt.reason {
				t.Errorf("Expected reason %q, got %q", tt.reason, res.Reason)
			}
		})
	}
}

func TestResult_Err(t *testing.T) {
	if (&Result{Outcome: AlreadyDone}).Err("register") != nil {
		t.Error("Expected no error for idempotent success")
	}

	permanent := (&Result{Outcome: PermanentFailure, StatusCode: 400, Reason: "rejected"}).Err("settle")
	if !errors.IsType(permanent, errors.ErrorTypeProtocol) || errors.IsRetryable(permanent) {
		t.Errorf("Expected non-retryable protocol error, got %v", permanent)
	}

	transient := (&Result{Outcome: TransientFailure, Reason: "server error (503)"}).Err("settle")
	if !errors.IsRetryable(transient) {
		t.Error("Expected transient error to be retryable")
	}
	if errors.GetContext(transient)["outcome"] != "transient_failure" {
		t.Errorf("Expected outcome context, got %v", errors.GetContext(transient))
	}
}

func TestClient_GetChallenge(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/challenge" {
			t.Errorf("Unexpected request %s %s", r.Method, r.URL.Path)
		}
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(challengeBody))
	})

	ch, err := client.GetChallenge(context.Background())
	if err != nil {
		t.Fatalf("GetChallenge() error = %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("Expected one retry after 503, got %d calls", calls.Load())
	}
	if ch.ChallengeID != "**D07C10" || ch.Difficulty != "000FFFFF" || ch.Day != 7 {
		t.Errorf("Unexpected challenge %+v", ch)
	}
	if ch.LatestSubmission != "2025-10-19T08:59:59.000Z" {
		t.Errorf("Expected latest_submission kept verbatim, got %s", ch.LatestSubmission)
	}
	if ch.MiningPeriodEnds.IsZero() || ch.IssuedAt.IsZero() {
		t.Error("Expected timestamps to be parsed")
	}
}

func TestClient_GetChallenge_NotActive(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"before","starts_at":"2025-10-30T00:00:00Z"}`))
	})

	_, err := client.GetChallenge(context.Background())
	if !stderrors.Is(err, ErrNoActiveChallenge) {
		t.Errorf("Expected ErrNoActiveChallenge, got %v", err)
	}
}

func TestClient_GetChallenge_Malformed(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Replace(challengeBody, "000FFFFF", "XYZ", 1)))
	})

	_, err := client.GetChallenge(context.Background())
	if !errors.IsType(err, errors.ErrorTypeValidation) {
		t.Errorf("Expected validation error for bad difficulty, got %v", err)
	}
}

func TestClient_GetTerms(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/TandC" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"version":"1-0","content":"...","message":"I agree to abide by the terms"}`))
	})

	terms, err := client.GetTerms(context.Background())
	if err != nil {
		t.Fatalf("GetTerms() error = %v", err)
	}
	if terms.Message != "I agree to abide by the terms" {
		t.Errorf("Unexpected message %q", terms.Message)
	}
}

func TestClient_Register(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		outcome Outcome
	}{
		{"registered", http.StatusCreated, `{"registrationReceipt":{}}`, Success},
		{"conflict", http.StatusConflict, ``, AlreadyDone},
		{"already registered message", http.StatusBadRequest, `{"message":"Address already registered"}`, AlreadyDone},
		{"bad signature", http.StatusBadRequest, `{"message":"Invalid signature"}`, PermanentFailure},
		{"server down", http.StatusBadGateway, ``, TransientFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotPath string
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					t.Errorf("Expected POST, got %s", r.Method)
				}
				gotPath = r.URL.Path
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			res := client.Register(context.Background(), "addr1abc", "84a2ff", "deadbeef")
			if res.Outcome != tt.outcome {
				t.Errorf("Expected %s, got %s (%s)", tt.outcome, res.Outcome, res.Reason)
			}
			if gotPath != "/register/addr1abc/84a2ff/deadbeef" {
				t.Errorf("Unexpected path %s", gotPath)
			}
		})
	}
}

func TestClient_SubmitSolution(t *testing.T) {
	t.Run("receipt", func(t *testing.T) {
		var gotPath string
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			_, _ = w.Write([]byte(`{"crypto_receipt":{"preimage":"abc","signature":"ff"}}`))
		})

		res := client.SubmitSolution(context.Background(), "addr1abc", "**D07C10", "ce10c84ef2d07520")
		if res.Outcome != Success {
			t.Fatalf("Expected success, got %s (%s)", res.Outcome, res.Reason)
		}
		if res.Receipt != `{"preimage":"abc","signature":"ff"}` {
			t.Errorf("Unexpected receipt %s", res.Receipt)
		}
		if gotPath != "/solution/addr1abc/**D07C10/ce10c84ef2d07520" {
			t.Errorf("Unexpected path %s", gotPath)
		}
	})

	t.Run("2xx without receipt is transient", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
		res := client.SubmitSolution(context.Background(), "addr1abc", "**D07C10", "ce10c84ef2d07520")
		if res.Outcome != TransientFailure {
			t.Errorf("Expected transient, got %s", res.Outcome)
		}
	})

	t.Run("already submitted", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"message":"Solution already exists"}`))
		})
		res := client.SubmitSolution(context.Background(), "addr1abc", "**D07C10", "ce10c84ef2d07520")
		if res.Outcome != AlreadyDone || res.Receipt != "" {
			t.Errorf("Expected already done without receipt, got %s", res.Outcome)
		}
	})
}

func TestClient_Settle(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		body         string
		outcome      Outcome
		consolidated int
	}{
		{"success", 200, `{"status":"success","solutions_consolidated":3}`, Success, 3},
		{"malformed 2xx", 200, `not json`, TransientFailure, 0},
		{"2xx without status", 200, `{"solutions_consolidated":1}`, Success, 1},
		{"2xx reporting failure", 200, `{"status":"error","solutions_consolidated":0}`, TransientFailure, 0},
		{"2xx reporting pending", 202, `{"status":"pending"}`, TransientFailure, 0},
		{"already assigned", 409, `{"message":"already assigned"}`, AlreadyDone, 0},
		{"rejected", 400, `{"message":"Invalid signature"}`, PermanentFailure, 0},
		{"unknown address", 404, `{"message":"Original address not registered"}`, PermanentFailure, 0},
		{"unavailable", 503, ``, TransientFailure, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotPath string
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				gotPath = r.URL.Path
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			res := client.Settle(context.Background(), "addr1pay", "addr1orig", "84a2")
			if res.Outcome != tt.outcome {
				t.Errorf("Expected %s, got %s (%s)", tt.outcome, res.Outcome, res.Reason)
			}
			if res.Outcome != Success && res.Receipt != "" {
				t.Errorf("Expected no receipt for %s, got %q", res.Outcome, res.Receipt)
			}
			if res.SolutionsConsolidated != tt.consolidated {
				t.Errorf("Expected %d consolidated, got %d", tt.consolidated, res.SolutionsConsolidated)
			}
			if gotPath != "/donate_to/addr1pay/addr1orig/84a2" {
				t.Errorf("Unexpected path %s", gotPath)
			}
		})
	}
}

func TestClient_GetRates(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/work_to_star_rate" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`[1.5, 2.25, 0]`))
	})

	rates, err := client.GetRates(context.Background())
	if err != nil {
		t.Fatalf("GetRates() error = %v", err)
	}
	if len(rates) != 3 || rates[1] != 1.5 || rates[2] != 2.25 {
		t.Errorf("Unexpected rates %v", rates)
	}
}

func TestClient_TransportErrorAndCircuit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	client := New(Config{BaseURL: url, Timeout: time.Second})
	for range 5 {
		res := client.Settle(context.Background(), "addr1pay", "addr1orig", "84a2")
		if res.Outcome != TransientFailure || res.StatusCode != 0 {
			t.Fatalf("Expected transient without status, got %s/%d", res.Outcome, res.StatusCode)
		}
	}

	res := client.Settle(context.Background(), "addr1pay", "addr1orig", "84a2")
	if res.Reason != "circuit open" {
		t.Errorf("Expected open circuit after repeated failures, got %q", res.Reason)
	}
}

func TestClient_PermanentFailuresDoNotTripCircuit(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})
	for range 10 {
		_ = client.Settle(context.Background(), "addr1pay", "addr1orig", "84a2")
	}
	if client.Breaker().GetStats().Failures != 0 {
		t.Errorf("Expected rejected calls not to count as failures, got %d", client.Breaker().GetStats().Failures)
	}
}

type fakeChallengeCache struct {
	mu     sync.Mutex
	stored *model.Challenge
	sets   int
}

func (f *fakeChallengeCache) GetCurrentChallenge(context.Context) (*model.Challenge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stored, nil
}

func (f *fakeChallengeCache) SetCurrentChallenge(_ context.Context, ch *model.Challenge, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored = ch
	f.sets++
	return nil
}

type countingSource struct {
	calls int
	ch    *model.Challenge
}

func (c *countingSource) GetChallenge(context.Context) (*model.Challenge, error) {
	c.calls++
	return c.ch, nil
}

func TestCachedChallenges(t *testing.T) {
	source := &countingSource{ch: &model.Challenge{ChallengeID: "**D07C10"}}
	cache := &fakeChallengeCache{}
	cached := NewCachedChallenges(source, cache, time.Minute, nil)

	for range 3 {
		ch, err := cached.GetChallenge(context.Background())
		if err != nil || ch.ChallengeID != "**D07C10" {
			t.Fatalf("Unexpected result %v, %v", ch, err)
		}
	}
	if source.calls != 1 || cache.sets != 1 {
		t.Errorf("Expected one remote fetch and one cache write, got %d/%d", source.calls, cache.sets)
	}

	uncached := NewCachedChallenges(source, nil, time.Minute, nil)
	_, _ = uncached.GetChallenge(context.Background())
	if source.calls != 2 {
		t.Errorf("Expected nil cache to always hit the source, got %d calls", source.calls)
	}
}
