// Package scavenger is the HTTP client for the remote mining protocol:
// challenge, terms, registration, solution submission, settlement and the
// rate table. Every state-changing call returns a classified Result.
package scavenger

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/bardlex/scavenger/internal/model"
	"github.com/bardlex/scavenger/pkg/circuit"
	"github.com/bardlex/scavenger/pkg/errors"
	"github.com/bardlex/scavenger/pkg/log"
	"github.com/bardlex/scavenger/pkg/retry"
)

const maxBodyBytes = 1 << 20

// Config configures a Client.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	RateLimit  float64 // requests per second
	RateBurst  int
	UserAgent  string
	HTTPClient *http.Client
	Logger     *log.Logger
}

// Client talks to the remote protocol. Safe for concurrent use.
type Client struct {
	baseURL        string
	userAgent      string
	httpClient     *http.Client
	limiter        *rate.Limiter
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
	logger         *log.Logger
}

// New creates a client with a token-bucket limiter and a circuit breaker that
// counts only transient failures.
func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	limit := rate.Limit(cfg.RateLimit)
	if cfg.RateLimit <= 0 {
		limit = rate.Inf
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.Nop()
	}
	logger = logger.WithComponent("scavenger_client")

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "scavenger-miner"
	}

	cbConfig := &circuit.Config{
		Name:            "scavenger_api",
		MaxFailures:     5,
		SuccessRequired: 2,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
		IsFailure:       errors.IsRetryable,
		OnStateChange: func(name string, from, to circuit.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	}

	return &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		userAgent:      userAgent,
		httpClient:     httpClient,
		limiter:        rate.NewLimiter(limit, burst),
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.NetworkConfig(),
		logger:         logger,
	}
}

// Breaker exposes the circuit breaker for health reporting.
func (c *Client) Breaker() *circuit.Breaker { return c.circuitBreaker }

type rawResponse struct {
	status int
	body   []byte
}

// errTransientStatus makes throttling and 5xx responses count against the breaker.
var errTransientStatus = errors.New(errors.ErrorTypeNetwork, "http", "transient status")

// call performs one HTTP request through the limiter and circuit breaker and
// classifies the response.
func (c *Client) call(ctx context.Context, method string, segments ...string) *Result {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	endpoint := c.baseURL + "/" + strings.Join(escaped, "/")

	var resp rawResponse
	err := c.circuitBreaker.Execute(ctx, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return errors.Wrap(err, errors.ErrorTypeInternal, "rate_limit", "rate limiter wait aborted")
		}

		req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeValidation, "http", "failed to build request")
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", c.userAgent)
		if method == http.MethodPost {
			req.Header.Set("Content-Type", "application/json")
		}

		start := time.Now()
		httpResp, err := c.httpClient.Do(req)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeNetwork, "http", "request failed").
				WithContext("endpoint", segments[0])
		}
		defer httpResp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeNetwork, "http", "failed to read response body")
		}
		resp = rawResponse{status: httpResp.StatusCode, body: body}

		c.logger.Debug("protocol call",
			"method", method,
			"endpoint", segments[0],
			"status", httpResp.StatusCode,
			"duration_ms", time.Since(start).Milliseconds(),
		)

		if httpResp.StatusCode >= 500 || httpResp.StatusCode == http.StatusTooManyRequests {
			return errTransientStatus
		}
		return nil
	})

	if err != nil && !stderrors.Is(err, errTransientStatus) {
		return Classify(0, nil, err)
	}
	return Classify(resp.status, resp.body, nil)
}

// getJSON is the retried read path for idempotent GETs.
func getJSON[T any](ctx context.Context, c *Client, operation string, out *T, segments ...string) error {
	return retry.Do(ctx, c.retryConfig, func() error {
		res := c.call(ctx, http.MethodGet, segments...)
		if !res.OK() {
			return res.Err(operation)
		}
		if err := json.Unmarshal(res.Body, out); err != nil {
			return malformed(res, err).Err(operation)
		}
		return nil
	})
}

type challengeEnvelope struct {
	Code             string `json:"code"`
	MiningPeriodEnds string `json:"mining_period_ends"`
	Challenge        *struct {
		ChallengeID      string `json:"challenge_id"`
		ChallengeNumber  int    `json:"challenge_number"`
		Day              int    `json:"day"`
		IssuedAt         string `json:"issued_at"`
		LatestSubmission string `json:"latest_submission"`
		Difficulty       string `json:"difficulty"`
		NoPreMine        string `json:"no_pre_mine"`
		NoPreMineHour    string `json:"no_pre_mine_hour"`
	} `json:"challenge"`
}

// ErrNoActiveChallenge is returned when the mining period has not started or
// has ended.
var ErrNoActiveChallenge = errors.New(errors.ErrorTypeProtocol, "get_challenge", "no active challenge")

// GetChallenge fetches the current challenge.
//
// Returns ErrNoActiveChallenge (wrapped) outside the mining period, and a
// validation error when the challenge fields are malformed.
func (c *Client) GetChallenge(ctx context.Context) (*model.Challenge, error) {
	var env challengeEnvelope
	if err := getJSON(ctx, c, "get_challenge", &env, "challenge"); err != nil {
		return nil, err
	}
	if (env.Code != "" && env.Code != "active") || env.Challenge == nil {
		return nil, errors.Wrap(ErrNoActiveChallenge, errors.ErrorTypeProtocol, "get_challenge",
			fmt.Sprintf("challenge state %q", env.Code))
	}

	ch := env.Challenge
	out := &model.Challenge{
		ChallengeID:      ch.ChallengeID,
		Day:              ch.Day,
		ChallengeNumber:  ch.ChallengeNumber,
		Difficulty:       ch.Difficulty,
		NoPreMine:        ch.NoPreMine,
		NoPreMineHour:    ch.NoPreMineHour,
		LatestSubmission: ch.LatestSubmission,
		FetchedAt:        time.Now().UTC(),
	}
	if t, err := time.Parse(time.RFC3339Nano, ch.IssuedAt); err == nil {
		out.IssuedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, env.MiningPeriodEnds); err == nil {
		out.MiningPeriodEnds = t
	}
	if err := ValidateChallenge(out); err != nil {
		return nil, err
	}
	return out, nil
}

// ValidateChallenge checks the fields the preimage depends on.
func ValidateChallenge(ch *model.Challenge) error {
	if ch.ChallengeID == "" {
		return errors.Input("get_challenge", "challenge id is empty")
	}
	if len(ch.Difficulty) != 8 {
		return errors.Input("get_challenge", "difficulty %q is not 8 hex characters", ch.Difficulty)
	}
	if _, err := strconv.ParseUint(ch.Difficulty, 16, 32); err != nil {
		return errors.Input("get_challenge", "difficulty %q is not hex", ch.Difficulty)
	}
	if ch.NoPreMine == "" || ch.NoPreMineHour == "" || ch.LatestSubmission == "" {
		return errors.Input("get_challenge", "challenge %s is missing salt fields", ch.ChallengeID)
	}
	return nil
}

// Terms is the text a wallet signs to register.
type Terms struct {
	Version string `json:"version"`
	Content string `json:"content"`
	Message string `json:"message"`
}

// GetTerms fetches the terms-and-conditions message.
func (c *Client) GetTerms(ctx context.Context) (*Terms, error) {
	var t Terms
	if err := getJSON(ctx, c, "get_terms", &t, "TandC"); err != nil {
		return nil, err
	}
	if t.Message == "" {
		return nil, errors.New(errors.ErrorTypeProtocol, "get_terms", "terms response has no message").WithRetryable(true)
	}
	return &t, nil
}

// Register registers address with the signed terms. An already-registered
// wallet yields AlreadyDone.
func (c *Client) Register(ctx context.Context, address, signature, pubKey string) *Result {
	return c.call(ctx, http.MethodPost, "register", address, signature, pubKey)
}

// SubmitResult carries the crypto receipt of an accepted solution.
type SubmitResult struct {
	*Result
	Receipt string // raw JSON of crypto_receipt
}

// SubmitSolution submits a found nonce.
func (c *Client) SubmitSolution(ctx context.Context, address, challengeID, nonce string) *SubmitResult {
	res := c.call(ctx, http.MethodPost, "solution", address, challengeID, nonce)
	if res.Outcome != Success {
		return &SubmitResult{Result: res}
	}

	var body struct {
		CryptoReceipt json.RawMessage `json:"crypto_receipt"`
	}
	if err := json.Unmarshal(res.Body, &body); err != nil {
		return &SubmitResult{Result: malformed(res, err)}
	}
	if len(body.CryptoReceipt) == 0 || string(body.CryptoReceipt) == "null" {
		return &SubmitResult{Result: malformed(res, fmt.Errorf("missing crypto_receipt"))}
	}
	return &SubmitResult{Result: res, Receipt: string(body.CryptoReceipt)}
}

// SettleResult carries the settlement response.
type SettleResult struct {
	*Result
	SolutionsConsolidated int
	Receipt               string // raw response body on success
}

// Settle assigns the accumulated rights of original to payout.
func (c *Client) Settle(ctx context.Context, payout, original, signature string) *SettleResult {
	res := c.call(ctx, http.MethodPost, "donate_to", payout, original, signature)
	if res.Outcome != Success {
		return &SettleResult{Result: res}
	}

	var body struct {
		Status                string `json:"status"`
		SolutionsConsolidated int    `json:"solutions_consolidated"`
	}
	if err := json.Unmarshal(res.Body, &body); err != nil {
		return &SettleResult{Result: malformed(res, err)}
	}
	// A 2xx that reports a non-success status did not settle.
	if body.Status != "" && !strings.EqualFold(body.Status, "success") {
		return &SettleResult{Result: malformed(res, fmt.Errorf("settlement status %q", body.Status))}
	}
	return &SettleResult{
		Result:                res,
		SolutionsConsolidated: body.SolutionsConsolidated,
		Receipt:               string(res.Body),
	}
}

// GetRates returns the work-to-reward rate per day (1-based).
func (c *Client) GetRates(ctx context.Context) (map[int]float64, error) {
	var rates []float64
	if err := getJSON(ctx, c, "get_rates", &rates, "work_to_star_rate"); err != nil {
		return nil, err
	}
	out := make(map[int]float64, len(rates))
	for i, r := range rates {
		out[i+1] = r
	}
	return out, nil
}
