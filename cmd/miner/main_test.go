package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bardlex/scavenger/internal/config"
	"github.com/bardlex/scavenger/internal/database"
	"github.com/bardlex/scavenger/internal/database/sqlstore"
	"github.com/bardlex/scavenger/internal/model"
	"github.com/bardlex/scavenger/internal/progress"
	"github.com/bardlex/scavenger/internal/scavenger"
	"github.com/bardlex/scavenger/internal/wallet"
	"github.com/bardlex/scavenger/pkg/log"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

// Every hash passes an all-ones mask, so the first nonce tried is a solution.
const easyChallenge = `{
  "code": "active",
  "challenge": {
    "challenge_id": "**D07C10",
    "challenge_number": 10,
    "day": 7,
    "issued_at": "2025-10-19T08:00:00.000Z",
    "latest_submission": "2025-10-19T08:59:59.000Z",
    "difficulty": "FFFFFFFF",
    "no_pre_mine": "fd651ac2725e3b9d804cc8df3ea8e3dd",
    "no_pre_mine_hour": "509681483"
  },
  "mining_period_ends": "2025-11-20T00:00:00.000Z"
}`

type testServer struct {
	challenge   string
	registered  atomic.Int32
	submissions atomic.Int32
}

func (s *testServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/challenge":
		_, _ = w.Write([]byte(s.challenge))
	case r.URL.Path == "/TandC":
		_, _ = w.Write([]byte(`{"version":"1-0","content":"terms","message":"I agree to abide by the terms"}`))
	case strings.HasPrefix(r.URL.Path, "/register/"):
		s.registered.Add(1)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{}`))
	case strings.HasPrefix(r.URL.Path, "/solution/"):
		s.submissions.Add(1)
		_, _ = w.Write([]byte(`{"crypto_receipt":{"signature":"abc"}}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func testConfig() *config.Config {
	return &config.Config{
		ServiceName:       "test-miner",
		Version:           "test",
		LogLevel:          "error",
		LogFormat:         "json",
		Network:           "mainnet",
		AutoRegister:      true,
		AutoSubmit:        true,
		BatchSize:         10,
		ChunkSize:         1000,
		MaxAttempts:       100000,
		ProgressInterval:  100,
		StopCheckInterval: 100,
		TickInterval:      10 * time.Millisecond,
	}
}

func newTestDB(t *testing.T) *database.Manager {
	t.Helper()
	vault, err := wallet.NewVault("test passphrase", wallet.VaultParams{N: 1 << 10, R: 8, P: 1})
	if err != nil {
		t.Fatalf("NewVault() error = %v", err)
	}
	db, err := database.NewManager(context.Background(), &database.Config{
		Store: &sqlstore.Config{Driver: sqlstore.DriverSQLite, DSN: filepath.Join(t.TempDir(), "miner.db")},
	}, vault, nil)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestMiner(t *testing.T, cfg *config.Config, srv *testServer) (*Miner, *database.Manager) {
	t.Helper()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	db := newTestDB(t)
	client := scavenger.New(scavenger.Config{BaseURL: ts.URL, Timeout: 2 * time.Second})
	m, err := NewMiner(cfg, log.Nop(), db, client, progress.Nop{}, nil)
	if err != nil {
		t.Fatalf("NewMiner() error = %v", err)
	}
	return m, db
}

func TestNewMiner(t *testing.T) {
	cfg := testConfig()
	m, _ := newTestMiner(t, cfg, &testServer{challenge: easyChallenge})

	if m.cfg != cfg {
		t.Error("NewMiner() did not set config correctly")
	}
	if m.worker == nil {
		t.Error("NewMiner() did not create a worker")
	}
	if m.submitter == nil {
		t.Error("Expected a submitter with AUTO_SUBMIT enabled")
	}
	if m.indexed {
		t.Error("Expected random wallets without a master mnemonic")
	}

	cfg = testConfig()
	cfg.AutoSubmit = false
	cfg.WalletMnemonic = testMnemonic
	m, _ = newTestMiner(t, cfg, &testServer{challenge: easyChallenge})
	if m.submitter != nil {
		t.Error("Expected no submitter with AUTO_SUBMIT disabled")
	}
	if !m.indexed {
		t.Error("Expected indexed wallets with a master mnemonic")
	}
}

func TestNewMiner_InvalidMnemonic(t *testing.T) {
	cfg := testConfig()
	cfg.WalletMnemonic = "not a valid mnemonic"
	client := scavenger.New(scavenger.Config{BaseURL: "http://127.0.0.1:1"})

	if _, err := NewMiner(cfg, log.Nop(), newTestDB(t), client, progress.Nop{}, nil); err == nil {
		t.Error("Expected an invalid master mnemonic to be rejected")
	}
}

func TestNextPath(t *testing.T) {
	ctx := context.Background()

	cfg := testConfig()
	cfg.DerivationPath = "m/1852'/1815'/0'/0/7"
	m, _ := newTestMiner(t, cfg, &testServer{challenge: easyChallenge})
	if path, err := m.nextPath(ctx); err != nil || path != cfg.DerivationPath {
		t.Errorf("Expected configured path, got %q (%v)", path, err)
	}

	cfg = testConfig()
	cfg.WalletMnemonic = testMnemonic
	m, _ = newTestMiner(t, cfg, &testServer{challenge: easyChallenge})
	for i, want := range []string{accountPath + "/0", accountPath + "/1"} {
		path, err := m.nextPath(ctx)
		if err != nil {
			t.Fatalf("nextPath() error = %v", err)
		}
		if path != want {
			t.Errorf("Expected %q, got %q", want, path)
		}
		if _, err := m.worker.StartJob(ctx, path, 0); err != nil {
			t.Fatalf("StartJob(%d) error = %v", i, err)
		}
	}
}

func TestTick_MinesAndSubmits(t *testing.T) {
	ctx := context.Background()
	srv := &testServer{challenge: easyChallenge}
	cfg := testConfig()
	cfg.WalletMnemonic = testMnemonic
	m, db := newTestMiner(t, cfg, srv)

	m.tick(ctx)

	jobs, err := db.ListRunnableJobs(ctx, 10)
	if err != nil {
		t.Fatalf("ListRunnableJobs() error = %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("Expected the job to finish with a solution, got %d runnable", len(jobs))
	}
	if srv.registered.Load() != 1 {
		t.Errorf("Expected 1 registration, got %d", srv.registered.Load())
	}
	if srv.submissions.Load() != 1 {
		t.Errorf("Expected 1 submission, got %d", srv.submissions.Load())
	}

	confirmed, err := db.ListSolutionsByStatus(ctx, model.SubmissionConfirmed, 10)
	if err != nil {
		t.Fatalf("ListSolutionsByStatus() error = %v", err)
	}
	if len(confirmed) != 1 || !confirmed[0].HasReceipt() {
		t.Fatalf("Expected one receipted solution, got %d", len(confirmed))
	}

	// The next tick starts a new job on the next wallet index.
	m.tick(ctx)
	job, err := db.GetJob(ctx, 2)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if job.DerivationPath != accountPath+"/1" {
		t.Errorf("Expected second job on index 1, got %q", job.DerivationPath)
	}
}

func TestTick_WithoutAutoSubmit(t *testing.T) {
	ctx := context.Background()
	srv := &testServer{challenge: easyChallenge}
	cfg := testConfig()
	cfg.AutoSubmit = false
	m, db := newTestMiner(t, cfg, srv)

	m.tick(ctx)

	if srv.submissions.Load() != 0 {
		t.Errorf("Expected no submissions, got %d", srv.submissions.Load())
	}
	pending, err := db.ListSolutionsByStatus(ctx, model.SubmissionPending, 10)
	if err != nil {
		t.Fatalf("ListSolutionsByStatus() error = %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("Expected the solution to wait as pending, got %d", len(pending))
	}
}

func TestStartShutdown(t *testing.T) {
	// No active challenge: every tick fails and the job stays runnable.
	m, db := newTestMiner(t, testConfig(), &testServer{challenge: `{"code":"before"}`})

	errCh := make(chan error, 1)
	go func() { errCh <- m.Start(context.Background()) }()

	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := <-errCh; err != nil {
		t.Errorf("Expected Start to return nil after Shutdown, got %v", err)
	}

	jobs, err := db.ListRunnableJobs(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListRunnableJobs() error = %v", err)
	}
	if len(jobs) != 1 {
		t.Errorf("Expected one runnable job to be reused across ticks, got %d", len(jobs))
	}
}

var _ JobStore = (*database.Manager)(nil)
var _ Metrics = (*database.Manager)(nil)
