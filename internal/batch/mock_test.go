package batch

import (
	"bytes"
	"context"
	"encoding/hex"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bardlex/scavenger/internal/database"
	"github.com/bardlex/scavenger/internal/database/sqlstore"
	"github.com/bardlex/scavenger/internal/merge"
	"github.com/bardlex/scavenger/internal/model"
	"github.com/bardlex/scavenger/internal/progress"
	"github.com/bardlex/scavenger/internal/scavenger"
	"github.com/bardlex/scavenger/internal/wallet"
	"github.com/bardlex/scavenger/pkg/errors"
)

var testConfig = Config{
	MinDelay:     100 * time.Millisecond,
	MaxDelay:     10 * time.Second,
	InitialDelay: 500 * time.Millisecond,
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeMerger succeeds unless the address is scripted to fail. Each call
// advances the clock by elapsed. hook runs after the call is counted and may
// replace the result.
type fakeMerger struct {
	mu      sync.Mutex
	clock   *fakeClock
	elapsed time.Duration
	fail    map[string]bool
	calls   map[string]int
	order   []string
	targets []merge.Target
	hook    func(ctx context.Context, call int, t merge.Target) *merge.Result
}

func (f *fakeMerger) MergeTarget(ctx context.Context, t merge.Target, payout string) *merge.Result {
	f.mu.Lock()
	f.calls[t.Address]++
	f.order = append(f.order, t.Address)
	f.targets = append(f.targets, t)
	call := len(f.order)
	failed := f.fail[t.Address]
	hook := f.hook
	f.mu.Unlock()

	f.clock.Advance(f.elapsed)
	if hook != nil {
		if res := hook(ctx, call, t); res != nil {
			return res
		}
	}
	if failed {
		return &merge.Result{OriginalAddress: t.Address, PayoutAddress: payout,
			Outcome: scavenger.PermanentFailure, Status: model.MergeFailed, Message: "rejected"}
	}
	return &merge.Result{OriginalAddress: t.Address, PayoutAddress: payout,
		Outcome: scavenger.Success, Status: model.MergeSuccess}
}

// countingStore counts session writes and fails the failAt-th one.
type countingStore struct {
	Store
	mu     sync.Mutex
	saves  int
	failAt int
}

func (c *countingStore) SaveSession(ctx context.Context, sess *model.BatchSession) (bool, error) {
	c.mu.Lock()
	c.saves++
	n := c.saves
	c.mu.Unlock()
	if c.failAt > 0 && n == c.failAt {
		return false, errors.New(errors.ErrorTypeDatabase, "save_session", "disk full")
	}
	return c.Store.SaveSession(ctx, sess)
}

func (c *countingStore) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saves
}

type recordingSink struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingSink) Report(_ context.Context, ev progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSink) count(message string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Message == message {
			n++
		}
	}
	return n
}

type fixture struct {
	db     *database.Manager
	store  *countingStore
	merger *fakeMerger
	sink   *recordingSink
	clock  *fakeClock
	mgr    *Manager
	payout string
	items  []model.BatchItem

	mu    sync.Mutex
	slept []time.Duration
}

func newTestManager(t *testing.T) *database.Manager {
	t.Helper()
	vault, err := wallet.NewVault("test passphrase", wallet.VaultParams{N: 1 << 10, R: 8, P: 1})
	if err != nil {
		t.Fatalf("NewVault() error = %v", err)
	}
	store, err := sqlstore.Open(context.Background(), &sqlstore.Config{
		Driver: sqlstore.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "batch.db"),
	}, vault)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	m := database.NewManagerWithStore(store, nil)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// testItems returns n importable wallets built from seeds 1..n.
func testItems(t *testing.T, n int) []model.BatchItem {
	t.Helper()
	items := make([]model.BatchItem, n)
	for i := range items {
		w, err := wallet.FromSeed(bytes.Repeat([]byte{byte(i + 1)}, 32), model.NetworkMainnet)
		if err != nil {
			t.Fatalf("FromSeed() error = %v", err)
		}
		items[i] = model.BatchItem{
			Address:    w.Address,
			SigningKey: hex.EncodeToString(w.PrivateKey),
			Network:    model.NetworkMainnet,
		}
	}
	return items
}

func testPayout(t *testing.T) string {
	t.Helper()
	w, err := wallet.FromSeed(bytes.Repeat([]byte{0xee}, 32), model.NetworkMainnet)
	if err != nil {
		t.Fatalf("FromSeed() error = %v", err)
	}
	return w.Address
}

func newFixture(t *testing.T, n int) *fixture {
	t.Helper()
	db := newTestManager(t)
	clock := &fakeClock{t: time.Date(2025, 10, 19, 9, 0, 0, 0, time.UTC)}
	f := &fixture{
		db:    db,
		store: &countingStore{Store: db},
		merger: &fakeMerger{
			clock:   clock,
			elapsed: 500 * time.Millisecond,
			fail:    map[string]bool{},
			calls:   map[string]int{},
		},
		sink:   &recordingSink{},
		clock:  clock,
		payout: testPayout(t),
		items:  testItems(t, n),
	}
	f.mgr = NewManager(testConfig, f.store, f.merger, Options{
		Progress: f.sink,
		Sleep: func(ctx context.Context, d time.Duration) error {
			f.mu.Lock()
			f.slept = append(f.slept, d)
			f.mu.Unlock()
			return ctx.Err()
		},
	})
	f.mgr.now = clock.Now
	return f
}

func (f *fixture) create(t *testing.T) string {
	t.Helper()
	key, err := f.mgr.CreateSession(context.Background(), f.items, f.payout)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	return key
}

func (f *fixture) session(t *testing.T, key string) *model.BatchSession {
	t.Helper()
	sess, err := f.db.GetSession(context.Background(), key)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	return sess
}

func (f *fixture) sleeps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.slept...)
}

// fakeSettler always settles one solution.
type fakeSettler struct {
	mu    sync.Mutex
	calls map[string]int
}

func (f *fakeSettler) Settle(_ context.Context, _, original, _ string) *scavenger.SettleResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[original]++
	return &scavenger.SettleResult{
		Result:                &scavenger.Result{Outcome: scavenger.Success, StatusCode: 200},
		SolutionsConsolidated: 1,
		Receipt:               `{"status":"success","solutions_consolidated":1}`,
	}
}

var (
	_ Merger            = (*fakeMerger)(nil)
	_ Merger            = (*merge.Processor)(nil)
	_ Store             = (*countingStore)(nil)
	_ Store             = (*database.Manager)(nil)
	_ progress.Sink     = (*recordingSink)(nil)
	_ scavenger.Settler = (*fakeSettler)(nil)
)
