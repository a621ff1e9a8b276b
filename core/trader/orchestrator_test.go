package trader

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/amosehiguese/soltrader/config"
	"github.com/amosehiguese/soltrader/core/apperr"
	"github.com/amosehiguese/soltrader/core/events"
	"github.com/amosehiguese/soltrader/core/model"
	"github.com/amosehiguese/soltrader/core/store"
)

type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
	trades   []*model.TradeRecord
	funded   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: make(map[string]*model.Session)}
}

func (f *fakeStore) CreateSession(ctx context.Context, sess *model.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *sess
	f.sessions[sess.ID] = &cp
	return nil
}

func (f *fakeStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[id]
	if !ok {
		return nil, apperr.NewDatabase("GetSession", fmt.Errorf("session %s not found", id))
	}
	cp := *sess
	return &cp, nil
}

func (f *fakeStore) CompareAndSetStatus(ctx context.Context, id, to, reason string, from ...string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[id]
	if !ok {
		return false, nil
	}
	for _, s := range from {
		if sess.Status == s {
			sess.Status = to
			sess.StatusReason = reason
			if to == model.SessionStatusCompleted || to == model.SessionStatusStopped {
				now := time.Now().UTC()
				sess.CompletedAt = &now
			}
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) MarkSessionFunded(ctx context.Context, id string, initial uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess := f.sessions[id]
	sess.Status = model.SessionStatusFunded
	sess.InitialBalance = initial
	sess.CurrentBalance = initial
	now := time.Now().UTC()
	sess.FundedAt = &now
	f.funded++
	return nil
}

func (f *fakeStore) UpdateSessionAfterTrade(ctx context.Context, id string, newBalance uint64, lastTradeType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess := f.sessions[id]
	sess.CurrentBalance = newBalance
	sess.LastTradeType = lastTradeType
	sess.TradeCount++
	return nil
}

func (f *fakeStore) AppendTrade(ctx context.Context, t *model.TradeRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trades = append(f.trades, t)
	return nil
}

func (f *fakeStore) SessionTradeStats(ctx context.Context, sessionID string) (*store.TradeStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := &store.TradeStats{}
	for _, t := range f.trades {
		if t.SessionID != sessionID {
			continue
		}
		stats.Total++
		if !t.Success {
			stats.Failed++
		} else {
			stats.Volume += t.AmountIn
		}
		at := t.CreatedAt
		if stats.FirstAt == nil || at.Before(*stats.FirstAt) {
			stats.FirstAt = &at
		}
		if stats.LastAt == nil || at.After(*stats.LastAt) {
			stats.LastAt = &at
		}
	}
	return stats, nil
}

func (f *fakeStore) status(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[id].Status
}

func (f *fakeStore) tradeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.trades)
}

type fakeWallets struct {
	mu            sync.Mutex
	balances      map[string]uint64
	tokenBalances map[string]uint64
	transfers     []string // "from->to" per SOL transfer
	sweeps        int
	monitored     map[string]func(uint64)
	stopped       []string
	nextAddr      int
	transferErr   error
}

func newFakeWallets() *fakeWallets {
	return &fakeWallets{
		balances:      make(map[string]uint64),
		tokenBalances: make(map[string]uint64),
		monitored:     make(map[string]func(uint64)),
	}
}

func (f *fakeWallets) Create(ctx context.Context, sessionID, kind string) (*model.Wallet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextAddr++
	return &model.Wallet{
		Address:   fmt.Sprintf("%s-wallet-%d", kind, f.nextAddr),
		SessionID: sessionID,
		Kind:      kind,
		Status:    model.WalletStatusCreated,
	}, nil
}

func (f *fakeWallets) Keypair(w *model.Wallet) (solana.PrivateKey, error) {
	return solana.NewRandomPrivateKey()
}

func (f *fakeWallets) GetBalance(ctx context.Context, address string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[address], nil
}

func (f *fakeWallets) GetTokenBalance(ctx context.Context, address, mint string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokenBalances[address], nil
}

func (f *fakeWallets) TransferFunds(ctx context.Context, fromAddress, toAddress string, lamports uint64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transferErr != nil {
		return "", f.transferErr
	}
	f.transfers = append(f.transfers, fromAddress+"->"+toAddress)
	return "sig-transfer", nil
}

func (f *fakeWallets) TransferToken(ctx context.Context, fromAddress, toAddress, mint string, amount uint64) (string, error) {
	return "sig-token", nil
}

func (f *fakeWallets) Sweep(ctx context.Context, ephemeral solana.PrivateKey, vaultAddress, mint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps++
	return nil
}

func (f *fakeWallets) MonitorBalance(address string, cb func(lamports uint64)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.monitored[address] = cb
	return nil
}

func (f *fakeWallets) StopMonitoring(address string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.monitored, address)
	f.stopped = append(f.stopped, address)
}

func (f *fakeWallets) setBalance(address string, lamports uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[address] = lamports
}

func (f *fakeWallets) transfersTo(addr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.transfers {
		if strings.HasSuffix(t, "->"+addr) {
			n++
		}
	}
	return n
}

func (f *fakeWallets) sweepCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sweeps
}

type fakeExecutor struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeExecutor) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeExecutor) Execute(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &ExecResult{AmountIn: req.Amount, AmountOut: req.Amount / 2, Signature: "sig-exec"}, nil
}

type fakePricer struct{ solUSD float64 }

func (f *fakePricer) PriceUSD(ctx context.Context, mint string) (float64, error) {
	return f.solUSD, nil
}

type fakeSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (f *fakeSink) Emit(ctx context.Context, e events.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func (f *fakeSink) count(typ string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func testConfig() config.TradingConfig {
	return config.TradingConfig{
		BaseBuyProbability:     0.5,
		MinBuyProbability:      0.1,
		MaxBuyProbability:      0.9,
		StreakLimit:            3,
		TradeIntervalMinSec:    1,
		TradeIntervalMaxSec:    1,
		PausePollSec:           1,
		SettleDelaySec:         0,
		MaxConsecutiveFailures: 3,
		MinTradeUSD:            1,
		FeeBuffer:              5_000,
		RentBuffer:             2_100_000,
		MaxSlippageBps:         500,
		RevenueSharePct:        10,
		RevenueAddress:         "revenue-address",
		Tiers: []config.TierConfig{{
			Name:          "starter",
			MinFundingSOL: 0.1,
			MaxFundingSOL: 10,
			BuyMinPct:     5,
			BuyMaxPct:     10,
			SellMinPct:    20,
			SellMaxPct:    60,
			MinTradeUSD:   1,
			MaxTradeUSD:   50,
			MaxTrades:     0,
		}},
	}
}

func testOrchestrator(t *testing.T) (*Orchestrator, *fakeStore, *fakeWallets, *fakeExecutor, *fakeSink) {
	t.Helper()
	st := newFakeStore()
	w := newFakeWallets()
	ex := &fakeExecutor{}
	sink := &fakeSink{}
	o := New(st, w, ex, &fakePricer{solUSD: 100}, sink, testConfig())
	return o, st, w, ex, sink
}

func seedSession(st *fakeStore, w *fakeWallets, status string, lamports uint64) *model.Session {
	sess := &model.Session{
		ID:             "sess-1",
		TokenMint:      "mint-1",
		TokenDecimals:  6,
		Tier:           "starter",
		VaultAddress:   "vault-1",
		Status:         status,
		InitialBalance: lamports,
		CurrentBalance: lamports,
		CreatedAt:      time.Now().UTC(),
	}
	st.CreateSession(context.Background(), sess)
	w.setBalance("vault-1", lamports)
	return sess
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestPauseRejectsTerminalAndPaused(t *testing.T) {
	o, st, w, _, _ := testOrchestrator(t)
	seedSession(st, w, model.SessionStatusStopped, 0)

	if err := o.Pause("sess-1", "manual"); !apperr.IsValidation(err) {
		t.Errorf("Pause() on stopped session = %v, want validation error", err)
	}

	st.sessions["sess-1"].Status = model.SessionStatusPaused
	if err := o.Pause("sess-1", "manual"); !apperr.IsValidation(err) {
		t.Errorf("Pause() on paused session = %v, want validation error", err)
	}
}

func TestPauseRequiresViableBalance(t *testing.T) {
	o, st, w, _, _ := testOrchestrator(t)
	// $1 at $100/SOL needs 10_000_000 lamports plus the fee buffer
	seedSession(st, w, model.SessionStatusTrading, 1_000)

	err := o.Pause("sess-1", "manual")
	if !apperr.IsInsufficientBalance(err) {
		t.Fatalf("Pause() = %v, want insufficient balance error", err)
	}
	if st.status("sess-1") != model.SessionStatusTrading {
		t.Errorf("status = %s, want unchanged trading", st.status("sess-1"))
	}
}

func TestPauseAndResume(t *testing.T) {
	o, st, w, _, sink := testOrchestrator(t)
	seedSession(st, w, model.SessionStatusTrading, 1_000_000_000)

	if err := o.Pause("sess-1", "operator request"); err != nil {
		t.Fatalf("Pause() = %v", err)
	}
	if got := st.status("sess-1"); got != model.SessionStatusPaused {
		t.Fatalf("status after pause = %s, want paused", got)
	}
	if sink.count(events.TypeSessionPaused) != 1 {
		t.Error("want one session_paused event")
	}

	if err := o.Resume("sess-1"); err != nil {
		t.Fatalf("Resume() = %v", err)
	}
	if got := st.status("sess-1"); got != model.SessionStatusTrading {
		t.Fatalf("status after resume = %s, want trading", got)
	}
	o.Shutdown()
}

func TestStartFromPausedRequiresViableBalance(t *testing.T) {
	o, st, w, _, _ := testOrchestrator(t)
	seedSession(st, w, model.SessionStatusPaused, 1_000_000)

	if err := o.Start("sess-1"); !apperr.IsInsufficientBalance(err) {
		t.Fatalf("Start() on drained paused session = %v, want insufficient balance error", err)
	}
	if got := st.status("sess-1"); got != model.SessionStatusPaused {
		t.Errorf("status = %s, want paused", got)
	}
	if o.loopActive("sess-1") {
		t.Error("loop started despite failed balance validation")
	}

	// Resume goes through the same validation
	if err := o.Resume("sess-1"); !apperr.IsInsufficientBalance(err) {
		t.Errorf("Resume() on drained paused session = %v, want insufficient balance error", err)
	}
}

func TestResumeRequiresPaused(t *testing.T) {
	o, st, w, _, _ := testOrchestrator(t)
	seedSession(st, w, model.SessionStatusTrading, 1_000_000_000)

	if err := o.Resume("sess-1"); !apperr.IsValidation(err) {
		t.Errorf("Resume() on trading session = %v, want validation error", err)
	}
}

func TestStopFromAnyNonTerminal(t *testing.T) {
	o, st, w, _, _ := testOrchestrator(t)
	seedSession(st, w, model.SessionStatusPaused, 1_000_000_000)

	if err := o.Stop("sess-1", "operator"); err != nil {
		t.Fatalf("Stop() = %v", err)
	}
	if got := st.status("sess-1"); got != model.SessionStatusStopped {
		t.Fatalf("status = %s, want stopped", got)
	}

	if err := o.Stop("sess-1", "again"); !apperr.IsValidation(err) {
		t.Errorf("Stop() on stopped session = %v, want validation error", err)
	}
}

func TestHandleFundingProcessesOnce(t *testing.T) {
	o, st, w, _, sink := testOrchestrator(t)
	seedSession(st, w, model.SessionStatusCreated, 0)

	const deposit = 1_000_000_000 // 1 SOL
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.HandleFunding("sess-1", deposit)
		}()
	}
	wg.Wait()

	st.mu.Lock()
	funded := st.funded
	initial := st.sessions["sess-1"].InitialBalance
	st.mu.Unlock()

	if funded != 1 {
		t.Fatalf("MarkSessionFunded called %d times, want exactly 1", funded)
	}
	if got := w.transfersTo("revenue-address"); got != 1 {
		t.Fatalf("revenue transfers = %d, want exactly 1", got)
	}
	if want := uint64(deposit - deposit/10); initial != want {
		t.Errorf("initial balance = %d, want %d after the 10%% revenue split", initial, want)
	}
	if sink.count(events.TypeFundingDetected) != 1 {
		t.Error("want one funding_detected event")
	}
}

func TestHandleFundingIgnoresBelowTierMinimum(t *testing.T) {
	o, st, w, _, _ := testOrchestrator(t)
	seedSession(st, w, model.SessionStatusCreated, 0)

	// tier minimum is 0.1 SOL
	o.HandleFunding("sess-1", 1_000_000)

	if got := st.status("sess-1"); got != model.SessionStatusCreated {
		t.Errorf("status = %s, want created for a sub-minimum deposit", got)
	}
}

func TestHandleFundingRevenueFailureKeepsFullBalance(t *testing.T) {
	o, st, w, _, _ := testOrchestrator(t)
	seedSession(st, w, model.SessionStatusCreated, 0)
	w.transferErr = fmt.Errorf("rpc unavailable")

	const deposit = 1_000_000_000
	o.HandleFunding("sess-1", deposit)

	st.mu.Lock()
	initial := st.sessions["sess-1"].InitialBalance
	status := st.sessions["sess-1"].Status
	st.mu.Unlock()

	if status != model.SessionStatusFunded {
		t.Fatalf("status = %s, want funded despite revenue transfer failure", status)
	}
	if initial != deposit {
		t.Errorf("initial balance = %d, want the full deposit %d", initial, deposit)
	}
}

func TestHandleFundingCapsAtTierMaximum(t *testing.T) {
	o, st, w, _, _ := testOrchestrator(t)
	seedSession(st, w, model.SessionStatusCreated, 0)

	// tier maximum is 10 SOL; a 20 SOL deposit trades at the cap even
	// after the revenue share comes off
	o.HandleFunding("sess-1", 20_000_000_000)

	st.mu.Lock()
	initial := st.sessions["sess-1"].InitialBalance
	status := st.sessions["sess-1"].Status
	st.mu.Unlock()

	if status != model.SessionStatusFunded {
		t.Fatalf("status = %s, want funded", status)
	}
	if initial != 10_000_000_000 {
		t.Errorf("initial balance = %d, want the 10 SOL tier cap", initial)
	}
}

func TestCreateSessionRegistersFundingMonitor(t *testing.T) {
	o, st, w, _, _ := testOrchestrator(t)

	sess, err := o.CreateSession(context.Background(), "mint-1", "TKN", 6, "starter", true)
	if err != nil {
		t.Fatalf("CreateSession() = %v", err)
	}
	if sess.Status != model.SessionStatusCreated {
		t.Errorf("status = %s, want created", sess.Status)
	}

	w.mu.Lock()
	cb, ok := w.monitored[sess.VaultAddress]
	w.mu.Unlock()
	if !ok {
		t.Fatal("vault address not registered for balance monitoring")
	}

	// the monitor callback drives the full funding flow
	w.setBalance(sess.VaultAddress, 1_000_000_000)
	cb(1_000_000_000)

	waitFor(t, 2*time.Second, func() bool {
		return st.status(sess.ID) == model.SessionStatusTrading
	})
	o.Shutdown()
}

func TestCreateSessionRejectsUnknownTier(t *testing.T) {
	o, _, _, _, _ := testOrchestrator(t)
	if _, err := o.CreateSession(context.Background(), "mint-1", "TKN", 6, "whale", false); !apperr.IsValidation(err) {
		t.Errorf("CreateSession() with unknown tier = %v, want validation error", err)
	}
}

func TestLoopCompletesOnDepletion(t *testing.T) {
	o, st, w, _, sink := testOrchestrator(t)
	// below the minimum-viable threshold of ~10M lamports plus fee buffer
	seedSession(st, w, model.SessionStatusFunded, 500_000)

	if err := o.Start("sess-1"); err != nil {
		t.Fatalf("Start() = %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return st.status("sess-1") == model.SessionStatusCompleted
	})
	if sink.count(events.TypeSessionCompleted) != 1 {
		t.Error("want one session_completed event")
	}
}

func TestLoopTradeRecordedAndSwept(t *testing.T) {
	o, st, w, ex, sink := testOrchestrator(t)
	seedSession(st, w, model.SessionStatusFunded, 5_000_000_000) // 5 SOL

	if err := o.Start("sess-1"); err != nil {
		t.Fatalf("Start() = %v", err)
	}

	waitFor(t, 3*time.Second, func() bool { return st.tradeCount() >= 1 })
	if err := o.Stop("sess-1", "test done"); err != nil {
		t.Fatalf("Stop() = %v", err)
	}

	ex.mu.Lock()
	calls := ex.calls
	ex.mu.Unlock()
	if calls < 1 {
		t.Fatal("executor never called")
	}
	if w.sweepCount() < 1 {
		t.Error("ephemeral wallet never swept")
	}
	if sink.count(events.TypeTradeCompleted) < 1 {
		t.Error("want at least one trade_completed event")
	}

	st.mu.Lock()
	rec := st.trades[0]
	st.mu.Unlock()
	if !rec.Success || rec.Signature != "sig-exec" {
		t.Errorf("trade record = %+v, want successful with executor signature", rec)
	}
}

func TestRecordedBalanceNeverExceedsInitial(t *testing.T) {
	o, st, w, _, _ := testOrchestrator(t)
	seedSession(st, w, model.SessionStatusFunded, 5_000_000_000)
	// an outside deposit lands mid-session
	w.setBalance("vault-1", 6_000_000_000)

	if err := o.Start("sess-1"); err != nil {
		t.Fatalf("Start() = %v", err)
	}

	waitFor(t, 3*time.Second, func() bool { return st.tradeCount() >= 1 })
	o.Shutdown()

	st.mu.Lock()
	current := st.sessions["sess-1"].CurrentBalance
	initial := st.sessions["sess-1"].InitialBalance
	st.mu.Unlock()
	if current > initial {
		t.Errorf("current balance = %d exceeds initial %d", current, initial)
	}
}

func TestLoopAutoPausesAfterRepeatedFailures(t *testing.T) {
	o, st, w, ex, _ := testOrchestrator(t)
	ex.setErr(fmt.Errorf("swap route unavailable"))
	seedSession(st, w, model.SessionStatusFunded, 5_000_000_000)

	if err := o.Start("sess-1"); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	defer o.Shutdown()

	waitFor(t, 10*time.Second, func() bool {
		return st.status("sess-1") == model.SessionStatusPaused
	})

	st.mu.Lock()
	reason := st.sessions["sess-1"].StatusReason
	st.mu.Unlock()
	if reason == "" {
		t.Error("auto-pause did not record a status reason")
	}

	// the loop goroutine exits so a later Start can rebuild it
	waitFor(t, 5*time.Second, func() bool {
		return !o.loopActive("sess-1")
	})

	// every failed attempt still swept its ephemeral wallet
	if w.sweepCount() < int(o.cfg.MaxConsecutiveFailures) {
		t.Errorf("sweeps = %d, want at least %d", w.sweepCount(), o.cfg.MaxConsecutiveFailures)
	}
}

func TestResumeRestartsTradingAfterAutoPause(t *testing.T) {
	o, st, w, ex, _ := testOrchestrator(t)
	ex.setErr(fmt.Errorf("swap route unavailable"))
	seedSession(st, w, model.SessionStatusFunded, 5_000_000_000)

	if err := o.Start("sess-1"); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	defer o.Shutdown()

	waitFor(t, 10*time.Second, func() bool {
		return st.status("sess-1") == model.SessionStatusPaused && !o.loopActive("sess-1")
	})

	ex.setErr(nil)
	if err := o.Resume("sess-1"); err != nil {
		t.Fatalf("Resume() after auto-pause = %v", err)
	}

	waitFor(t, 10*time.Second, func() bool {
		if st.status("sess-1") != model.SessionStatusTrading {
			return false
		}
		st.mu.Lock()
		defer st.mu.Unlock()
		for _, tr := range st.trades {
			if tr.Success {
				return true
			}
		}
		return false
	})
}

func TestGetStateAndMetrics(t *testing.T) {
	o, st, w, _, _ := testOrchestrator(t)
	sess := seedSession(st, w, model.SessionStatusTrading, 1_000_000_000)
	now := time.Now().UTC().Add(-time.Minute)
	st.sessions[sess.ID].FundedAt = &now
	st.trades = []*model.TradeRecord{
		{SessionID: sess.ID, Success: true, AmountIn: 100, CreatedAt: now.Add(10 * time.Second)},
		{SessionID: sess.ID, Success: true, AmountIn: 300, CreatedAt: now.Add(30 * time.Second)},
		{SessionID: sess.ID, Success: false, CreatedAt: now.Add(40 * time.Second)},
	}

	state, err := o.GetState(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("GetState() = %v", err)
	}
	if state.Status != model.SessionStatusTrading || state.LoopActive {
		t.Errorf("state = %+v, want trading with no live loop", state)
	}

	m, err := o.GetMetrics(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("GetMetrics() = %v", err)
	}
	if m.TotalTrades != 3 || m.FailedTrades != 1 {
		t.Errorf("trades = %d failed = %d, want 3 and 1", m.TotalTrades, m.FailedTrades)
	}
	if m.AvgTradeSize != 200 {
		t.Errorf("avg trade size = %d, want 200", m.AvgTradeSize)
	}
	if m.FirstTradeAt == nil || m.LastTradeAt == nil {
		t.Fatalf("trade timestamps missing: first=%v last=%v", m.FirstTradeAt, m.LastTradeAt)
	}
	if !m.FirstTradeAt.Equal(now.Add(10*time.Second)) || !m.LastTradeAt.Equal(now.Add(40*time.Second)) {
		t.Errorf("first/last trade = %v/%v, want %v/%v",
			m.FirstTradeAt, m.LastTradeAt, now.Add(10*time.Second), now.Add(40*time.Second))
	}
	if m.TradingDuration < time.Minute {
		t.Errorf("trading duration = %v, want at least a minute", m.TradingDuration)
	}
}
