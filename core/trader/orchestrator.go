// Package trader drives the per-session buy/sell loop: trade-type selection,
// tier-driven sizing, depletion detection and the operator pause/resume/stop
// surface. The orchestrator depends only on narrow interfaces so the wiring
// stays acyclic and each collaborator can be faked in tests.
package trader

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/sirupsen/logrus"

	"github.com/amosehiguese/soltrader/config"
	"github.com/amosehiguese/soltrader/core/apperr"
	"github.com/amosehiguese/soltrader/core/events"
	"github.com/amosehiguese/soltrader/core/model"
	"github.com/amosehiguese/soltrader/core/pricer"
	"github.com/amosehiguese/soltrader/core/store"
	"github.com/amosehiguese/soltrader/utils/logger"
)

type Store interface {
	CreateSession(ctx context.Context, sess *model.Session) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
	CompareAndSetStatus(ctx context.Context, id, to, reason string, from ...string) (bool, error)
	MarkSessionFunded(ctx context.Context, id string, initial uint64) error
	UpdateSessionAfterTrade(ctx context.Context, id string, newBalance uint64, lastTradeType string) error
	AppendTrade(ctx context.Context, t *model.TradeRecord) error
	SessionTradeStats(ctx context.Context, sessionID string) (*store.TradeStats, error)
}

type WalletOps interface {
	Create(ctx context.Context, sessionID, kind string) (*model.Wallet, error)
	Keypair(w *model.Wallet) (solana.PrivateKey, error)
	GetBalance(ctx context.Context, address string) (uint64, error)
	GetTokenBalance(ctx context.Context, address, mint string) (uint64, error)
	TransferFunds(ctx context.Context, fromAddress, toAddress string, lamports uint64) (string, error)
	TransferToken(ctx context.Context, fromAddress, toAddress, mint string, amount uint64) (string, error)
	Sweep(ctx context.Context, ephemeral solana.PrivateKey, vaultAddress, mint string) error
	MonitorBalance(address string, cb func(lamports uint64)) error
	StopMonitoring(address string)
}

// ExecRequest asks the trade-execution collaborator for one swap. Amount is
// lamports for buys and raw token units for sells. The collaborator retries
// internally with escalating slippage up to MaxSlippageBps.
type ExecRequest struct {
	SessionID      string
	TokenMint      string
	Wallet         solana.PrivateKey
	Direction      string
	Amount         uint64
	MaxSlippageBps int64
}

type ExecResult struct {
	AmountIn       uint64
	AmountOut      uint64
	Signature      string
	PriceImpactPct float64
}

type Executor interface {
	Execute(ctx context.Context, req ExecRequest) (*ExecResult, error)
}

type Pricer interface {
	PriceUSD(ctx context.Context, mint string) (float64, error)
}

type EventSink interface {
	Emit(ctx context.Context, e events.Event)
}

type loopHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type Orchestrator struct {
	store   Store
	wallets WalletOps
	exec    Executor
	pricer  Pricer
	events  EventSink
	cfg     config.TradingConfig

	mu    sync.Mutex
	loops map[string]*loopHandle
}

func New(st Store, wallets WalletOps, exec Executor, pr Pricer, sink EventSink, cfg config.TradingConfig) *Orchestrator {
	if cfg.BaseBuyProbability <= 0 {
		cfg.BaseBuyProbability = 0.5
	}
	if cfg.MinBuyProbability <= 0 {
		cfg.MinBuyProbability = 0.1
	}
	if cfg.MaxBuyProbability <= 0 {
		cfg.MaxBuyProbability = 0.9
	}
	if cfg.StreakLimit <= 0 {
		cfg.StreakLimit = 3
	}
	if cfg.PausePollSec <= 0 {
		cfg.PausePollSec = 5
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 5
	}
	if cfg.FeeBuffer == 0 {
		cfg.FeeBuffer = 100_000
	}
	if cfg.RentBuffer == 0 {
		cfg.RentBuffer = 2_100_000
	}
	return &Orchestrator{
		store:   st,
		wallets: wallets,
		exec:    exec,
		pricer:  pr,
		events:  sink,
		cfg:     cfg,
		loops:   make(map[string]*loopHandle),
	}
}

func (o *Orchestrator) tierFor(name string) (config.TierConfig, error) {
	for _, t := range o.cfg.Tiers {
		if t.Name == name {
			return t, nil
		}
	}
	return config.TierConfig{}, apperr.NewValidation("tier", "unknown funding tier %q", name)
}

// minViableLamports is the smallest balance on which a session can still
// place a minimum trade and pay fees, derived from the USD floor via the
// live SOL price.
func (o *Orchestrator) minViableLamports(ctx context.Context) uint64 {
	price, err := o.pricer.PriceUSD(ctx, pricer.SolMint)
	if err != nil || price <= 0 {
		logger.Logrus.WithFields(logrus.Fields{"ErrMsg": err}).Warn("sol price unavailable, minimum-viable check uses fee buffer only")
		return o.cfg.FeeBuffer
	}
	return lamportsForUSD(o.cfg.MinTradeUSD, price) + o.cfg.FeeBuffer
}

func (o *Orchestrator) loopActive(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.loops[sessionID]
	return ok
}

// Start begins the per-session loop. It is an idempotent no-op when the loop
// is already running.
func (o *Orchestrator) Start(sessionID string) error {
	o.mu.Lock()
	if _, running := o.loops[sessionID]; running {
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	ctx := context.Background()
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.IsTerminal() {
		return apperr.NewValidation("status", "cannot start session in terminal status %s", sess.Status)
	}
	if sess.Status == model.SessionStatusPaused {
		// a paused session may have been drained or auto-paused on a broken
		// setup; require a minimum-viable balance before it trades again
		balance, berr := o.wallets.GetBalance(ctx, sess.VaultAddress)
		if berr != nil {
			return berr
		}
		required := o.minViableLamports(ctx)
		if balance < required {
			return apperr.NewInsufficientBalance(balance, required,
				"fund the vault wallet or stop the session")
		}
	}

	won, err := o.store.CompareAndSetStatus(ctx, sessionID, model.SessionStatusTrading, "",
		model.SessionStatusFunded, model.SessionStatusTrading, model.SessionStatusPaused)
	if err != nil {
		return err
	}
	if !won {
		return apperr.NewValidation("status", "cannot start trading from status %s", sess.Status)
	}

	lctx, cancel := context.WithCancel(context.Background())
	handle := &loopHandle{cancel: cancel, done: make(chan struct{})}

	o.mu.Lock()
	if _, running := o.loops[sessionID]; running {
		o.mu.Unlock()
		cancel()
		return nil
	}
	o.loops[sessionID] = handle
	o.mu.Unlock()

	go func() {
		defer close(handle.done)
		defer func() {
			o.mu.Lock()
			delete(o.loops, sessionID)
			o.mu.Unlock()
		}()
		o.run(lctx, sessionID)
	}()

	o.events.Emit(ctx, events.Event{Type: events.TypeTradingStarted, SessionID: sessionID})
	logger.Logrus.WithFields(logrus.Fields{"SessionID": sessionID}).Info("trading loop started")
	return nil
}

func (o *Orchestrator) stopLoop(sessionID string) {
	o.mu.Lock()
	handle, ok := o.loops[sessionID]
	o.mu.Unlock()
	if !ok {
		return
	}
	handle.cancel()
	<-handle.done
}

// Pause validates the session can safely resume later before halting it: the
// vault must still cover a minimum-viable trade.
func (o *Orchestrator) Pause(sessionID, reason string) error {
	ctx := context.Background()
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.IsTerminal() {
		return apperr.NewValidation("status", "session is already %s", sess.Status)
	}
	if sess.Status == model.SessionStatusPaused {
		return apperr.NewValidation("status", "session is already paused")
	}

	balance, err := o.wallets.GetBalance(ctx, sess.VaultAddress)
	if err != nil {
		return err
	}
	required := o.minViableLamports(ctx)
	if balance < required {
		return apperr.NewInsufficientBalance(balance, required,
			"balance below the minimum-viable trade threshold; stop the session instead of pausing")
	}

	o.stopLoop(sessionID)

	won, err := o.store.CompareAndSetStatus(ctx, sessionID, model.SessionStatusPaused, reason,
		model.SessionStatusTrading, model.SessionStatusFunded)
	if err != nil {
		return err
	}
	if !won {
		return apperr.NewValidation("status", "session status changed while pausing")
	}

	o.events.Emit(ctx, events.Event{Type: events.TypeSessionPaused, SessionID: sessionID, Data: map[string]interface{}{"reason": reason}})
	logger.Logrus.WithFields(logrus.Fields{"SessionID": sessionID, "Reason": reason}).Info("session paused")
	return nil
}

// Resume restarts a paused session via Start, which re-validates the vault
// balance before trading.
func (o *Orchestrator) Resume(sessionID string) error {
	ctx := context.Background()
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != model.SessionStatusPaused {
		return apperr.NewValidation("status", "can only resume a paused session, current status is %s", sess.Status)
	}

	if err := o.Start(sessionID); err != nil {
		return err
	}
	o.events.Emit(ctx, events.Event{Type: events.TypeSessionResumed, SessionID: sessionID})
	return nil
}

// Stop unconditionally halts the loop and persists the terminal stopped
// status. It fails only when the session already reached a terminal state.
func (o *Orchestrator) Stop(sessionID, reason string) error {
	ctx := context.Background()
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.IsTerminal() {
		return apperr.NewValidation("status", "session is already %s", sess.Status)
	}

	o.stopLoop(sessionID)

	won, err := o.store.CompareAndSetStatus(ctx, sessionID, model.SessionStatusStopped, reason,
		model.SessionStatusCreated, model.SessionStatusFunding, model.SessionStatusFunded,
		model.SessionStatusTrading, model.SessionStatusPaused)
	if err != nil {
		return err
	}
	if !won {
		return apperr.NewValidation("status", "session reached a terminal status concurrently")
	}

	o.events.Emit(ctx, events.Event{Type: events.TypeSessionStopped, SessionID: sessionID, Data: map[string]interface{}{"reason": reason}})
	logger.Logrus.WithFields(logrus.Fields{"SessionID": sessionID, "Reason": reason}).Info("session stopped")
	return nil
}

// Shutdown halts every running loop without touching persisted status, for
// process shutdown. Sessions resume where they left off on restart.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	ids := make([]string, 0, len(o.loops))
	for id := range o.loops {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	for _, id := range ids {
		o.stopLoop(id)
	}
}

type State struct {
	SessionID      string  `json:"sessionId"`
	Status         string  `json:"status"`
	StatusReason   string  `json:"statusReason,omitempty"`
	LoopActive     bool    `json:"loopActive"`
	InitialBalance uint64  `json:"initialBalance"`
	CurrentBalance uint64  `json:"currentBalance"`
	TradeCount     int64   `json:"tradeCount"`
	LastTradeType  string  `json:"lastTradeType,omitempty"`
	DepletionPct   float64 `json:"depletionPct"`
}

func (o *Orchestrator) GetState(ctx context.Context, sessionID string) (*State, error) {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &State{
		SessionID:      sess.ID,
		Status:         sess.Status,
		StatusReason:   sess.StatusReason,
		LoopActive:     o.loopActive(sessionID),
		InitialBalance: sess.InitialBalance,
		CurrentBalance: sess.CurrentBalance,
		TradeCount:     sess.TradeCount,
		LastTradeType:  sess.LastTradeType,
		DepletionPct:   sess.DepletionPct(),
	}, nil
}

type Metrics struct {
	SessionID       string        `json:"sessionId"`
	TotalTrades     int64         `json:"totalTrades"`
	FailedTrades    int64         `json:"failedTrades"`
	TotalVolume     uint64        `json:"totalVolumeLamports"`
	AvgTradeSize    uint64        `json:"avgTradeLamports"`
	DepletionPct    float64       `json:"depletionPct"`
	FirstTradeAt    *time.Time    `json:"firstTradeAt,omitempty"`
	LastTradeAt     *time.Time    `json:"lastTradeAt,omitempty"`
	TradingDuration time.Duration `json:"tradingDurationNs"`
}

func (o *Orchestrator) GetMetrics(ctx context.Context, sessionID string) (*Metrics, error) {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	stats, err := o.store.SessionTradeStats(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	m := &Metrics{
		SessionID:    sess.ID,
		TotalTrades:  stats.Total,
		FailedTrades: stats.Failed,
		TotalVolume:  stats.Volume,
		DepletionPct: sess.DepletionPct(),
		FirstTradeAt: stats.FirstAt,
		LastTradeAt:  stats.LastAt,
	}
	succeeded := stats.Total - stats.Failed
	if succeeded > 0 {
		m.AvgTradeSize = stats.Volume / uint64(succeeded)
	}
	if sess.FundedAt != nil {
		end := time.Now().UTC()
		if sess.CompletedAt != nil {
			end = *sess.CompletedAt
		}
		m.TradingDuration = end.Sub(*sess.FundedAt)
	}
	return m, nil
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (o *Orchestrator) tradeInterval(rnd *rand.Rand) time.Duration {
	min := o.cfg.TradeIntervalMinSec
	max := o.cfg.TradeIntervalMaxSec
	if min <= 0 {
		min = 10
	}
	if max < min {
		max = min
	}
	if max == min {
		return time.Duration(min) * time.Second
	}
	return time.Duration(min+rnd.Int63n(max-min+1)) * time.Second
}
