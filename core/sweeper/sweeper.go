// Package sweeper wraps single sweep attempts with bounded retry and
// post-sweep validation, and periodically scans for stranded ephemeral
// wallets that were funded but never reclaimed.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/sirupsen/logrus"

	"github.com/amosehiguese/soltrader/config"
	"github.com/amosehiguese/soltrader/core/events"
	"github.com/amosehiguese/soltrader/core/model"
	"github.com/amosehiguese/soltrader/utils/logger"
)

type WalletOps interface {
	Keypair(w *model.Wallet) (solana.PrivateKey, error)
	Sweep(ctx context.Context, ephemeral solana.PrivateKey, vaultAddress, mint string) error
	GetBalance(ctx context.Context, address string) (uint64, error)
}

type Store interface {
	GetSession(ctx context.Context, id string) (*model.Session, error)
	RecordSweepAttempt(ctx context.Context, address, sweepErr string) error
	MarkWalletSwept(ctx context.Context, address, sweepErr string) error
	UnsweptWalletsOlderThan(ctx context.Context, age time.Duration) ([]model.Wallet, error)
}

type EventSink interface {
	Emit(ctx context.Context, e events.Event)
}

type Result struct {
	Success bool
	Err     error
}

type Service struct {
	wallets WalletOps
	store   Store
	events  EventSink

	maxAttempts  int
	retryDelays  []time.Duration
	dust         uint64
	settleDelay  time.Duration
	gracePeriod  time.Duration
	scanInterval time.Duration
	walletDelay  time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

func New(wallets WalletOps, st Store, sink EventSink, cfg config.SweepConfig) *Service {
	s := &Service{
		wallets:      wallets,
		store:        st,
		events:       sink,
		maxAttempts:  int(cfg.MaxAttempts),
		dust:         cfg.DustLamports,
		settleDelay:  time.Duration(cfg.SettleDelaySec) * time.Second,
		gracePeriod:  time.Duration(cfg.GracePeriodSec) * time.Second,
		scanInterval: time.Duration(cfg.ScanIntervalSec) * time.Second,
		walletDelay:  time.Duration(cfg.WalletDelaySec) * time.Second,
	}
	for _, d := range cfg.RetryDelaysSec {
		s.retryDelays = append(s.retryDelays, time.Duration(d)*time.Second)
	}

	if s.maxAttempts <= 0 {
		s.maxAttempts = 3
	}
	if len(s.retryDelays) == 0 {
		s.retryDelays = []time.Duration{10 * time.Second, 30 * time.Second, 60 * time.Second}
	}
	if s.dust == 0 {
		s.dust = 1_000_000
	}
	if s.settleDelay <= 0 {
		s.settleDelay = 2 * time.Second
	}
	if s.gracePeriod <= 0 {
		s.gracePeriod = 5 * time.Minute
	}
	if s.scanInterval <= 0 {
		s.scanInterval = 5 * time.Minute
	}
	if s.walletDelay <= 0 {
		s.walletDelay = 2 * time.Second
	}
	return s
}

func (s *Service) delayBefore(attempt int) time.Duration {
	if attempt-1 < len(s.retryDelays) {
		return s.retryDelays[attempt-1]
	}
	return s.retryDelays[len(s.retryDelays)-1]
}

// SweepWithRetry makes up to maxAttempts sweep attempts with increasing
// delays between them. Success is validated independently of the sweep call:
// the ephemeral wallet's residual balance must drop below the dust threshold.
// Attempt count and last error are persisted after every attempt. It never
// propagates an error to the caller.
func (s *Service) SweepWithRetry(ctx context.Context, ephemeral solana.PrivateKey, vaultAddress, mint, sessionID string) Result {
	address := ephemeral.PublicKey().String()

	s.events.Emit(ctx, events.Event{Type: events.TypeSweepStarted, SessionID: sessionID, Wallet: address})

	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		err := s.wallets.Sweep(ctx, ephemeral, vaultAddress, mint)
		if err == nil {
			err = s.validateSwept(ctx, address)
		}

		msg := ""
		if err != nil {
			msg = err.Error()
		}
		if perr := s.store.RecordSweepAttempt(ctx, address, msg); perr != nil {
			logger.Logrus.WithFields(logrus.Fields{"Address": address, "ErrMsg": perr}).Error("persist sweep attempt failed")
		}

		if err == nil {
			logger.Logrus.WithFields(logrus.Fields{"Address": address, "SessionID": sessionID, "Attempt": attempt}).Info("sweep validated")
			s.events.Emit(ctx, events.Event{Type: events.TypeSweepCompleted, SessionID: sessionID, Wallet: address})
			return Result{Success: true}
		}

		lastErr = err
		logger.Logrus.WithFields(logrus.Fields{"Address": address, "SessionID": sessionID, "Attempt": attempt, "ErrMsg": err}).Warn("sweep attempt failed")

		if attempt == s.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return Result{Success: false, Err: ctx.Err()}
		case <-time.After(s.delayBefore(attempt)):
		}
	}

	s.events.Emit(ctx, events.Event{Type: events.TypeSweepFailed, SessionID: sessionID, Wallet: address, Data: map[string]interface{}{"error": lastErr.Error()}})
	return Result{Success: false, Err: lastErr}
}

// validateSwept re-reads the wallet balance after a settlement delay; a
// residual at or below the dust threshold counts as swept.
func (s *Service) validateSwept(ctx context.Context, address string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.settleDelay):
	}

	balance, err := s.wallets.GetBalance(ctx, address)
	if err != nil {
		return err
	}
	if balance > s.dust {
		return fmt.Errorf("residual balance %d lamports above dust threshold %d", balance, s.dust)
	}
	return nil
}

// Run starts the periodic stranded-wallet scan. Stop tears it down.
func (s *Service) Run() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.scanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.scanStranded(ctx)
			}
		}
	}()
}

func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Service) scanStranded(ctx context.Context) {
	stranded, err := s.store.UnsweptWalletsOlderThan(ctx, s.gracePeriod)
	if err != nil {
		logger.Logrus.WithFields(logrus.Fields{"ErrMsg": err}).Error("stranded wallet scan failed")
		return
	}
	if len(stranded) == 0 {
		return
	}

	logger.Logrus.WithFields(logrus.Fields{"Count": len(stranded)}).Info("stranded wallets found")

	for i := range stranded {
		if ctx.Err() != nil {
			return
		}
		w := stranded[i]

		balance, err := s.wallets.GetBalance(ctx, w.Address)
		if err == nil && balance <= s.dust {
			// nothing worth recovering
			if merr := s.store.MarkWalletSwept(ctx, w.Address, ""); merr != nil {
				logger.Logrus.WithFields(logrus.Fields{"Address": w.Address, "ErrMsg": merr}).Error("mark dust wallet swept failed")
			}
			continue
		}

		sess, serr := s.store.GetSession(ctx, w.SessionID)
		if serr != nil || w.SessionID == "" {
			// never silently discard a wallet that still holds funds
			logger.Logrus.WithFields(logrus.Fields{"Address": w.Address, "SessionID": w.SessionID}).Error("stranded wallet has no resolvable session, manual intervention required")
			continue
		}

		key, kerr := s.wallets.Keypair(&w)
		if kerr != nil {
			logger.Logrus.WithFields(logrus.Fields{"Address": w.Address, "ErrMsg": kerr}).Error("stranded wallet key unusable, manual intervention required")
			continue
		}

		res := s.SweepWithRetry(ctx, key, sess.VaultAddress, sess.TokenMint, sess.ID)
		if !res.Success {
			logger.Logrus.WithFields(logrus.Fields{"Address": w.Address, "SessionID": sess.ID, "ErrMsg": res.Err}).Warn("stranded wallet recovery failed")
		}

		// rate-limit between wallets
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.walletDelay):
		}
	}
}
