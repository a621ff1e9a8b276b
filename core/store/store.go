// Package store is the persistence boundary: point lookups, filtered scans,
// atomic conditional status updates and trade appends. Durable invariants
// (no double funding-processing, monotonic status transitions) live here as
// compare-and-set updates, not in-process locks, so they survive restarts.
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"

	"github.com/amosehiguese/soltrader/core/apperr"
	"github.com/amosehiguese/soltrader/core/model"
)

type Store struct {
	db *bun.DB
}

func New(db *bun.DB) *Store {
	return &Store{db: db}
}

func (s *Store) CreateSession(ctx context.Context, sess *model.Session) error {
	if _, err := s.db.NewInsert().Model(sess).Exec(ctx); err != nil {
		return apperr.NewDatabase("CreateSession", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*model.Session, error) {
	sess := new(model.Session)
	err := s.db.NewSelect().Model(sess).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NewValidation("sessionId", "session %s not found", id)
	}
	if err != nil {
		return nil, apperr.NewDatabase("GetSession", err)
	}
	return sess, nil
}

// CompareAndSetStatus moves a session from one of the expected statuses to
// the target status in a single conditional update. It reports whether this
// caller won the transition.
func (s *Store) CompareAndSetStatus(ctx context.Context, id, to, reason string, from ...string) (bool, error) {
	q := s.db.NewUpdate().
		Model((*model.Session)(nil)).
		Set("status = ?", to).
		Set("status_reason = ?", reason).
		Where("id = ?", id).
		Where("status IN (?)", bun.In(from))

	if to == model.SessionStatusCompleted || to == model.SessionStatusStopped {
		q = q.Set("completed_at = ?", time.Now().UTC())
	}

	res, err := q.Exec(ctx)
	if err != nil {
		return false, apperr.NewDatabase("CompareAndSetStatus", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.NewDatabase("CompareAndSetStatus", err)
	}
	return n == 1, nil
}

// MarkSessionFunded fixes the initial tradable balance; it is set exactly
// once, at the funding event, and never recomputed.
func (s *Store) MarkSessionFunded(ctx context.Context, id string, initial uint64) error {
	now := time.Now().UTC()
	_, err := s.db.NewUpdate().
		Model((*model.Session)(nil)).
		Set("status = ?", model.SessionStatusFunded).
		Set("initial_balance = ?", initial).
		Set("current_balance = ?", initial).
		Set("funded_at = ?", now).
		Where("id = ?", id).
		Where("status = ?", model.SessionStatusFunding).
		Exec(ctx)
	if err != nil {
		return apperr.NewDatabase("MarkSessionFunded", err)
	}
	return nil
}

func (s *Store) UpdateSessionAfterTrade(ctx context.Context, id string, newBalance uint64, lastTradeType string) error {
	_, err := s.db.NewUpdate().
		Model((*model.Session)(nil)).
		Set("current_balance = ?", newBalance).
		Set("last_trade_type = ?", lastTradeType).
		Set("trade_count = trade_count + 1").
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return apperr.NewDatabase("UpdateSessionAfterTrade", err)
	}
	return nil
}

func (s *Store) InsertWallet(ctx context.Context, w *model.Wallet) error {
	if _, err := s.db.NewInsert().Model(w).Exec(ctx); err != nil {
		return apperr.NewDatabase("InsertWallet", err)
	}
	return nil
}

func (s *Store) GetWallet(ctx context.Context, address string) (*model.Wallet, error) {
	w := new(model.Wallet)
	err := s.db.NewSelect().Model(w).Where("address = ?", address).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NewValidation("address", "wallet %s not found", address)
	}
	if err != nil {
		return nil, apperr.NewDatabase("GetWallet", err)
	}
	return w, nil
}

func (s *Store) UpdateWalletStatus(ctx context.Context, address, status string) error {
	_, err := s.db.NewUpdate().
		Model((*model.Wallet)(nil)).
		Set("status = ?", status).
		Where("address = ?", address).
		Exec(ctx)
	if err != nil {
		return apperr.NewDatabase("UpdateWalletStatus", err)
	}
	return nil
}

// MarkWalletSwept is terminal for the wallet even on a partial sweep, so the
// recovery scanner does not retry an economically drained wallet forever.
func (s *Store) MarkWalletSwept(ctx context.Context, address, sweepErr string) error {
	now := time.Now().UTC()
	_, err := s.db.NewUpdate().
		Model((*model.Wallet)(nil)).
		Set("status = ?", model.WalletStatusSwept).
		Set("last_sweep_at = ?", now).
		Set("last_sweep_error = ?", sweepErr).
		Where("address = ?", address).
		Exec(ctx)
	if err != nil {
		return apperr.NewDatabase("MarkWalletSwept", err)
	}
	return nil
}

func (s *Store) RecordSweepAttempt(ctx context.Context, address, sweepErr string) error {
	now := time.Now().UTC()
	_, err := s.db.NewUpdate().
		Model((*model.Wallet)(nil)).
		Set("sweep_attempts = sweep_attempts + 1").
		Set("last_sweep_at = ?", now).
		Set("last_sweep_error = ?", sweepErr).
		Where("address = ?", address).
		Exec(ctx)
	if err != nil {
		return apperr.NewDatabase("RecordSweepAttempt", err)
	}
	return nil
}

// UnsweptWalletsOlderThan lists ephemeral wallets that were never swept and
// whose age exceeds the grace period, oldest first.
func (s *Store) UnsweptWalletsOlderThan(ctx context.Context, age time.Duration) ([]model.Wallet, error) {
	cutoff := time.Now().UTC().Add(-age)
	var out []model.Wallet
	err := s.db.NewSelect().
		Model(&out).
		Where("kind = ?", model.WalletKindEphemeral).
		Where("status != ?", model.WalletStatusSwept).
		Where("created_at < ?", cutoff).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, apperr.NewDatabase("UnsweptWalletsOlderThan", err)
	}
	return out, nil
}

func (s *Store) AppendTrade(ctx context.Context, t *model.TradeRecord) error {
	if _, err := s.db.NewInsert().Model(t).Exec(ctx); err != nil {
		return apperr.NewDatabase("AppendTrade", err)
	}
	return nil
}

type TradeStats struct {
	Total   int64
	Failed  int64
	Volume  uint64
	FirstAt *time.Time
	LastAt  *time.Time
}

func (s *Store) SessionTradeStats(ctx context.Context, sessionID string) (*TradeStats, error) {
	var row struct {
		Total   int64      `bun:"total"`
		Failed  int64      `bun:"failed"`
		Volume  uint64     `bun:"volume"`
		FirstAt *time.Time `bun:"first_at"`
		LastAt  *time.Time `bun:"last_at"`
	}
	err := s.db.NewSelect().
		Model((*model.TradeRecord)(nil)).
		ColumnExpr("count(*) AS total").
		ColumnExpr("count(*) FILTER (WHERE NOT success) AS failed").
		ColumnExpr("coalesce(sum(amount_in) FILTER (WHERE success), 0) AS volume").
		ColumnExpr("min(created_at) AS first_at").
		ColumnExpr("max(created_at) AS last_at").
		Where("session_id = ?", sessionID).
		Scan(ctx, &row)
	if err != nil {
		return nil, apperr.NewDatabase("SessionTradeStats", err)
	}
	return &TradeStats{Total: row.Total, Failed: row.Failed, Volume: row.Volume, FirstAt: row.FirstAt, LastAt: row.LastAt}, nil
}
