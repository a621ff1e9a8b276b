package model

import (
	"time"

	"github.com/uptrace/bun"
)

const (
	SessionStatusCreated   = "created"
	SessionStatusFunding   = "funding"
	SessionStatusFunded    = "funded"
	SessionStatusTrading   = "trading"
	SessionStatusPaused    = "paused"
	SessionStatusCompleted = "completed"
	SessionStatusStopped   = "stopped"
)

// Session is one funding-to-completion lifecycle for one vault wallet trading
// one token. Terminal rows are retained for audit, never deleted.
type Session struct {
	bun.BaseModel `bun:"table:trade_sessions,alias:ts"`

	ID             string     `bun:"id,pk"`
	TokenMint      string     `bun:"token_mint"`
	TokenSymbol    string     `bun:"token_symbol"`
	TokenDecimals  int64      `bun:"token_decimals"`
	Tier           string     `bun:"tier"`
	VaultAddress   string     `bun:"vault_address"`
	Autotrade      bool       `bun:"autotrade"`
	Status         string     `bun:"status"`
	InitialBalance uint64     `bun:"initial_balance"`
	CurrentBalance uint64     `bun:"current_balance"`
	LastTradeType  string     `bun:"last_trade_type"`
	TradeCount     int64      `bun:"trade_count"`
	StatusReason   string     `bun:"status_reason"`
	CreatedAt      time.Time  `bun:"created_at"`
	FundedAt       *time.Time `bun:"funded_at"`
	CompletedAt    *time.Time `bun:"completed_at"`
}

func (s *Session) IsTerminal() bool {
	return s.Status == SessionStatusCompleted || s.Status == SessionStatusStopped
}

// DepletionPct is the primary completion signal: the fraction of the initial
// tradable balance consumed so far.
func (s *Session) DepletionPct() float64 {
	if s.InitialBalance == 0 {
		return 0
	}
	spent := float64(s.InitialBalance) - float64(s.CurrentBalance)
	return spent / float64(s.InitialBalance) * 100
}
