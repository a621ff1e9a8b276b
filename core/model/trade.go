package model

import (
	"time"

	"github.com/uptrace/bun"
)

const (
	TradeDirectionBuy  = "buy"
	TradeDirectionSell = "sell"

	// SignatureNone is recorded when a swap failed before any signature was
	// obtained.
	SignatureNone = "none"
)

// TradeRecord is the immutable record of one attempted swap.
type TradeRecord struct {
	bun.BaseModel `bun:"table:trade_records,alias:tr"`

	ID        string    `bun:"id,pk"`
	SessionID string    `bun:"session_id"`
	Direction string    `bun:"direction"`
	AmountIn  uint64    `bun:"amount_in"`
	AmountOut uint64    `bun:"amount_out"`
	Signature string    `bun:"signature"`
	Success   bool      `bun:"success"`
	ErrMsg    string    `bun:"err_msg"`
	CreatedAt time.Time `bun:"created_at"`
}
