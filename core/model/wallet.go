package model

import (
	"time"

	"github.com/uptrace/bun"
)

const (
	WalletKindVault     = "vault"
	WalletKindEphemeral = "ephemeral"

	WalletStatusCreated = "created"
	WalletStatusFunded  = "funded"
	WalletStatusSwept   = "swept"
)

// Wallet is a keypair plus its encrypted private key and sweep bookkeeping.
// EncryptedKey is nonce:authTag:ciphertext, hex encoded; the clear key never
// touches storage or logs.
type Wallet struct {
	bun.BaseModel `bun:"table:wallets,alias:w"`

	Address        string     `bun:"address,pk"`
	EncryptedKey   string     `bun:"encrypted_key"`
	Kind           string     `bun:"kind"`
	SessionID      string     `bun:"session_id"`
	Status         string     `bun:"status"`
	SweepAttempts  int64      `bun:"sweep_attempts"`
	LastSweepAt    *time.Time `bun:"last_sweep_at"`
	LastSweepError string     `bun:"last_sweep_error"`
	CreatedAt      time.Time  `bun:"created_at"`
}
