// Package wallet owns key generation, encryption at rest, balance
// observation and the transfer/sweep primitives for vault and ephemeral
// wallets. Nothing outside this package decrypts key material, and decrypted
// keys live in memory only for the duration of a signing operation.
package wallet

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/sirupsen/logrus"

	"github.com/amosehiguese/soltrader/config"
	"github.com/amosehiguese/soltrader/core/apperr"
	"github.com/amosehiguese/soltrader/core/model"
	"github.com/amosehiguese/soltrader/core/redis"
	"github.com/amosehiguese/soltrader/core/retry"
	"github.com/amosehiguese/soltrader/core/rpcpool"
	"github.com/amosehiguese/soltrader/utils/logger"
)

// ErrTokenAccountNotFound is the distinct condition for a token transfer
// whose source associated account does not exist.
var ErrTokenAccountNotFound = errors.New("associated token account not found")

type Store interface {
	InsertWallet(ctx context.Context, w *model.Wallet) error
	GetWallet(ctx context.Context, address string) (*model.Wallet, error)
	UpdateWalletStatus(ctx context.Context, address, status string) error
	MarkWalletSwept(ctx context.Context, address, sweepErr string) error
}

type Manager struct {
	pool  *rpcpool.Pool
	store Store
	box   *keyBox

	feeReserve   uint64
	settleDelay  time.Duration
	pollInterval time.Duration
	reqTimeout   time.Duration
	balanceRetry retry.Policy

	mu       sync.Mutex
	monitors map[string]*monitorEntry

	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

func NewManager(pool *rpcpool.Pool, st Store, cfg config.WalletConfig, rpcCfg config.RPCConfig) (*Manager, error) {
	box, err := newKeyBox(cfg.EncryptionSecret, cfg.EncryptionSalt)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		pool:         pool,
		store:        st,
		box:          box,
		feeReserve:   cfg.FeeReserve,
		settleDelay:  time.Duration(cfg.SettleDelaySec) * time.Second,
		pollInterval: time.Duration(cfg.PollIntervalSec) * time.Second,
		reqTimeout:   time.Duration(rpcCfg.RequestTimeoutSec) * time.Second,
		balanceRetry: retry.Policy{MaxAttempts: 3, BaseDelay: time.Second, Shape: retry.Linear},
		monitors:     make(map[string]*monitorEntry),
	}
	if m.feeReserve == 0 {
		m.feeReserve = 5000
	}
	if m.settleDelay <= 0 {
		m.settleDelay = 2 * time.Second
	}
	if m.pollInterval <= 0 {
		m.pollInterval = 10 * time.Second
	}
	if m.reqTimeout <= 0 {
		m.reqTimeout = 15 * time.Second
	}
	return m, nil
}

// Create generates a keypair, encrypts the private key and persists the
// wallet record. The clear key is discarded before returning.
func (m *Manager) Create(ctx context.Context, sessionID, kind string) (*model.Wallet, error) {
	priv, err := solana.NewRandomPrivateKey()
	if err != nil {
		return nil, apperr.NewEncryption("keygen: %v", err)
	}

	encrypted, err := m.box.Encrypt(priv)
	if err != nil {
		return nil, err
	}

	w := &model.Wallet{
		Address:      priv.PublicKey().String(),
		EncryptedKey: encrypted,
		Kind:         kind,
		SessionID:    sessionID,
		Status:       model.WalletStatusCreated,
		CreatedAt:    time.Now().UTC(),
	}
	if err := m.store.InsertWallet(ctx, w); err != nil {
		return nil, err
	}

	logger.Logrus.WithFields(logrus.Fields{"Address": w.Address, "Kind": kind, "SessionID": sessionID}).Info("wallet created")
	return w, nil
}

// Keypair decrypts a wallet's private key. Callers hold the result only for
// the duration of a signing operation.
func (m *Manager) Keypair(w *model.Wallet) (solana.PrivateKey, error) {
	raw, err := m.box.Decrypt(w.EncryptedKey)
	if err != nil {
		return nil, err
	}
	return solana.PrivateKey(raw), nil
}

func (m *Manager) keypairFor(ctx context.Context, address string) (solana.PrivateKey, error) {
	w, err := m.store.GetWallet(ctx, address)
	if err != nil {
		return nil, err
	}
	return m.Keypair(w)
}

func balanceCacheKey(address string) string {
	return "wallet:balance:" + address
}

// GetBalance returns the confirmed SOL balance in lamports. Transient RPC
// failures retry with linear backoff; on total failure the last cached
// balance is returned if one exists.
func (m *Manager) GetBalance(ctx context.Context, address string) (uint64, error) {
	pub, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return 0, apperr.NewValidation("address", "invalid address %s: %v", address, err)
	}

	var out uint64
	err = m.balanceRetry.Do(ctx, func() error {
		client, url := m.pool.Acquire("")
		cctx, cancel := context.WithTimeout(ctx, m.reqTimeout)
		defer cancel()

		start := time.Now()
		res, rerr := client.GetBalance(cctx, pub, rpc.CommitmentConfirmed)
		if rerr != nil {
			m.pool.RecordFailure(url)
			return rerr
		}
		m.pool.RecordSuccess(url, time.Since(start))
		out = res.Value
		return nil
	})
	if err != nil {
		if cached, cerr := redis.Get(ctx, balanceCacheKey(address)); cerr == nil {
			if v, perr := strconv.ParseUint(cached, 10, 64); perr == nil {
				logger.Logrus.WithFields(logrus.Fields{"Address": address, "ErrMsg": err}).Warn("balance query failed, using cached value")
				return v, nil
			}
		}
		return 0, apperr.NewNetwork("GetBalance", err)
	}

	if cerr := redis.Set(ctx, balanceCacheKey(address), strconv.FormatUint(out, 10), time.Hour); cerr != nil {
		logger.Logrus.WithFields(logrus.Fields{"Address": address, "ErrMsg": cerr}).Debug("balance cache write failed")
	}
	return out, nil
}

func isMissingAccountErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "could not find account") || strings.Contains(msg, "invalid param")
}

// GetTokenBalance returns the raw token amount held by address for mint.
// A nonexistent token account is 0, not an error.
func (m *Manager) GetTokenBalance(ctx context.Context, address, mint string) (uint64, error) {
	owner, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return 0, apperr.NewValidation("address", "invalid address %s: %v", address, err)
	}
	mintPub, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return 0, apperr.NewValidation("mint", "invalid mint %s: %v", mint, err)
	}

	ata, _, err := solana.FindAssociatedTokenAddress(owner, mintPub)
	if err != nil {
		return 0, apperr.NewValidation("mint", "derive associated account: %v", err)
	}

	client, url := m.pool.Acquire("")
	cctx, cancel := context.WithTimeout(ctx, m.reqTimeout)
	defer cancel()

	start := time.Now()
	res, err := client.GetTokenAccountBalance(cctx, ata, rpc.CommitmentConfirmed)
	if err != nil {
		if isMissingAccountErr(err) {
			return 0, nil
		}
		m.pool.RecordFailure(url)
		return 0, apperr.NewNetwork("GetTokenBalance", err)
	}
	m.pool.RecordSuccess(url, time.Since(start))

	amount, err := strconv.ParseUint(res.Value.Amount, 10, 64)
	if err != nil {
		return 0, apperr.NewNetwork("GetTokenBalance", err)
	}
	return amount, nil
}

func (m *Manager) sendInstructions(ctx context.Context, signer solana.PrivateKey, instrs []solana.Instruction) (solana.Signature, error) {
	client, url := m.pool.Acquire("")
	cctx, cancel := context.WithTimeout(ctx, m.reqTimeout)
	defer cancel()

	recent, err := client.GetLatestBlockhash(cctx, rpc.CommitmentFinalized)
	if err != nil {
		m.pool.RecordFailure(url)
		return solana.Signature{}, apperr.NewNetwork("GetLatestBlockhash", err)
	}

	tx, err := solana.NewTransaction(instrs, recent.Value.Blockhash, solana.TransactionPayer(signer.PublicKey()))
	if err != nil {
		return solana.Signature{}, apperr.NewValidation("transaction", "build: %v", err)
	}

	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if signer.PublicKey().Equals(key) {
			return &signer
		}
		return nil
	}); err != nil {
		return solana.Signature{}, apperr.NewEncryption("sign: %v", err)
	}

	start := time.Now()
	sig, err := client.SendTransactionWithOpts(cctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		m.pool.RecordFailure(url)
		return solana.Signature{}, apperr.NewNetwork("SendTransaction", err)
	}
	m.pool.RecordSuccess(url, time.Since(start))
	return sig, nil
}

// TransferFunds moves lamports between two managed wallets and returns the
// transaction signature.
func (m *Manager) TransferFunds(ctx context.Context, fromAddress, toAddress string, lamports uint64) (string, error) {
	to, err := solana.PublicKeyFromBase58(toAddress)
	if err != nil {
		return "", apperr.NewValidation("toAddress", "invalid address %s: %v", toAddress, err)
	}

	signer, err := m.keypairFor(ctx, fromAddress)
	if err != nil {
		return "", err
	}

	instr := system.NewTransferInstruction(lamports, signer.PublicKey(), to).Build()
	sig, err := m.sendInstructions(ctx, signer, []solana.Instruction{instr})
	if err != nil {
		return "", err
	}

	logger.Logrus.WithFields(logrus.Fields{"From": fromAddress, "To": toAddress, "Lamports": lamports, "Signature": sig.String()}).Info("transfer submitted")
	return sig.String(), nil
}

// TransferToken moves raw token units between two wallets' associated
// accounts, creating the destination account when needed. A missing source
// account surfaces ErrTokenAccountNotFound.
func (m *Manager) TransferToken(ctx context.Context, fromAddress, toAddress, mint string, amount uint64) (string, error) {
	to, err := solana.PublicKeyFromBase58(toAddress)
	if err != nil {
		return "", apperr.NewValidation("toAddress", "invalid address %s: %v", toAddress, err)
	}
	mintPub, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return "", apperr.NewValidation("mint", "invalid mint %s: %v", mint, err)
	}

	signer, err := m.keypairFor(ctx, fromAddress)
	if err != nil {
		return "", err
	}
	owner := signer.PublicKey()

	srcATA, _, err := solana.FindAssociatedTokenAddress(owner, mintPub)
	if err != nil {
		return "", apperr.NewValidation("mint", "derive associated account: %v", err)
	}

	srcBalance, err := m.GetTokenBalance(ctx, fromAddress, mint)
	if err != nil {
		return "", err
	}
	if srcBalance == 0 {
		return "", ErrTokenAccountNotFound
	}
	if amount > srcBalance {
		return "", apperr.NewInsufficientBalance(srcBalance, amount, "reduce the token amount")
	}

	dstATA, _, err := solana.FindAssociatedTokenAddress(to, mintPub)
	if err != nil {
		return "", apperr.NewValidation("mint", "derive associated account: %v", err)
	}

	instrs := []solana.Instruction{}
	if bal, err := m.GetTokenBalance(ctx, toAddress, mint); err == nil && bal == 0 {
		instrs = append(instrs, associatedtokenaccount.NewCreateInstruction(owner, to, mintPub).Build())
	}
	instrs = append(instrs, token.NewTransferInstruction(amount, srcATA, dstATA, owner, nil).Build())

	sig, err := m.sendInstructions(ctx, signer, instrs)
	if err != nil {
		return "", err
	}

	logger.Logrus.WithFields(logrus.Fields{"From": fromAddress, "To": toAddress, "Mint": mint, "Amount": amount, "Signature": sig.String()}).Info("token transfer submitted")
	return sig.String(), nil
}

// Sweep reclaims everything left in an ephemeral wallet: first the token
// balance plus the token account's rent (by closing it), then after a short
// settlement delay the remaining SOL above the fee reserve. The wallet is
// marked swept in storage regardless of partial failure so an economically
// drained wallet is never retried forever.
func (m *Manager) Sweep(ctx context.Context, ephemeral solana.PrivateKey, vaultAddress, mint string) (err error) {
	ephAddress := ephemeral.PublicKey().String()

	defer func() {
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		if serr := m.store.MarkWalletSwept(context.Background(), ephAddress, msg); serr != nil {
			logger.Logrus.WithFields(logrus.Fields{"Address": ephAddress, "ErrMsg": serr}).Error("mark wallet swept failed")
		}
	}()

	vault, err := solana.PublicKeyFromBase58(vaultAddress)
	if err != nil {
		return apperr.NewValidation("vaultAddress", "invalid address %s: %v", vaultAddress, err)
	}

	if mint != "" {
		if terr := m.sweepTokenLeg(ctx, ephemeral, vault, mint); terr != nil {
			// token leg failure still allows the SOL leg; keep it for audit
			logger.Logrus.WithFields(logrus.Fields{"Address": ephAddress, "Mint": mint, "ErrMsg": terr}).Warn("sweep token leg failed")
			err = terr
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.settleDelay):
	}

	balance, berr := m.GetBalance(ctx, ephAddress)
	if berr != nil {
		if err == nil {
			err = berr
		}
		return err
	}

	if balance > m.feeReserve {
		instr := system.NewTransferInstruction(balance-m.feeReserve, ephemeral.PublicKey(), vault).Build()
		if _, serr := m.sendInstructions(ctx, ephemeral, []solana.Instruction{instr}); serr != nil {
			if err == nil {
				err = serr
			}
			return err
		}
		logger.Logrus.WithFields(logrus.Fields{"Address": ephAddress, "Vault": vaultAddress, "Lamports": balance - m.feeReserve}).Info("sol sweep submitted")
	}

	return err
}

func (m *Manager) sweepTokenLeg(ctx context.Context, ephemeral solana.PrivateKey, vault solana.PublicKey, mint string) error {
	mintPub, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return apperr.NewValidation("mint", "invalid mint %s: %v", mint, err)
	}
	owner := ephemeral.PublicKey()

	srcATA, _, err := solana.FindAssociatedTokenAddress(owner, mintPub)
	if err != nil {
		return apperr.NewValidation("mint", "derive associated account: %v", err)
	}

	amount, err := m.GetTokenBalance(ctx, owner.String(), mint)
	if err != nil {
		return err
	}

	instrs := []solana.Instruction{}
	if amount > 0 {
		vaultATA, _, aerr := solana.FindAssociatedTokenAddress(vault, mintPub)
		if aerr != nil {
			return apperr.NewValidation("mint", "derive associated account: %v", aerr)
		}
		if bal, berr := m.GetTokenBalance(ctx, vault.String(), mint); berr == nil && bal == 0 {
			instrs = append(instrs, associatedtokenaccount.NewCreateInstruction(owner, vault, mintPub).Build())
		}
		instrs = append(instrs, token.NewTransferInstruction(amount, srcATA, vaultATA, owner, nil).Build())
	}

	// closing the account reclaims its rent; already closed is a non-error
	instrs = append(instrs, token.NewCloseAccountInstruction(srcATA, vault, owner, nil).Build())

	if _, err := m.sendInstructions(ctx, ephemeral, instrs); err != nil {
		if isMissingAccountErr(err) {
			return nil
		}
		return err
	}
	return nil
}

// DetectFundingSource returns the fee payer of the first transaction that
// increased the address's balance, classifying the funding origin.
func (m *Manager) DetectFundingSource(ctx context.Context, address string) (string, error) {
	pub, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return "", apperr.NewValidation("address", "invalid address %s: %v", address, err)
	}

	client, url := m.pool.Acquire("")
	cctx, cancel := context.WithTimeout(ctx, m.reqTimeout)
	defer cancel()

	limit := 20
	sigs, err := client.GetSignaturesForAddressWithOpts(cctx, pub, &rpc.GetSignaturesForAddressOpts{
		Limit:      &limit,
		Commitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		m.pool.RecordFailure(url)
		return "", apperr.NewNetwork("GetSignaturesForAddress", err)
	}
	m.pool.RecordSuccess(url, 0)

	// signatures come newest first; walk backwards to the earliest credit
	for i := len(sigs) - 1; i >= 0; i-- {
		if sigs[i].Err != nil {
			continue
		}

		txCtx, txCancel := context.WithTimeout(ctx, m.reqTimeout)
		res, terr := client.GetTransaction(txCtx, sigs[i].Signature, &rpc.GetTransactionOpts{
			Encoding:   solana.EncodingBase64,
			Commitment: rpc.CommitmentConfirmed,
		})
		txCancel()
		if terr != nil || res == nil || res.Meta == nil {
			continue
		}

		tx, terr := res.Transaction.GetTransaction()
		if terr != nil {
			continue
		}

		idx := -1
		for j, key := range tx.Message.AccountKeys {
			if key.Equals(pub) {
				idx = j
				break
			}
		}
		if idx < 0 || idx >= len(res.Meta.PreBalances) || idx >= len(res.Meta.PostBalances) {
			continue
		}

		if res.Meta.PostBalances[idx] > res.Meta.PreBalances[idx] && len(tx.Message.AccountKeys) > 0 {
			return tx.Message.AccountKeys[0].String(), nil
		}
	}

	return "", apperr.NewValidation("address", "no funding transaction found for %s", address)
}
