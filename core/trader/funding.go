package trader

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/amosehiguese/soltrader/core/events"
	"github.com/amosehiguese/soltrader/core/model"
	"github.com/amosehiguese/soltrader/utils/logger"
)

// CreateSession provisions a vault wallet, persists the session and
// registers the balance monitor that drives funding detection.
func (o *Orchestrator) CreateSession(ctx context.Context, tokenMint, tokenSymbol string, tokenDecimals int64, tierName string, autotrade bool) (*model.Session, error) {
	if _, err := o.tierFor(tierName); err != nil {
		return nil, err
	}

	sessionID := uuid.NewString()
	vault, err := o.wallets.Create(ctx, sessionID, model.WalletKindVault)
	if err != nil {
		return nil, err
	}

	sess := &model.Session{
		ID:            sessionID,
		TokenMint:     tokenMint,
		TokenSymbol:   tokenSymbol,
		TokenDecimals: tokenDecimals,
		Tier:          tierName,
		VaultAddress:  vault.Address,
		Autotrade:     autotrade,
		Status:        model.SessionStatusCreated,
		CreatedAt:     time.Now().UTC(),
	}
	if err := o.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	if err := o.wallets.MonitorBalance(vault.Address, func(lamports uint64) {
		o.HandleFunding(sessionID, lamports)
	}); err != nil {
		return nil, err
	}

	logger.Logrus.WithFields(logrus.Fields{"SessionID": sess.ID, "Vault": vault.Address, "Tier": tierName}).Info("session created, awaiting funding")
	return sess, nil
}

// HandleFunding processes a detected deposit: a conditional created→funding
// transition guards against the balance callback firing twice, then the
// retained revenue share is split off and the remainder becomes the fixed
// initial tradable balance.
func (o *Orchestrator) HandleFunding(sessionID string, lamports uint64) {
	ctx := context.Background()

	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		logger.Logrus.WithFields(logrus.Fields{"SessionID": sessionID, "ErrMsg": err}).Error("funding callback for unknown session")
		return
	}

	tier, err := o.tierFor(sess.Tier)
	if err != nil {
		logger.Logrus.WithFields(logrus.Fields{"SessionID": sessionID, "ErrMsg": err}).Error("funding callback with unknown tier")
		return
	}

	minLamports := uint64(tier.MinFundingSOL * float64(solana.LAMPORTS_PER_SOL))
	if lamports < minLamports {
		logger.Logrus.WithFields(logrus.Fields{"SessionID": sessionID, "Lamports": lamports, "Required": minLamports}).Debug("deposit below tier minimum, waiting for more")
		return
	}

	// exactly one callback wins this transition; the rest are no-ops
	won, err := o.store.CompareAndSetStatus(ctx, sessionID, model.SessionStatusFunding, "funding detected",
		model.SessionStatusCreated)
	if err != nil {
		logger.Logrus.WithFields(logrus.Fields{"SessionID": sessionID, "ErrMsg": err}).Error("funding transition failed")
		return
	}
	if !won {
		return
	}

	o.events.Emit(ctx, events.Event{Type: events.TypeFundingDetected, SessionID: sessionID, Wallet: sess.VaultAddress, Data: map[string]interface{}{"lamports": lamports}})
	logger.Logrus.WithFields(logrus.Fields{"SessionID": sessionID, "Lamports": lamports}).Info("funding detected")

	initial := lamports
	if o.cfg.RevenueSharePct > 0 && o.cfg.RevenueAddress != "" {
		retained := uint64(float64(lamports) * o.cfg.RevenueSharePct / 100)
		if retained > 0 {
			sig, terr := o.wallets.TransferFunds(ctx, sess.VaultAddress, o.cfg.RevenueAddress, retained)
			if terr != nil {
				// trade with the full amount rather than aborting the session
				logger.Logrus.WithFields(logrus.Fields{"SessionID": sessionID, "ErrMsg": terr}).Error("revenue transfer failed")
			} else {
				initial = lamports - retained
				o.events.Emit(ctx, events.Event{Type: events.TypeRevenueTransfer, SessionID: sessionID, Data: map[string]interface{}{"lamports": retained, "signature": sig}})
			}
		}
	}

	maxLamports := uint64(tier.MaxFundingSOL * float64(solana.LAMPORTS_PER_SOL))
	if maxLamports > 0 && initial > maxLamports {
		logger.Logrus.WithFields(logrus.Fields{"SessionID": sessionID, "Lamports": initial, "TierMax": maxLamports}).Warn("deposit exceeds tier maximum, capping tradable balance")
		initial = maxLamports
	}

	if err := o.store.MarkSessionFunded(ctx, sessionID, initial); err != nil {
		logger.Logrus.WithFields(logrus.Fields{"SessionID": sessionID, "ErrMsg": err}).Error("mark session funded failed")
		return
	}

	// funding is a one-shot observation; free the subscription slot
	o.wallets.StopMonitoring(sess.VaultAddress)

	if sess.Autotrade {
		if err := o.Start(sessionID); err != nil {
			logger.Logrus.WithFields(logrus.Fields{"SessionID": sessionID, "ErrMsg": err}).Error("autostart failed")
		}
	}
}
