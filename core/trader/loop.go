package trader

import (
	"context"
	"math/rand"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/amosehiguese/soltrader/core/apperr"
	"github.com/amosehiguese/soltrader/core/events"
	"github.com/amosehiguese/soltrader/core/model"
	"github.com/amosehiguese/soltrader/core/pricer"
	"github.com/amosehiguese/soltrader/utils/logger"
)

// loopState is the in-memory per-session loop bookkeeping. It never outlives
// the loop goroutine; everything durable goes through the store.
type loopState struct {
	rnd                 *rand.Rand
	streakType          string
	streakLen           int64
	consecutiveFailures int64
}

// run is the cooperative per-session loop: one iteration at a time, stop
// observed at the top of each iteration so an in-flight trade and its sweep
// always finish.
func (o *Orchestrator) run(ctx context.Context, sessionID string) {
	st := &loopState{rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
	pausePoll := time.Duration(o.cfg.PausePollSec) * time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		sess, err := o.store.GetSession(ctx, sessionID)
		if err != nil {
			logger.Logrus.WithFields(logrus.Fields{"SessionID": sessionID, "ErrMsg": err}).Error("loop session load failed")
			if !o.sleep(ctx, pausePoll) {
				return
			}
			continue
		}

		switch sess.Status {
		case model.SessionStatusPaused:
			// stay alive but inert until resumed or stopped
			if !o.sleep(ctx, pausePoll) {
				return
			}
			continue
		case model.SessionStatusTrading:
		default:
			return
		}

		completed, err := o.iterate(ctx, st, sess)
		if completed || ctx.Err() != nil {
			return
		}

		if err != nil {
			st.consecutiveFailures++
			logger.Logrus.WithFields(logrus.Fields{"SessionID": sessionID, "Failures": st.consecutiveFailures, "ErrMsg": err}).Warn("trade iteration failed")

			if st.consecutiveFailures >= o.cfg.MaxConsecutiveFailures {
				// exit so a later Start rebuilds the loop and re-enters
				// trading through the usual CAS
				o.autoPause(sessionID, err)
				return
			}
		} else {
			st.consecutiveFailures = 0
		}

		if !o.sleep(ctx, o.tradeInterval(st.rnd)) {
			return
		}
	}
}

// autoPause parks a session that keeps failing rather than looping forever
// on a broken configuration. The caller exits its loop afterwards; Resume
// goes through Start and spins up a fresh one.
func (o *Orchestrator) autoPause(sessionID string, cause error) {
	ctx := context.Background()
	reason := "auto-paused after repeated trade failures: " + cause.Error()

	won, err := o.store.CompareAndSetStatus(ctx, sessionID, model.SessionStatusPaused, reason, model.SessionStatusTrading)
	if err != nil || !won {
		logger.Logrus.WithFields(logrus.Fields{"SessionID": sessionID, "ErrMsg": err}).Error("auto-pause status update failed")
		return
	}
	o.events.Emit(ctx, events.Event{Type: events.TypeSessionPaused, SessionID: sessionID, Data: map[string]interface{}{"reason": reason, "auto": true}})
	logger.Logrus.WithFields(logrus.Fields{"SessionID": sessionID, "Reason": reason}).Warn("session auto-paused")
}

func (o *Orchestrator) complete(sessionID, reason string) {
	ctx := context.Background()
	won, err := o.store.CompareAndSetStatus(ctx, sessionID, model.SessionStatusCompleted, reason, model.SessionStatusTrading)
	if err != nil || !won {
		logger.Logrus.WithFields(logrus.Fields{"SessionID": sessionID, "ErrMsg": err}).Error("completion status update failed")
		return
	}
	o.events.Emit(ctx, events.Event{Type: events.TypeSessionCompleted, SessionID: sessionID, Data: map[string]interface{}{"reason": reason}})
	logger.Logrus.WithFields(logrus.Fields{"SessionID": sessionID, "Reason": reason}).Info("session completed")
}

// iterate performs one trade cycle. The returned bool reports that the
// session reached completion and the loop must exit. Errors never escape the
// loop; they only count toward the auto-pause threshold.
func (o *Orchestrator) iterate(ctx context.Context, st *loopState, sess *model.Session) (bool, error) {
	tier, err := o.tierFor(sess.Tier)
	if err != nil {
		return false, err
	}

	balance, err := o.wallets.GetBalance(ctx, sess.VaultAddress)
	if err != nil {
		return false, err
	}

	if tier.MaxTrades > 0 && sess.TradeCount >= tier.MaxTrades {
		o.complete(sess.ID, "trade cap reached")
		return true, nil
	}

	minViable := o.minViableLamports(ctx)
	if balance <= minViable {
		o.complete(sess.ID, "balance depleted")
		return true, nil
	}

	tokenBalance, err := o.wallets.GetTokenBalance(ctx, sess.VaultAddress, sess.TokenMint)
	if err != nil {
		return false, err
	}

	solPrice, perr := o.pricer.PriceUSD(ctx, pricer.SolMint)
	if perr != nil || solPrice <= 0 {
		return false, perr
	}
	tokenPrice, perr := o.pricer.PriceUSD(ctx, sess.TokenMint)
	if perr != nil {
		tokenPrice = 0
	}

	direction := decideDirection(st.rnd, decideInput{
		BaseProb:    o.cfg.BaseBuyProbability,
		MinProb:     o.cfg.MinBuyProbability,
		MaxProb:     o.cfg.MaxBuyProbability,
		LastType:    st.streakType,
		Streak:      st.streakLen,
		StreakLimit: o.cfg.StreakLimit,
		TokenRatio:  balanceRatio(balance, solPrice, tokenBalance, tokenPrice, sess.TokenDecimals),
	})

	minBuy := lamportsForUSD(tier.MinTradeUSD, solPrice) + o.cfg.FeeBuffer + o.cfg.RentBuffer
	if direction == model.TradeDirectionBuy && balance < minBuy {
		if tokenBalance > 0 {
			direction = model.TradeDirectionSell
		} else {
			o.complete(sess.ID, "balance below minimum buy and no tokens to sell")
			return true, nil
		}
	}
	if direction == model.TradeDirectionSell && tokenBalance == 0 {
		if balance >= minBuy {
			direction = model.TradeDirectionBuy
		} else {
			o.complete(sess.ID, "no tokens to sell and balance below minimum buy")
			return true, nil
		}
	}

	var amount uint64
	if direction == model.TradeDirectionBuy {
		amount = sizeBuyLamports(st.rnd, tier, balance-o.cfg.FeeBuffer-o.cfg.RentBuffer, solPrice)
	} else {
		amount = sizeSellTokens(st.rnd, tier, tokenBalance)
	}
	if amount == 0 {
		return false, apperr.NewValidation("amount", "computed zero trade size for %s", direction)
	}

	execErr := o.executeViaEphemeral(ctx, st, sess, direction, amount)
	if execErr != nil {
		return false, execErr
	}

	st.streak(direction)
	return false, nil
}

func (st *loopState) streak(direction string) {
	if st.streakType == direction {
		st.streakLen++
	} else {
		st.streakType = direction
		st.streakLen = 1
	}
}

// executeViaEphemeral funds a disposable wallet with exactly the trade
// amount plus fee/rent buffers, delegates the swap, records the outcome and
// always sweeps the wallet back to the vault before returning.
func (o *Orchestrator) executeViaEphemeral(ctx context.Context, st *loopState, sess *model.Session, direction string, amount uint64) error {
	eph, err := o.wallets.Create(ctx, sess.ID, model.WalletKindEphemeral)
	if err != nil {
		return err
	}
	key, err := o.wallets.Keypair(eph)
	if err != nil {
		return err
	}

	if direction == model.TradeDirectionBuy {
		if _, err := o.wallets.TransferFunds(ctx, sess.VaultAddress, eph.Address, amount+o.cfg.FeeBuffer+o.cfg.RentBuffer); err != nil {
			return err
		}
	} else {
		if _, err := o.wallets.TransferFunds(ctx, sess.VaultAddress, eph.Address, o.cfg.FeeBuffer+o.cfg.RentBuffer); err != nil {
			return err
		}
		if _, err := o.wallets.TransferToken(ctx, sess.VaultAddress, eph.Address, sess.TokenMint, amount); err != nil {
			// reclaim the fee funding before reporting the failure
			o.sweepEphemeral(ctx, key, sess)
			return err
		}
	}

	res, execErr := o.exec.Execute(ctx, ExecRequest{
		SessionID:      sess.ID,
		TokenMint:      sess.TokenMint,
		Wallet:         key,
		Direction:      direction,
		Amount:         amount,
		MaxSlippageBps: o.cfg.MaxSlippageBps,
	})

	record := &model.TradeRecord{
		ID:        uuid.NewString(),
		SessionID: sess.ID,
		Direction: direction,
		AmountIn:  amount,
		Signature: model.SignatureNone,
		CreatedAt: time.Now().UTC(),
	}
	if execErr == nil {
		record.Success = true
		record.AmountIn = res.AmountIn
		record.AmountOut = res.AmountOut
		record.Signature = res.Signature
	} else {
		record.ErrMsg = execErr.Error()
	}
	if err := o.store.AppendTrade(ctx, record); err != nil {
		logger.Logrus.WithFields(logrus.Fields{"SessionID": sess.ID, "ErrMsg": err}).Error("append trade record failed")
	}

	// sweep in all cases, success or failure
	o.sweepEphemeral(ctx, key, sess)

	if execErr != nil {
		o.events.Emit(ctx, events.Event{Type: events.TypeTradeFailed, SessionID: sess.ID, Wallet: eph.Address, Data: map[string]interface{}{"direction": direction, "error": execErr.Error()}})
		return execErr
	}

	newBalance, err := o.wallets.GetBalance(ctx, sess.VaultAddress)
	if err == nil {
		// deposits made mid-session do not raise the recorded balance
		if newBalance > sess.InitialBalance {
			newBalance = sess.InitialBalance
		}
		if uerr := o.store.UpdateSessionAfterTrade(ctx, sess.ID, newBalance, direction); uerr != nil {
			logger.Logrus.WithFields(logrus.Fields{"SessionID": sess.ID, "ErrMsg": uerr}).Error("session trade update failed")
		}
	}

	o.events.Emit(ctx, events.Event{Type: events.TypeTradeCompleted, SessionID: sess.ID, Wallet: eph.Address, Data: map[string]interface{}{
		"direction": direction,
		"amountIn":  record.AmountIn,
		"amountOut": record.AmountOut,
		"signature": record.Signature,
	}})
	return nil
}

// sweepEphemeral waits for prior transactions to land, then reclaims the
// ephemeral wallet. Sweep failures are logged, not propagated; the stranded
// scanner is the backstop.
func (o *Orchestrator) sweepEphemeral(ctx context.Context, key solana.PrivateKey, sess *model.Session) {
	o.sleep(ctx, time.Duration(o.cfg.SettleDelaySec)*time.Second)
	if err := o.wallets.Sweep(ctx, key, sess.VaultAddress, sess.TokenMint); err != nil {
		logger.Logrus.WithFields(logrus.Fields{"SessionID": sess.ID, "Address": key.PublicKey().String(), "ErrMsg": err}).Warn("ephemeral sweep failed")
	}
}
