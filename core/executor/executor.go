// Package executor executes swaps through a Jupiter-compatible aggregator:
// quote, build, sign and submit, with slippage escalating across attempts up
// to the per-request ceiling.
package executor

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/sirupsen/logrus"

	"github.com/amosehiguese/soltrader/config"
	"github.com/amosehiguese/soltrader/core/apperr"
	"github.com/amosehiguese/soltrader/core/model"
	"github.com/amosehiguese/soltrader/core/pricer"
	"github.com/amosehiguese/soltrader/core/rpcpool"
	"github.com/amosehiguese/soltrader/core/trader"
	"github.com/amosehiguese/soltrader/utils/logger"
)

type Service struct {
	pool        *rpcpool.Pool
	host        string
	baseBps     int64
	client      *http.Client
	sendTimeout time.Duration
}

func New(pool *rpcpool.Pool, cfg config.ExecutorConfig) *Service {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	baseBps := cfg.BaseSlippageBps
	if baseBps <= 0 {
		baseBps = 50
	}
	return &Service{
		pool:        pool,
		host:        cfg.Host,
		baseBps:     baseBps,
		client:      &http.Client{Timeout: timeout},
		sendTimeout: timeout,
	}
}

type quoteResponse struct {
	Raw            json.RawMessage
	InAmount       uint64
	OutAmount      uint64
	PriceImpactPct float64
}

// slippageLadder spreads attempts between the configured base and the
// request ceiling.
func (s *Service) slippageLadder(maxBps int64) []int64 {
	if maxBps <= s.baseBps {
		return []int64{s.baseBps}
	}
	return []int64{s.baseBps, (s.baseBps + maxBps) / 2, maxBps}
}

func (s *Service) Execute(ctx context.Context, req trader.ExecRequest) (*trader.ExecResult, error) {
	inputMint, outputMint := pricer.SolMint, req.TokenMint
	if req.Direction == model.TradeDirectionSell {
		inputMint, outputMint = req.TokenMint, pricer.SolMint
	}

	var lastErr error
	for _, bps := range s.slippageLadder(req.MaxSlippageBps) {
		quote, err := s.quote(ctx, inputMint, outputMint, req.Amount, bps)
		if err != nil {
			lastErr = err
			continue
		}

		sig, err := s.swap(ctx, req.Wallet, quote)
		if err != nil {
			lastErr = err
			logger.Logrus.WithFields(logrus.Fields{"SessionID": req.SessionID, "SlippageBps": bps, "ErrMsg": err}).Warn("swap attempt failed, escalating slippage")
			continue
		}

		return &trader.ExecResult{
			AmountIn:       quote.InAmount,
			AmountOut:      quote.OutAmount,
			Signature:      sig,
			PriceImpactPct: quote.PriceImpactPct,
		}, nil
	}
	if lastErr == nil {
		lastErr = apperr.NewNetwork("Execute", fmt.Errorf("no swap route for %s", req.TokenMint))
	}
	return nil, lastErr
}

func (s *Service) quote(ctx context.Context, inputMint, outputMint string, amount uint64, slippageBps int64) (*quoteResponse, error) {
	url := fmt.Sprintf("%s/quote?inputMint=%s&outputMint=%s&amount=%d&slippageBps=%d",
		s.host, inputMint, outputMint, amount, slippageBps)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperr.NewNetwork("Quote", err)
	}
	res, err := s.client.Do(httpReq)
	if err != nil {
		return nil, apperr.NewNetwork("Quote", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, apperr.NewNetwork("Quote", fmt.Errorf("response failed, %s", res.Status))
	}

	var body struct {
		InAmount       string `json:"inAmount"`
		OutAmount      string `json:"outAmount"`
		PriceImpactPct string `json:"priceImpactPct"`
	}
	var raw json.RawMessage
	if err := json.NewDecoder(res.Body).Decode(&raw); err != nil {
		return nil, apperr.NewNetwork("Quote", err)
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, apperr.NewNetwork("Quote", err)
	}

	in, _ := strconv.ParseUint(body.InAmount, 10, 64)
	out, _ := strconv.ParseUint(body.OutAmount, 10, 64)
	impact, _ := strconv.ParseFloat(body.PriceImpactPct, 64)
	if out == 0 {
		return nil, apperr.NewNetwork("Quote", fmt.Errorf("empty quote for %s -> %s", inputMint, outputMint))
	}

	return &quoteResponse{
		Raw:            raw,
		InAmount:       in,
		OutAmount:      out,
		PriceImpactPct: impact,
	}, nil
}

// swap asks the aggregator to build the transaction around the quote, then
// signs it with the ephemeral key and submits it through the pool.
func (s *Service) swap(ctx context.Context, signer solana.PrivateKey, quote *quoteResponse) (string, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"quoteResponse":    quote.Raw,
		"userPublicKey":    signer.PublicKey().String(),
		"wrapAndUnwrapSol": true,
	})
	if err != nil {
		return "", apperr.NewNetwork("Swap", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.host+"/swap", bytes.NewReader(payload))
	if err != nil {
		return "", apperr.NewNetwork("Swap", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := s.client.Do(httpReq)
	if err != nil {
		return "", apperr.NewNetwork("Swap", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return "", apperr.NewNetwork("Swap", fmt.Errorf("response failed, %s", res.Status))
	}

	var body struct {
		SwapTransaction string `json:"swapTransaction"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return "", apperr.NewNetwork("Swap", err)
	}

	rawTx, err := base64.StdEncoding.DecodeString(body.SwapTransaction)
	if err != nil {
		return "", apperr.NewValidation("swapTransaction", "decode: %v", err)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(rawTx))
	if err != nil {
		return "", apperr.NewValidation("swapTransaction", "deserialize: %v", err)
	}

	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if signer.PublicKey().Equals(key) {
			return &signer
		}
		return nil
	}); err != nil {
		return "", apperr.NewEncryption("sign: %v", err)
	}

	client, url := s.pool.Acquire("")
	cctx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	defer cancel()

	start := time.Now()
	sig, err := client.SendTransactionWithOpts(cctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		s.pool.RecordFailure(url)
		return "", apperr.NewNetwork("SendTransaction", err)
	}
	s.pool.RecordSuccess(url, time.Since(start))

	return sig.String(), nil
}
