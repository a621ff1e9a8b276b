package trader

import (
	"math"
	"math/rand"

	"github.com/gagliardetto/solana-go"

	"github.com/amosehiguese/soltrader/config"
	"github.com/amosehiguese/soltrader/core/model"
)

const (
	tokenHeavyRatio = 0.75
	tokenLightRatio = 0.10
	ratioAdjustment = 0.20
)

type decideInput struct {
	BaseProb    float64
	MinProb     float64
	MaxProb     float64
	LastType    string
	Streak      int64
	StreakLimit int64
	// TokenRatio is the token share of the session's total value, 0..1.
	TokenRatio float64
}

func clampProb(p, lo, hi float64) float64 {
	if p < lo {
		return lo
	}
	if p > hi {
		return hi
	}
	return p
}

// decideDirection picks the next trade type with a biased coin: streaks at
// the configured limit force the opposite direction outright, otherwise the
// base buy probability is adjusted by the token/SOL value ratio and clamped
// into the safety band before sampling.
func decideDirection(rnd *rand.Rand, in decideInput) string {
	if in.StreakLimit > 0 && in.Streak >= in.StreakLimit {
		switch in.LastType {
		case model.TradeDirectionBuy:
			return model.TradeDirectionSell
		case model.TradeDirectionSell:
			return model.TradeDirectionBuy
		}
	}

	p := in.BaseProb
	if in.TokenRatio > tokenHeavyRatio {
		p -= ratioAdjustment
	}
	if in.TokenRatio < tokenLightRatio {
		p += ratioAdjustment
	}
	p = clampProb(p, in.MinProb, in.MaxProb)

	if rnd.Float64() < p {
		return model.TradeDirectionBuy
	}
	return model.TradeDirectionSell
}

// balanceRatio returns the token share of total session value in USD.
func balanceRatio(solLamports uint64, solPriceUSD float64, tokenRaw uint64, tokenPriceUSD float64, tokenDecimals int64) float64 {
	solUSD := float64(solLamports) / float64(solana.LAMPORTS_PER_SOL) * solPriceUSD
	tokenUSD := float64(tokenRaw) / math.Pow10(int(tokenDecimals)) * tokenPriceUSD
	total := solUSD + tokenUSD
	if total <= 0 {
		return 0
	}
	return tokenUSD / total
}

func sampleRange(rnd *rand.Rand, lo, hi float64) float64 {
	if hi <= lo {
		return lo
	}
	return lo + rnd.Float64()*(hi-lo)
}

func lamportsForUSD(usd, solPriceUSD float64) uint64 {
	if solPriceUSD <= 0 {
		return 0
	}
	return uint64(usd / solPriceUSD * float64(solana.LAMPORTS_PER_SOL))
}

// sizeBuyLamports samples the tier's percentage-of-balance range, then clamps
// to the tier's per-trade USD bounds and the available balance.
func sizeBuyLamports(rnd *rand.Rand, tier config.TierConfig, balance uint64, solPriceUSD float64) uint64 {
	pct := sampleRange(rnd, tier.BuyMinPct, tier.BuyMaxPct) / 100
	size := uint64(float64(balance) * pct)

	if lo := lamportsForUSD(tier.MinTradeUSD, solPriceUSD); lo > 0 && size < lo {
		size = lo
	}
	if hi := lamportsForUSD(tier.MaxTradeUSD, solPriceUSD); hi > 0 && size > hi {
		size = hi
	}
	if size > balance {
		size = balance
	}
	return size
}

// sizeSellTokens samples the tier's percentage-of-holdings range.
func sizeSellTokens(rnd *rand.Rand, tier config.TierConfig, tokenBalance uint64) uint64 {
	pct := sampleRange(rnd, tier.SellMinPct, tier.SellMaxPct) / 100
	size := uint64(float64(tokenBalance) * pct)
	if size > tokenBalance {
		size = tokenBalance
	}
	return size
}
