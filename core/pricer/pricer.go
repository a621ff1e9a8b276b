// Package pricer resolves current USD prices for tokens, used to convert
// USD-denominated tier limits into lamports. Lookups go through a redis
// cache; when the oracle is unreachable the last cached price is used, then
// the configured default, so completion checks never block on the oracle.
package pricer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/amosehiguese/soltrader/config"
	"github.com/amosehiguese/soltrader/core/apperr"
	"github.com/amosehiguese/soltrader/core/redis"
	"github.com/amosehiguese/soltrader/utils/logger"
)

// SolMint is the wrapped SOL mint, the identifier used for SOL itself.
const SolMint = "So11111111111111111111111111111111111111112"

type Pricer struct {
	host       string
	defaultUSD float64
	cacheTTL   time.Duration
	client     *http.Client
}

func New(cfg config.PricerConfig) *Pricer {
	p := &Pricer{
		host:       cfg.Host,
		defaultUSD: cfg.DefaultPriceUSD,
		cacheTTL:   time.Duration(cfg.CacheTTLSec) * time.Second,
		client:     &http.Client{Timeout: time.Duration(cfg.TimeoutSec) * time.Second},
	}
	if p.cacheTTL <= 0 {
		p.cacheTTL = 10 * time.Minute
	}
	if p.client.Timeout <= 0 {
		p.client.Timeout = 10 * time.Second
	}
	return p
}

func cacheKey(mint string) string {
	return "price:usd:" + mint
}

func staleKey(mint string) string {
	return "price:usd:last:" + mint
}

type priceResponse struct {
	Data map[string]struct {
		Price float64 `json:"price"`
	} `json:"data"`
}

// PriceUSD returns the current USD price for mint.
func (p *Pricer) PriceUSD(ctx context.Context, mint string) (float64, error) {
	if cached, err := redis.Get(ctx, cacheKey(mint)); err == nil {
		if v, perr := strconv.ParseFloat(cached, 64); perr == nil && v > 0 {
			return v, nil
		}
	}

	price, err := p.fetch(ctx, mint)
	if err != nil {
		// stale cache first, configured default last
		if stale, serr := redis.Get(ctx, staleKey(mint)); serr == nil {
			if v, perr := strconv.ParseFloat(stale, 64); perr == nil && v > 0 {
				logger.Logrus.WithFields(logrus.Fields{"Mint": mint, "ErrMsg": err}).Warn("price oracle unreachable, using stale price")
				return v, nil
			}
		}
		if p.defaultUSD > 0 {
			logger.Logrus.WithFields(logrus.Fields{"Mint": mint, "ErrMsg": err}).Warn("price oracle unreachable, using default price")
			return p.defaultUSD, nil
		}
		return 0, err
	}

	val := strconv.FormatFloat(price, 'f', -1, 64)
	_ = redis.Set(ctx, cacheKey(mint), val, p.cacheTTL)
	// the stale copy has no expiry so an outage can always fall back
	_ = redis.Set(ctx, staleKey(mint), val, 0)

	return price, nil
}

func (p *Pricer) fetch(ctx context.Context, mint string) (float64, error) {
	url := fmt.Sprintf("%s/price?ids=%s", p.host, mint)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, apperr.NewNetwork("PriceUSD", err)
	}

	res, err := p.client.Do(req)
	if err != nil {
		return 0, apperr.NewNetwork("PriceUSD", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return 0, apperr.NewNetwork("PriceUSD", fmt.Errorf("response failed, %s", res.Status))
	}

	var body priceResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return 0, apperr.NewNetwork("PriceUSD", err)
	}

	entry, ok := body.Data[mint]
	if !ok || entry.Price <= 0 {
		return 0, apperr.NewNetwork("PriceUSD", fmt.Errorf("no price for %s", mint))
	}
	return entry.Price, nil
}
