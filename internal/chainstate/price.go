package chainstate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	xerrors "OpenWallet-Core/internal/errors"
)

// CodeUpstreamFailure marks failures of third party HTTP APIs.
const CodeUpstreamFailure xerrors.Code = "UPSTREAM_FAILURE"

func init() {
	xerrors.Register(CodeUpstreamFailure, xerrors.Attributes{
		Message:   "upstream service failure",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}

// DefaultCoinGeckoURL is the public CoinGecko API.
const DefaultCoinGeckoURL = "https://api.coingecko.com/api/v3"

// PriceProvider returns USD prices keyed by coin id.
type PriceProvider interface {
	Prices(ctx context.Context, coinIDs []string) (map[string]float64, error)
}

// CoinGecko fetches prices from a CoinGecko compatible endpoint.
type CoinGecko struct {
	baseURL string
	client  *http.Client
}

// NewCoinGecko creates a client. An empty baseURL uses the public API.
func NewCoinGecko(baseURL string, timeout time.Duration) *CoinGecko {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultCoinGeckoURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CoinGecko{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Prices queries all ids in one request.
func (c *CoinGecko) Prices(ctx context.Context, coinIDs []string) (map[string]float64, error) {
	ids := uniqueSorted(coinIDs)
	if len(ids) == 0 {
		return map[string]float64{}, nil
	}
	endpoint := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=usd", c.baseURL, url.QueryEscape(strings.Join(ids, ",")))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "build price request")
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(CodeUpstreamFailure, err, "price request failed")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, xerrors.Newf(CodeUpstreamFailure, "price api returned %d", resp.StatusCode)
	}

	var result map[string]map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, xerrors.Wrap(CodeUpstreamFailure, err, "decode price response")
	}
	prices := make(map[string]float64, len(result))
	for id, quote := range result {
		if usd, ok := quote["usd"]; ok {
			prices[id] = usd
		}
	}
	return prices, nil
}

func uniqueSorted(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
