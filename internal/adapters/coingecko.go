package adapters

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/feedpulse/feedpulse/internal/models"
)

const coingeckoRESTBase = "https://api.coingecko.com"

// coingeckoIDs maps base assets to CoinGecko coin identifiers. CoinGecko keys
// on coin ids rather than tickers, so the alias table doubles as the id
// registry; unlisted assets cannot be served by this venue.
var coingeckoIDs = map[string]string{
	"BTC":  "BITCOIN",
	"ETH":  "ETHEREUM",
	"SOL":  "SOLANA",
	"XRP":  "RIPPLE",
	"ADA":  "CARDANO",
	"DOGE": "DOGECOIN",
	"DOT":  "POLKADOT",
	"AVAX": "AVALANCHE-2",
	"LTC":  "LITECOIN",
	"LINK": "CHAINLINK",
}

// NewCoingeckoAdapter builds the CoinGecko adapter. The venue has no stream,
// so the driver runs it permanently in the degraded REST-polling mode; it
// serves as a second-tier source when exchange sockets are down.
func NewCoingeckoAdapter(cfg DriverConfig, sink Sink, logger zerolog.Logger) *Driver {
	spec := VenueSpec{
		Name:       "coingecko",
		RESTBase:   coingeckoRESTBase,
		HealthPath: "/api/v3/ping",
		Caps: Capabilities{
			SupportsREST:   true,
			SupportsVolume: true,
			Categories:     []models.FeedCategory{models.CategoryCrypto},
		},
		Symbols: SymbolRules{
			Separator: "-",
			Lowercase: true,
			Aliases:   coingeckoIDs,
		},
		FetchTicker: fetchCoingeckoTicker,
	}
	return NewDriver(spec, cfg, sink, logger)
}

func fetchCoingeckoTicker(ctx context.Context, client *retryablehttp.Client, base, exSymbol string) (Ticker, error) {
	parts := strings.SplitN(strings.ToLower(exSymbol), "-", 2)
	if len(parts) != 2 {
		return Ticker{}, fmt.Errorf("%w: %q", ErrInvalidSymbols, exSymbol)
	}
	id, vs := parts[0], parts[1]

	url := fmt.Sprintf(
		"%s/api/v3/simple/price?ids=%s&vs_currencies=%s&include_24hr_vol=true&include_last_updated_at=true",
		base, id, vs,
	)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Ticker{}, fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return Ticker{}, fmt.Errorf("coingecko price: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return Ticker{}, &VenueError{Venue: "coingecko", Code: "429", Message: "rate limited"}
	}
	if resp.StatusCode != http.StatusOK {
		return Ticker{}, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Ticker{}, fmt.Errorf("coingecko price: %w", err)
	}

	coin := gjson.GetBytes(body, id)
	if !coin.Exists() {
		return Ticker{}, fmt.Errorf("%w: no entry for %s", ErrParse, id)
	}
	price := coin.Get(vs).Float()
	volume := coin.Get(vs + "_24h_vol").Float()

	var ts time.Time
	if at := coin.Get("last_updated_at").Float(); at > 0 {
		ts = models.TimestampFromEpoch(at)
	}
	return Ticker{
		Symbol:    exSymbol,
		LastPrice: price,
		Volume:    volume,
		HasVolume: volume > 0,
		Timestamp: ts,
	}, nil
}
