package adapters

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func restClient() *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = 0
	client.Logger = nil
	return client
}

func jsonServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestFetchBinanceTicker(t *testing.T) {
	server := jsonServer(t, http.StatusOK,
		`{"symbol":"BTCUSDT","lastPrice":"50000.5","bidPrice":"50000","askPrice":"50001","volume":"1234","closeTime":1700000000123}`)

	ticker, err := fetchBinanceTicker(context.Background(), restClient(), server.URL, "btcusdt")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", ticker.Symbol)
	assert.Equal(t, 50000.5, ticker.LastPrice)
	assert.True(t, ticker.HasVolume)
}

func TestFetchBinanceTickerVenueError(t *testing.T) {
	server := jsonServer(t, http.StatusOK, `{"code":-1121,"msg":"Invalid symbol."}`)

	_, err := fetchBinanceTicker(context.Background(), restClient(), server.URL, "NOPE")
	var venueErr *VenueError
	require.ErrorAs(t, err, &venueErr)
	assert.Equal(t, "-1121", venueErr.Code)
}

func TestFetchBinanceTickerHTTPError(t *testing.T) {
	server := jsonServer(t, http.StatusNotFound, `{}`)
	_, err := fetchBinanceTicker(context.Background(), restClient(), server.URL, "BTCUSDT")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestFetchCoinbaseTicker(t *testing.T) {
	server := jsonServer(t, http.StatusOK,
		`{"price":"50000.25","bid":"50000","ask":"50001","volume":"9000","time":"2024-01-15T12:00:00Z"}`)

	ticker, err := fetchCoinbaseTicker(context.Background(), restClient(), server.URL, "BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, "BTC-USD", ticker.Symbol)
	assert.Equal(t, 50000.25, ticker.LastPrice)
	assert.Equal(t, 2024, ticker.Timestamp.Year())
}

func TestFetchCoinbaseTickerVenueError(t *testing.T) {
	server := jsonServer(t, http.StatusOK, `{"message":"NotFound"}`)
	_, err := fetchCoinbaseTicker(context.Background(), restClient(), server.URL, "NOPE-USD")
	var venueErr *VenueError
	require.ErrorAs(t, err, &venueErr)
	assert.Equal(t, "NotFound", venueErr.Message)
}

func TestFetchKrakenTicker(t *testing.T) {
	server := jsonServer(t, http.StatusOK,
		`{"error":[],"result":{"XXBTZUSD":{"c":["50000.1","0.01"],"b":["49999","1","1"],"a":["50001","1","1"],"v":["100","250"]}}}`)

	ticker, err := fetchKrakenTicker(context.Background(), restClient(), server.URL, "XBTUSD")
	require.NoError(t, err)
	assert.Equal(t, "XBTUSD", ticker.Symbol)
	assert.Equal(t, 50000.1, ticker.LastPrice)
	assert.Equal(t, 250.0, ticker.Volume)
}

func TestFetchKrakenTickerVenueError(t *testing.T) {
	server := jsonServer(t, http.StatusOK, `{"error":["EQuery:Unknown asset pair"],"result":{}}`)
	_, err := fetchKrakenTicker(context.Background(), restClient(), server.URL, "NOPE")
	var venueErr *VenueError
	require.ErrorAs(t, err, &venueErr)
	assert.Contains(t, venueErr.Message, "Unknown asset pair")
}

func TestFetchOKXTicker(t *testing.T) {
	server := jsonServer(t, http.StatusOK,
		`{"code":"0","data":[{"instId":"BTC-USDT","last":"50000.2","bidPx":"50000","askPx":"50001","vol24h":"880","ts":"1700000000123"}]}`)

	ticker, err := fetchOKXTicker(context.Background(), restClient(), server.URL, "BTC-USDT")
	require.NoError(t, err)
	assert.Equal(t, "BTC-USDT", ticker.Symbol)
	assert.Equal(t, 50000.2, ticker.LastPrice)
}

func TestFetchOKXTickerVenueError(t *testing.T) {
	server := jsonServer(t, http.StatusOK, `{"code":"51001","msg":"Instrument ID does not exist","data":[]}`)
	_, err := fetchOKXTicker(context.Background(), restClient(), server.URL, "NOPE-USD")
	var venueErr *VenueError
	require.ErrorAs(t, err, &venueErr)
	assert.Equal(t, "51001", venueErr.Code)
}

func TestFetchCryptocomTicker(t *testing.T) {
	server := jsonServer(t, http.StatusOK,
		`{"code":0,"result":{"instrument_name":"BTC_USDT","data":[{"i":"BTC_USDT","a":50000.7,"b":50000.5,"k":50000.9,"v":440,"t":1700000000123}]}}`)

	ticker, err := fetchCryptocomTicker(context.Background(), restClient(), server.URL, "BTC_USDT")
	require.NoError(t, err)
	assert.Equal(t, "BTC_USDT", ticker.Symbol)
	assert.Equal(t, 50000.7, ticker.LastPrice)
}

func TestFetchCoingeckoTicker(t *testing.T) {
	server := jsonServer(t, http.StatusOK,
		`{"bitcoin":{"usd":50000.3,"usd_24h_vol":28000000000,"last_updated_at":1700000000}}`)

	ticker, err := fetchCoingeckoTicker(context.Background(), restClient(), server.URL, "bitcoin-usd")
	require.NoError(t, err)
	assert.Equal(t, 50000.3, ticker.LastPrice)
	assert.True(t, ticker.HasVolume)
	assert.Equal(t, int64(1700000000000), ticker.Timestamp.UnixMilli())
}

func TestFetchCoingeckoTickerRateLimited(t *testing.T) {
	server := jsonServer(t, http.StatusTooManyRequests, `{}`)
	_, err := fetchCoingeckoTicker(context.Background(), restClient(), server.URL, "bitcoin-usd")
	var venueErr *VenueError
	require.ErrorAs(t, err, &venueErr)
	assert.Equal(t, "429", venueErr.Code)
}

func TestFetchCoingeckoTickerMissingEntry(t *testing.T) {
	server := jsonServer(t, http.StatusOK, `{}`)
	_, err := fetchCoingeckoTicker(context.Background(), restClient(), server.URL, "bitcoin-usd")
	assert.ErrorIs(t, err, ErrParse)
}
