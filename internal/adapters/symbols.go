package adapters

import (
	"strings"
)

// knownQuotes are the quote tokens recognized when reconstructing BASE/QUOTE
// from a venue symbol that carries no separator. Order matters: longer tokens
// are tried first so BTCUSDT resolves to BTC/USDT, not BTCUSD/T.
var knownQuotes = []string{"USDT", "USDC", "USD", "EUR", "BTC", "ETH"}

// SymbolRules captures a venue's symbol translation policy.
type SymbolRules struct {
	// Separator replaces the canonical "/" on the way out; empty means the
	// slash is removed entirely.
	Separator string
	// Aliases rewrites canonical tokens to venue tokens (e.g. BTC -> XBT).
	Aliases map[string]string
	// Lowercase emits the venue form lowercased (Binance stream names).
	Lowercase bool
}

// MapToExchange translates a canonical BASE/QUOTE symbol into the venue form.
// The empty string signals an unmappable symbol.
func (r SymbolRules) MapToExchange(symbol string) string {
	normalized := strings.ToUpper(strings.TrimSpace(symbol))
	parts := strings.Split(normalized, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return ""
	}
	base, quote := parts[0], parts[1]
	if alias, ok := r.Aliases[base]; ok {
		base = alias
	}
	if alias, ok := r.Aliases[quote]; ok {
		quote = alias
	}
	mapped := base + r.Separator + quote
	if r.Lowercase {
		mapped = strings.ToLower(mapped)
	}
	return mapped
}

// MapFromExchange reconstructs the canonical BASE/QUOTE form. When the venue
// form has no separator the quote is recognized from the known quote tokens.
func (r SymbolRules) MapFromExchange(symbol string) string {
	normalized := strings.ToUpper(strings.TrimSpace(symbol))
	if normalized == "" {
		return ""
	}

	var base, quote string
	if r.Separator != "" {
		parts := strings.Split(normalized, strings.ToUpper(r.Separator))
		if len(parts) != 2 {
			return ""
		}
		base, quote = parts[0], parts[1]
	} else {
		base, quote = splitKnownQuote(normalized)
		if quote == "" {
			return ""
		}
	}

	for canonical, alias := range r.Aliases {
		if base == alias {
			base = canonical
		}
		if quote == alias {
			quote = canonical
		}
	}
	if base == "" || quote == "" {
		return ""
	}
	return base + "/" + quote
}

// RoundTrips reports whether a canonical symbol survives map-then-unmap.
func (r SymbolRules) RoundTrips(symbol string) bool {
	mapped := r.MapToExchange(symbol)
	if mapped == "" {
		return false
	}
	return r.MapFromExchange(mapped) == strings.ToUpper(strings.TrimSpace(symbol))
}

// toUpperSymbol normalizes a venue symbol for REST query parameters; venues
// that lowercase their stream names still expect uppercase over REST.
func toUpperSymbol(symbol string) string {
	return strings.ToUpper(symbol)
}

func splitKnownQuote(symbol string) (string, string) {
	for _, quote := range knownQuotes {
		if strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
			return symbol[:len(symbol)-len(quote)], quote
		}
	}
	return symbol, ""
}
