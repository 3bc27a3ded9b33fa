package domain

import "strings"

// knownQuotes lists quote assets recognized when splitting a concatenated
// symbol like "BTCUSDT". Longer suffixes are checked first.
var knownQuotes = []string{"USDT", "FDUSD", "USDC", "TUSD", "BUSD", "USD", "EUR", "BTC", "ETH", "BNB"}

// SplitSymbol splits a trading symbol into base and quote assets. Symbols
// with an explicit separator ("BTC-USD", "BTC/USD") are split on it;
// otherwise the quote is matched against the known quote-asset suffixes.
// Returns ("", "") when the symbol cannot be split.
func SplitSymbol(symbol string) (base, quote string) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	for _, sep := range []string{"-", "/"} {
		if i := strings.Index(symbol, sep); i > 0 {
			return symbol[:i], symbol[i+1:]
		}
	}
	for _, q := range knownQuotes {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return strings.TrimSuffix(symbol, q), q
		}
	}
	return "", ""
}
