package pricing

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// tickerRegex matches a project ticker: 2-8 characters, leading letter,
// uppercase alphanumeric. Example: HELIO, TEAM42.
var tickerRegex = regexp.MustCompile(`^[A-Z][A-Z0-9]{1,7}$`)

// ErrInvalidTicker is returned for malformed project tickers.
var ErrInvalidTicker = errors.New("pricing: invalid ticker format")

// NormalizeTicker upper-cases and validates a project ticker.
func NormalizeTicker(ticker string) (string, error) {
	t := strings.ToUpper(strings.TrimSpace(ticker))
	if !tickerRegex.MatchString(t) {
		return "", fmt.Errorf("%w: %q (expected 2-8 uppercase alphanumerics starting with a letter)",
			ErrInvalidTicker, ticker)
	}
	return t, nil
}
