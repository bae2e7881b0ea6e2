// Package market defines the markets the monitor covers and the
// calendar conventions that go with them. Every piece of alert state is
// keyed by (symbol, market), and the cooldown logic compares civil dates
// in the market's own timezone, so date handling lives here.
package market

import (
	"fmt"
	"strings"
	"time"
)

// Market identifies which exchange calendar a symbol trades on.
type Market string

const (
	// India covers NSE-listed equities and indices (Asia/Kolkata).
	India Market = "IN"
	// US covers NYSE/NASDAQ-listed equities and indices (America/New_York).
	US Market = "US"
)

// DateLayout is the civil-date format used everywhere tracking state is
// persisted or compared.
const DateLayout = "2006-01-02"

var locations = map[Market]*time.Location{}

func init() {
	for m, name := range map[Market]string{
		India: "Asia/Kolkata",
		US:    "America/New_York",
	} {
		loc, err := time.LoadLocation(name)
		if err != nil {
			panic(fmt.Sprintf("load timezone %s: %v", name, err))
		}
		locations[m] = loc
	}
}

// Parse validates a market identifier from config or a message payload.
func Parse(s string) (Market, error) {
	switch Market(strings.ToUpper(strings.TrimSpace(s))) {
	case India:
		return India, nil
	case US:
		return US, nil
	}
	return "", fmt.Errorf("unknown market %q", s)
}

// Location returns the market's timezone.
func (m Market) Location() *time.Location {
	if loc, ok := locations[m]; ok {
		return loc
	}
	return time.UTC
}

// Now returns the current wall-clock time in the market's timezone.
func (m Market) Now() time.Time {
	return time.Now().In(m.Location())
}

// CurrentDate returns today's civil date in the market's timezone. A
// symbol trading in Kolkata must not be cooldown-gated by New York's
// midnight, which is why the date is always derived per market.
func (m Market) CurrentDate() string {
	return m.Now().Format(DateLayout)
}

// String implements fmt.Stringer.
func (m Market) String() string {
	return string(m)
}

// IsIndex reports whether a symbol names an index rather than a single
// equity. Indices follow the caret prefix convention (^NSEI, ^GSPC) and
// are skipped by the external pricing fallback, which does not quote them.
func IsIndex(symbol string) bool {
	return strings.HasPrefix(symbol, "^")
}
