package crash

import (
	"github.com/STarLo-rd/stock-monitor-backend/internal/history"
	"github.com/STarLo-rd/stock-monitor-backend/internal/market"
)

// CriticalThreshold marks the severity at which an alert is flagged
// critical on persistence and routed with urgent framing. Detection
// itself does not branch on it.
const CriticalThreshold = 20.0

// AlertTrigger is one threshold crossing for one symbol/timeframe. The
// batch entry point reduces these to at most one per symbol before the
// cooldown gate is consulted.
type AlertTrigger struct {
	Symbol          string            `json:"symbol"`
	Market          market.Market     `json:"market"`
	CurrentPrice    float64           `json:"current_price"`
	HistoricalPrice float64           `json:"historical_price"`
	DropPct         float64           `json:"drop_pct"`
	Threshold       float64           `json:"threshold"`
	Timeframe       history.Timeframe `json:"timeframe"`
	Reason          string            `json:"reason,omitempty"`
}

// Critical reports whether the trigger's severity warrants critical
// framing.
func (t AlertTrigger) Critical() bool {
	return t.Threshold >= CriticalThreshold
}

// RecoveryAlert reports a symbol bouncing back after an alerted crash.
type RecoveryAlert struct {
	Symbol         string        `json:"symbol"`
	Market         market.Market `json:"market"`
	CurrentPrice   float64       `json:"current_price"`
	LastAlertPrice float64       `json:"last_alert_price"`
	RecoveryPct    float64       `json:"recovery_pct"`
}
