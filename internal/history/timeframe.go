package history

// Timeframe is one of the four fixed lookback horizons the detector
// compares current prices against.
type Timeframe string

const (
	TimeframeDay   Timeframe = "1d"
	TimeframeWeek  Timeframe = "1w"
	TimeframeMonth Timeframe = "1mo"
	TimeframeYear  Timeframe = "1y"
)

// Timeframes lists all horizons in detection scan order. The order is
// load-bearing: when two timeframes cross the same threshold, the batch
// reducer keeps whichever this order visits first.
var Timeframes = []Timeframe{TimeframeDay, TimeframeWeek, TimeframeMonth, TimeframeYear}

// OffsetDays is how many calendar days before today the timeframe's
// target date sits.
func (tf Timeframe) OffsetDays() int {
	switch tf {
	case TimeframeDay:
		return 1
	case TimeframeWeek:
		return 7
	case TimeframeMonth:
		return 30
	case TimeframeYear:
		return 365
	}
	return 0
}

// ToleranceDays is the snapshot lookup window around the target date.
// Longer horizons get wider windows to absorb weekend and holiday drift
// without accepting implausibly stale data for short horizons.
func (tf Timeframe) ToleranceDays() int {
	switch tf {
	case TimeframeDay:
		return 3
	case TimeframeWeek:
		return 5
	case TimeframeMonth:
		return 7
	case TimeframeYear:
		return 14
	}
	return 0
}

func (tf Timeframe) String() string {
	return string(tf)
}
