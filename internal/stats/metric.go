package stats

// Metric identifies a scalar quantity accumulated per (dimension-key, day).
// The enumeration is closed for the built-in rules but additional kinds may
// be introduced by callers without changing the sharded map itself.
type Metric uint16

const (
	MetricUnknown Metric = iota
	MetricTradeVolume
	MetricTradeNotional
	MetricOrderCount
	MetricCancelCount
	MetricTradeCount
)

// String renders the metric kind for log lines and breach reasons.
func (m Metric) String() string {
	switch m {
	case MetricTradeVolume:
		return "trade-volume"
	case MetricTradeNotional:
		return "trade-notional"
	case MetricOrderCount:
		return "order-count"
	case MetricCancelCount:
		return "cancel-count"
	case MetricTradeCount:
		return "trade-count"
	default:
		return "unknown"
	}
}
