package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"ladder-trading-bot/internal/exchange"
	"ladder-trading-bot/internal/plan"
)

// Cancel conditions are stored on the plan as "<op> <level>" strings, e.g.
// "break_below 94". Operators check different price fields:
//
//	break_below / break_above   mark price
//	last_below  / last_above    last traded price
//	wick_below  / wick_above    24h low / high
//
// TTL expiry is carried on the plan itself, not as a condition string.

// evaluateCancelConditions returns the first condition the ticker trips,
// formatted as a human-readable reason. Unknown or malformed conditions
// never cancel a plan; they are reported so ingestion bugs surface in logs
// instead of silently disarming a safety rail.
func evaluateCancelConditions(p *plan.EntryPlan, t *exchange.Ticker) (reason string, malformed []string) {
	for _, cond := range p.CancelConditions {
		op, level, err := parseCondition(cond)
		if err != nil {
			malformed = append(malformed, cond)
			continue
		}
		tripped := false
		switch op {
		case "break_below":
			tripped = t.MarkPrice > 0 && t.MarkPrice < level
		case "break_above":
			tripped = t.MarkPrice > 0 && t.MarkPrice > level
		case "last_below":
			tripped = t.LastPrice > 0 && t.LastPrice < level
		case "last_above":
			tripped = t.LastPrice > 0 && t.LastPrice > level
		case "wick_below":
			tripped = t.Low24h > 0 && t.Low24h < level
		case "wick_above":
			tripped = t.High24h > level
		}
		if tripped {
			return cond, malformed
		}
	}

	if p.TTL > 0 && time.Since(p.CreatedAt) > p.TTL {
		return fmt.Sprintf("ttl expired after %s", p.TTL), malformed
	}
	return "", malformed
}

func parseCondition(cond string) (op string, level float64, err error) {
	parts := strings.Fields(cond)
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("condition %q: want \"<op> <level>\"", cond)
	}
	switch parts[0] {
	case "break_below", "break_above", "last_below", "last_above", "wick_below", "wick_above":
	default:
		return "", 0, fmt.Errorf("condition %q: unknown operator %q", cond, parts[0])
	}
	level, err = strconv.ParseFloat(parts[1], 64)
	if err != nil || level <= 0 {
		return "", 0, fmt.Errorf("condition %q: bad level", cond)
	}
	return parts[0], level, nil
}

// isInvalidation reports whether a cancel reason means the trade thesis
// broke down. Invalidation drives the keep-vs-flatten decision on partially
// filled plans; a manual cancel or operator shutdown does not.
func isInvalidation(reason string) bool {
	for _, prefix := range []string{
		"break_below", "break_above",
		"last_below", "last_above",
		"wick_below", "wick_above",
		"ttl expired",
		RejectPriceMovedBelow, RejectPriceMovedAbove,
	} {
		if strings.HasPrefix(reason, prefix) {
			return true
		}
	}
	return false
}
