package engine

import (
	"strings"
	"testing"
	"time"

	"ladder-trading-bot/internal/exchange"
	"ladder-trading-bot/internal/plan"
)

func TestEvaluateCancelConditions(t *testing.T) {
	ticker := &exchange.Ticker{
		MarkPrice: 95,
		LastPrice: 95.5,
		High24h:   101,
		Low24h:    93,
	}

	tests := []struct {
		name       string
		conditions []string
		wantReason string
	}{
		{"no conditions", nil, ""},
		{"break_below tripped", []string{"break_below 96"}, "break_below 96"},
		{"break_below holding", []string{"break_below 94"}, ""},
		{"break_above tripped", []string{"break_above 94"}, "break_above 94"},
		{"last_below tripped", []string{"last_below 96"}, "last_below 96"},
		{"last_above holding", []string{"last_above 96"}, ""},
		{"wick_below tripped", []string{"wick_below 94"}, "wick_below 94"},
		{"wick_above tripped", []string{"wick_above 100"}, "wick_above 100"},
		{"first tripped wins", []string{"break_below 94", "wick_below 94"}, "wick_below 94"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &plan.EntryPlan{CancelConditions: tt.conditions, CreatedAt: time.Now()}
			reason, malformed := evaluateCancelConditions(p, ticker)
			if reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", reason, tt.wantReason)
			}
			if len(malformed) != 0 {
				t.Errorf("unexpected malformed conditions %v", malformed)
			}
		})
	}
}

func TestEvaluateCancelConditionsTTL(t *testing.T) {
	p := &plan.EntryPlan{
		TTL:       time.Hour,
		CreatedAt: time.Now().Add(-2 * time.Hour),
	}
	reason, _ := evaluateCancelConditions(p, &exchange.Ticker{MarkPrice: 100})
	if !strings.HasPrefix(reason, "ttl expired") {
		t.Errorf("reason = %q, want ttl expiry", reason)
	}

	p.CreatedAt = time.Now()
	if reason, _ := evaluateCancelConditions(p, &exchange.Ticker{MarkPrice: 100}); reason != "" {
		t.Errorf("fresh plan expired: %q", reason)
	}
}

func TestEvaluateCancelConditionsMalformed(t *testing.T) {
	p := &plan.EntryPlan{
		CancelConditions: []string{"break_below", "sideways 50", "break_below -3", "break_below 94"},
		CreatedAt:        time.Now(),
	}
	reason, malformed := evaluateCancelConditions(p, &exchange.Ticker{MarkPrice: 95})
	if reason != "" {
		t.Errorf("malformed conditions must not cancel, got %q", reason)
	}
	if len(malformed) != 3 {
		t.Errorf("malformed = %v, want 3 entries", malformed)
	}
}

func TestParseConditionRejectsUnknownOperator(t *testing.T) {
	bad := []string{
		"brak_below 94", // typo must not pass and then never fire
		"sideways 50",
		"break_below",
		"break_below abc",
		"break_below -3",
	}
	for _, cond := range bad {
		if _, _, err := parseCondition(cond); err == nil {
			t.Errorf("parseCondition(%q) accepted invalid input", cond)
		}
	}
	for _, cond := range []string{"break_below 94", "wick_above 120.5", "last_below 0.0042"} {
		if _, _, err := parseCondition(cond); err != nil {
			t.Errorf("parseCondition(%q): %v", cond, err)
		}
	}
}

func TestIsInvalidation(t *testing.T) {
	tests := []struct {
		reason string
		want   bool
	}{
		{"break_below 94", true},
		{"wick_above 120", true},
		{"last_below 90", true},
		{"ttl expired after 4h0m0s", true},
		{"price_moved_below 100.0000", true},
		{"manual cancel", false},
		{"manual cancel: changed my mind", false},
		{"all_legs_rejected", false},
	}
	for _, tt := range tests {
		if got := isInvalidation(tt.reason); got != tt.want {
			t.Errorf("isInvalidation(%q) = %v, want %v", tt.reason, got, tt.want)
		}
	}
}
