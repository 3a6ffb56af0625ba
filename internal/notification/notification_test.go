package notification

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"
)

type stubNotifier struct {
	name    string
	enabled bool
	fail    bool
	got     []*Notification
}

func (s *stubNotifier) Name() string    { return s.name }
func (s *stubNotifier) IsEnabled() bool { return s.enabled }
func (s *stubNotifier) Send(n *Notification) error {
	if s.fail {
		return fmt.Errorf("stub failure")
	}
	s.got = append(s.got, n)
	return nil
}

func TestManagerFansOutToEnabledNotifiers(t *testing.T) {
	on := &stubNotifier{name: "on", enabled: true}
	off := &stubNotifier{name: "off", enabled: false}
	broken := &stubNotifier{name: "broken", enabled: true, fail: true}

	m := NewManager(zerolog.Nop())
	m.AddNotifier(on)
	m.AddNotifier(off)
	m.AddNotifier(broken)

	m.Send(&Notification{Type: NotifyLegFilled, Title: "fill", Symbol: "BTCUSDT"})

	if len(on.got) != 1 {
		t.Errorf("enabled notifier received %d notifications, want 1", len(on.got))
	}
	if len(off.got) != 0 {
		t.Errorf("disabled notifier received %d notifications, want 0", len(off.got))
	}
	if on.got[0].Timestamp.IsZero() {
		t.Error("Send must stamp the notification")
	}

	// A failing provider must not stop delivery to the others.
	m.Send(&Notification{Type: NotifyWarning, Title: "again", Symbol: "BTCUSDT"})
	if len(on.got) != 2 {
		t.Errorf("delivery after a peer failure = %d, want 2", len(on.got))
	}
}
