package conn

import (
	"encoding/xml"
	"testing"
	"time"

	"github.com/fluux-im/fluux/internal/events"
	"github.com/fluux-im/fluux/internal/xmpp/router"
)

func newTestManager() *Manager {
	return New(Config{
		Bus:    events.New(),
		Router: router.New(events.New()),
	})
}

func startElement(t *testing.T) xml.StartElement {
	t.Helper()
	return xml.StartElement{Name: xml.Name{Space: "jabber:client", Local: "message"}}
}

func TestBackoffDelayDoublesUpToCap(t *testing.T) {
	base := time.Second
	cap := 10 * time.Second

	for attempt, wantBase := range map[int]time.Duration{
		1: time.Second,
		2: 2 * time.Second,
		3: 4 * time.Second,
		4: 8 * time.Second,
	} {
		d := backoffDelay(attempt, base, cap)
		if d < wantBase || d > wantBase+base {
			t.Fatalf("attempt %d: expected delay in [%s, %s], got %s", attempt, wantBase, wantBase+base, d)
		}
	}
}

func TestBackoffDelayClampsToCapAndNeverZero(t *testing.T) {
	base := time.Second
	cap := 5 * time.Second

	d := backoffDelay(10, base, cap)
	if d < cap || d > cap+base {
		t.Fatalf("expected delay clamped to [%s, %s], got %s", cap, cap+base, d)
	}

	d0 := backoffDelay(0, base, cap)
	if d0 < time.Second {
		t.Fatalf("expected attempt<1 to be treated as attempt 1, got %s", d0)
	}
}

func TestObserveInboundIncrementsCounter(t *testing.T) {
	m := newTestManager()

	m.ObserveInbound(startElement(t))
	m.ObserveInbound(startElement(t))

	m.mu.Lock()
	got := m.smInbound
	m.mu.Unlock()
	if got != 2 {
		t.Fatalf("expected smInbound 2, got %d", got)
	}
}

func TestNewManagerStartsIdleAndNotLive(t *testing.T) {
	m := newTestManager()
	if m.Current() != StateIdle {
		t.Fatalf("expected new manager to start idle, got %v", m.Current())
	}
	if m.IsLive() {
		t.Fatalf("expected new manager to not be live")
	}
}

func TestGenerationStartsAtZero(t *testing.T) {
	m := newTestManager()
	if m.Generation() != 0 {
		t.Fatalf("expected generation 0, got %d", m.Generation())
	}
}
