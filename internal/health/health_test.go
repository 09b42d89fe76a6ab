package health

import (
	"sync"
	"testing"

	"github.com/breeze-rmm/fbcapture/internal/capture"
)

func TestEmptyMonitorIsUnknown(t *testing.T) {
	m := NewMonitor()
	if got := m.Overall(); got != Unknown {
		t.Fatalf("Overall() on empty monitor = %q, want %q", got, Unknown)
	}
	s := m.Summary()
	if s["status"] != "unknown" {
		t.Fatalf("Summary status = %v, want unknown", s["status"])
	}
	if components, _ := s["components"].(map[string]string); len(components) != 0 {
		t.Fatalf("Summary components = %v, want empty", components)
	}
}

func TestOverallIsWorst(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{"all healthy", []Status{Healthy, Healthy}, Healthy},
		{"one degraded", []Status{Healthy, Degraded, Healthy}, Degraded},
		{"unhealthy beats degraded", []Status{Degraded, Unhealthy}, Unhealthy},
		{"unknown beats unhealthy", []Status{Unhealthy, Unknown}, Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMonitor()
			for i, s := range tt.statuses {
				m.Update(string(rune('a'+i)), s, "")
			}
			if got := m.Overall(); got != tt.want {
				t.Fatalf("Overall() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStatusIsValid(t *testing.T) {
	for _, s := range []Status{Healthy, Degraded, Unhealthy, Unknown} {
		if !s.IsValid() {
			t.Errorf("IsValid(%q) = false, want true", s)
		}
	}
	for _, s := range []Status{"garbage", "", "ok"} {
		if s.IsValid() {
			t.Errorf("IsValid(%q) = true, want false", s)
		}
	}
}

func TestUpdateCoercesInvalidStatus(t *testing.T) {
	m := NewMonitor()
	m.Update("DP-0", Status("invalid"), "bad value")
	c, ok := m.Get("DP-0")
	if !ok {
		t.Fatal("display not found after Update")
	}
	if c.Status != Unhealthy {
		t.Fatalf("Status = %q, want %q", c.Status, Unhealthy)
	}
}

func TestObserveTransitions(t *testing.T) {
	m := NewMonitor()
	const display = "HDMI-0"
	status := func() Status {
		c, _ := m.Get(display)
		return c.Status
	}

	m.Observe(display, capture.StatusTimeout)
	if got := status(); got != Unknown {
		t.Fatalf("after timeout only: %q, want unknown", got)
	}
	m.Observe(display, capture.StatusOK)
	if got := status(); got != Healthy {
		t.Fatalf("after ok: %q", got)
	}

	m.Observe(display, capture.StatusReinit)
	m.Observe(display, capture.StatusReinit)
	if got := status(); got != Healthy {
		t.Fatalf("two reinits should stay healthy, got %q", got)
	}
	m.Observe(display, capture.StatusTimeout)
	m.Observe(display, capture.StatusReinit)
	if got := status(); got != Degraded {
		t.Fatalf("three reinits: %q, want degraded", got)
	}
	if c, _ := m.Get(display); c.Reinits != 3 {
		t.Fatalf("Reinits = %d, want 3", c.Reinits)
	}

	m.Observe(display, capture.StatusOK)
	if c, _ := m.Get(display); c.Status != Healthy || c.Reinits != 0 {
		t.Fatalf("ok should reset the streak, got %+v", c)
	}

	m.Observe(display, capture.StatusError)
	if got := status(); got != Unhealthy {
		t.Fatalf("after error: %q", got)
	}
	if m.Overall() != Unhealthy {
		t.Fatalf("Overall() = %q", m.Overall())
	}
}

func TestSummaryConsistentUnderConcurrency(t *testing.T) {
	m := NewMonitor()
	m.Observe("DP-0", capture.StatusOK)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				m.Update("DP-0", Degraded, "reinits")
			} else {
				m.Observe("DP-0", capture.StatusOK)
			}
		}(i)
		go func() {
			defer wg.Done()
			s := m.Summary()
			overall, _ := s["status"].(string)
			components, _ := s["components"].(map[string]string)
			if overall != components["DP-0"] {
				t.Errorf("summary inconsistency: overall=%q DP-0=%q", overall, components["DP-0"])
			}
		}()
	}
	wg.Wait()

	if len(m.All()) != 1 {
		t.Fatalf("All() returned %d checks, want 1", len(m.All()))
	}
}
