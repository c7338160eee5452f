package roomchat

import (
	"context"
	"sync"
	"testing"
)

type fakeProber struct {
	mu  sync.Mutex
	err error
	n   int
}

func (p *fakeProber) Probe(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n++
	return p.err
}

func (p *fakeProber) set(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func TestConnectivityTransitions(t *testing.T) {
	c := NewConnectivity(ConnectivityOptions{})
	if !c.Online() {
		t.Fatal("monitor should start online")
	}

	var seen []bool
	unsubscribe := c.OnChange(func(online bool) { seen = append(seen, online) })

	c.SetOnline(true) // no transition
	c.SetOnline(false)
	c.SetOnline(false)
	c.SetOnline(true)
	if len(seen) != 2 || seen[0] || !seen[1] {
		t.Fatalf("seen = %v", seen)
	}

	unsubscribe()
	c.SetOnline(false)
	if len(seen) != 2 {
		t.Fatal("listener called after unsubscribe")
	}
}

func TestConnectivityCheck(t *testing.T) {
	prober := &fakeProber{}
	c := NewConnectivity(ConnectivityOptions{Prober: prober})

	prober.set(errNetwork)
	c.Check(context.Background())
	if c.Online() {
		t.Fatal("failed probe should mark offline")
	}

	prober.set(nil)
	c.Check(context.Background())
	if !c.Online() {
		t.Fatal("successful probe should mark online")
	}

	t.Run("cancelled context leaves state alone", func(t *testing.T) {
		prober.set(errNetwork)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		c.Check(ctx)
		if !c.Online() {
			t.Fatal("probe aborted by the caller must not flip state")
		}
	})

	t.Run("foreground triggers probe", func(t *testing.T) {
		prober.set(nil)
		before := prober.n
		c.SetVisible(context.Background(), false)
		c.SetVisible(context.Background(), true)
		if prober.n != before+1 {
			t.Fatalf("probes = %d, want %d", prober.n, before+1)
		}
	})
}

func TestConnectivityWithoutProber(t *testing.T) {
	c := NewConnectivity(ConnectivityOptions{})
	c.Check(context.Background())
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !c.Online() {
		t.Fatal("state changed without a prober")
	}
}
