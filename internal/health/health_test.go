package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestEmptyRegistryIsHealthy(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected no statuses, got %d", len(statuses))
	}
}

func TestStatusesKeepRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(context.Context) error { return nil })
	r.Register("wallet", func(context.Context) error { return nil })
	r.Register("notifier", func(context.Context) error { return nil })

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("expected healthy")
	}
	want := []string{"database", "wallet", "notifier"}
	for i, name := range want {
		if statuses[i].Name != name {
			t.Errorf("status %d: got %s, want %s", i, statuses[i].Name, name)
		}
	}
}

func TestFailingProbeReportsDetail(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(context.Context) error { return nil })
	r.Register("wallet", func(context.Context) error {
		return errors.New("connection refused")
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("expected unhealthy aggregate")
	}
	if statuses[0].Healthy != true || statuses[1].Healthy != false {
		t.Fatalf("unexpected per-subsystem health: %+v", statuses)
	}
	if statuses[1].Detail != "connection refused" {
		t.Errorf("detail: got %q", statuses[1].Detail)
	}
}

func TestReregisterReplacesChecker(t *testing.T) {
	r := NewRegistry()
	r.Register("store", func(context.Context) error { return errors.New("down") })
	r.Register("store", func(context.Context) error { return nil })

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("replacement checker should win")
	}
	if len(statuses) != 1 {
		t.Fatalf("expected a single status, got %d", len(statuses))
	}
}

func TestProbesRunConcurrently(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"a", "b", "c"} {
		r.Register(name, func(context.Context) error {
			time.Sleep(50 * time.Millisecond)
			return nil
		})
	}

	start := time.Now()
	r.CheckAll(context.Background())
	if elapsed := time.Since(start); elapsed > 120*time.Millisecond {
		t.Errorf("probes appear serialized: took %v", elapsed)
	}
}

func TestConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Register("probe", func(context.Context) error { return nil })
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()
}
