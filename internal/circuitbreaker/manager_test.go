package circuitbreaker

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestManager(t *testing.T) {
	manager := NewManager(testLogger())

	cb1 := manager.GetOrCreate("payment-gateway", Config{MaxFailures: 3, Timeout: time.Second})
	if cb1 == nil {
		t.Fatal("Expected circuit breaker, got nil")
	}
	if again := manager.GetOrCreate("payment-gateway", Config{MaxFailures: 9}); again != cb1 {
		t.Error("Expected same circuit breaker instance")
	}
	if cb1.Name() != "payment-gateway" {
		t.Errorf("name = %q", cb1.Name())
	}

	cb2 := manager.GetOrCreate("another", Config{MaxFailures: 1, Timeout: time.Second})
	if cb1 == cb2 {
		t.Error("Expected different circuit breaker instances")
	}
	if manager.Get("missing") != nil {
		t.Error("Expected nil for unknown breaker")
	}

	cb2.Execute(context.Background(), fail)
	snaps := manager.Snapshots()
	if len(snaps) != 2 || snaps[0].Name != "another" || snaps[0].State != "open" {
		t.Fatalf("snapshots = %+v", snaps)
	}

	if !manager.Reset("another") {
		t.Fatal("reset of a known breaker returned false")
	}
	if cb2.State() != StateClosed {
		t.Errorf("state = %s after reset", cb2.State())
	}
	if manager.Reset("missing") {
		t.Error("reset of unknown breaker returned true")
	}
}

func TestManagerConcurrentGetOrCreate(t *testing.T) {
	manager := NewManager(testLogger())

	var wg sync.WaitGroup
	got := make([]*CircuitBreaker, 32)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = manager.GetOrCreate("shared", Config{MaxFailures: 2, Timeout: time.Second})
		}(i)
	}
	wg.Wait()

	for _, cb := range got {
		if cb != got[0] {
			t.Fatal("concurrent GetOrCreate produced distinct breakers")
		}
	}
}
