package resources

import (
	"fmt"
	"sync"
	"testing"
)

func TestResourceManager(t *testing.T) {
	manager := NewManager()

	// Reserve counters for two jobs sharing a credential
	if err := manager.Reserve("job1", "cred:fp_a", "session:s1"); err != nil {
		t.Fatalf("Failed to reserve: %v", err)
	}
	if err := manager.Reserve("job2", "cred:fp_a", "session:s2"); err != nil {
		t.Fatalf("Failed to reserve: %v", err)
	}

	if got := manager.Count("cred:fp_a"); got != 2 {
		t.Errorf("Expected 2 active for credential, got %d", got)
	}
	if got := manager.Count("session:s1"); got != 1 {
		t.Errorf("Expected 1 active for session s1, got %d", got)
	}

	// Duplicate reservation is refused
	if err := manager.Reserve("job1", "cred:fp_a"); err == nil {
		t.Error("Expected error for duplicate reservation")
	}
	if got := manager.Count("cred:fp_a"); got != 2 {
		t.Errorf("Duplicate reservation changed count to %d", got)
	}

	// Release resources
	if err := manager.Release("job1"); err != nil {
		t.Fatalf("Failed to release: %v", err)
	}
	if got := manager.Count("cred:fp_a"); got != 1 {
		t.Errorf("Expected 1 active after release, got %d", got)
	}
	if got := manager.Count("session:s1"); got != 0 {
		t.Errorf("Expected 0 active for session s1 after release, got %d", got)
	}

	// Second release of the same job is an error and leaves counts alone
	if err := manager.Release("job1"); err == nil {
		t.Error("Expected error releasing twice")
	}
	if got := manager.Count("cred:fp_a"); got != 1 {
		t.Errorf("Double release changed count to %d", got)
	}
}

func TestGetReservation(t *testing.T) {
	manager := NewManager()
	manager.Reserve("job1", "a", "", "b")

	res, ok := manager.GetReservation("job1")
	if !ok {
		t.Fatal("Expected reservation to exist")
	}
	if len(res.Keys) != 2 {
		t.Errorf("Expected empty keys to be skipped, got %v", res.Keys)
	}

	// Mutating the copy does not affect the manager
	res.Keys[0] = "mutated"
	again, _ := manager.GetReservation("job1")
	if again.Keys[0] != "a" {
		t.Error("GetReservation returned shared slice")
	}

	if _, ok := manager.GetReservation("missing"); ok {
		t.Error("Expected no reservation for unknown job")
	}
}

func TestConcurrentReserveRelease(t *testing.T) {
	manager := NewManager()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("job-%d", i)
			manager.Reserve(id, "shared")
			manager.Release(id)
		}(i)
	}
	wg.Wait()

	if got := manager.Count("shared"); got != 0 {
		t.Errorf("Expected 0 after all releases, got %d", got)
	}
	if got := manager.Total(); got != 0 {
		t.Errorf("Expected no reservations left, got %d", got)
	}
}
