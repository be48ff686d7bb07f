package realtime

import (
	"reflect"
	"sync"
	"testing"
)

type recordingChannel struct {
	mu       sync.Mutex
	payloads [][]byte
	reject   bool
}

func (c *recordingChannel) Deliver(payload []byte) bool {
	if c.reject {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, payload)
	return true
}

func (c *recordingChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

func TestRegistryRoomsAreIsolated(t *testing.T) {
	registry := NewRegistry()
	alice1, alice2, bob := &recordingChannel{}, &recordingChannel{}, &recordingChannel{}
	registry.Join("alice", alice1)
	registry.Join("alice", alice2)
	registry.Join("bob", bob)

	if delivered := registry.Publish("alice", []byte(`{}`)); delivered != 2 {
		t.Fatalf("expected 2 deliveries, got %d", delivered)
	}
	if alice1.count() != 1 || alice2.count() != 1 {
		t.Fatalf("expected both alice channels to receive the payload")
	}
	if bob.count() != 0 {
		t.Fatalf("bob must not receive alice's payload")
	}
	if got := registry.Rooms(); !reflect.DeepEqual(got, []string{"alice", "bob"}) {
		t.Fatalf("unexpected rooms %v", got)
	}
}

func TestRegistryLeaveDropsEmptyRooms(t *testing.T) {
	registry := NewRegistry()
	ch := &recordingChannel{}
	registry.Join("alice", ch)
	registry.Join("alice", ch)
	if registry.Members("alice") != 1 {
		t.Fatalf("joining twice must not duplicate membership")
	}

	registry.Leave("alice", ch)
	registry.Leave("alice", ch)
	if registry.Len() != 0 {
		t.Fatalf("expected no rooms, got %v", registry.Rooms())
	}
	if delivered := registry.Publish("alice", []byte(`{}`)); delivered != 0 {
		t.Fatalf("expected no deliveries to an empty room, got %d", delivered)
	}
}

func TestRegistryCountsOnlyAcceptedDeliveries(t *testing.T) {
	registry := NewRegistry()
	registry.Join("alice", &recordingChannel{})
	registry.Join("alice", &recordingChannel{reject: true})
	if delivered := registry.Publish("alice", []byte(`{}`)); delivered != 1 {
		t.Fatalf("expected 1 accepted delivery, got %d", delivered)
	}
}

func TestRegistryIgnoresInvalidJoins(t *testing.T) {
	registry := NewRegistry()
	registry.Join("", &recordingChannel{})
	registry.Join("alice", nil)
	if registry.Len() != 0 {
		t.Fatalf("expected invalid joins to be ignored")
	}
}
