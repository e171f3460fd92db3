package lirc_relay

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type (
	// clientRegistry holds the open client sessions. Sessions insert
	// themselves on accept and remove themselves when they terminate;
	// visitors work on a snapshot, so removal during a pass is safe.
	clientRegistry struct {
		mu      sync.Mutex
		clients map[uuid.UUID]*clientCxn
	}
)

func newClientRegistry() *clientRegistry {
	return &clientRegistry{
		clients: map[uuid.UUID]*clientCxn{},
	}
}

func (reg *clientRegistry) register(cc *clientCxn) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	reg.clients[cc.id] = cc
}

func (reg *clientRegistry) unregister(id uuid.UUID) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	delete(reg.clients, id)
}

func (reg *clientRegistry) count() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	return len(reg.clients)
}

func (reg *clientRegistry) isClientActive() bool {
	return reg.count() > 0
}

func (reg *clientRegistry) processAllClients(op func(id uuid.UUID, cc *clientCxn)) {
	reg.mu.Lock()
	snapshot := make([]*clientCxn, 0, len(reg.clients))
	for _, cc := range reg.clients {
		snapshot = append(snapshot, cc)
	}
	reg.mu.Unlock()

	for _, cc := range snapshot {
		op(cc.id, cc)
	}
}

func (reg *clientRegistry) requestAllCxnClose() {
	reg.processAllClients(func(id uuid.UUID, cc *clientCxn) {
		cc.RequestClose()
	})
}

// forceAllCxnClose closes every socket, interrupting sessions that are
// still writing a reply.
func (reg *clientRegistry) forceAllCxnClose() {
	reg.processAllClients(func(id uuid.UUID, cc *clientCxn) {
		cc.cxn.Close()
	})
}

// waitForAllCxnClose returns false if sessions remain after timeout.
func (reg *clientRegistry) waitForAllCxnClose(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if !reg.isClientActive() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(50 * time.Millisecond)
	}
}
