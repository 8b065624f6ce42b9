package recv

import (
	"fmt"
	"sync"

	"github.com/smpagent/core/store"
	"github.com/smpagent/core/wire"
)

// rotationBuffer holds a-msg payloads that arrived on a next Rq before it
// was promoted to current, keyed per (server, recipientId) as spec.md §5
// requires, released in arrival order at switchCurrRcvQueue.
type rotationBuffer struct {
	mu  sync.Mutex
	buf map[string][]*wire.AgentMessage
}

func newRotationBuffer() *rotationBuffer {
	return &rotationBuffer{buf: make(map[string][]*wire.AgentMessage)}
}

func rotationKey(server store.ServerRef, recipientID []byte) string {
	return fmt.Sprintf("%s:%d:%x:%x", server.Host, server.Port, server.Fingerprint, recipientID)
}

func (r *rotationBuffer) buffer(server store.ServerRef, recipientID []byte, msg *wire.AgentMessage) {
	key := rotationKey(server, recipientID)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[key] = append(r.buf[key], msg)
}

func (r *rotationBuffer) release(server store.ServerRef, recipientID []byte) []*wire.AgentMessage {
	key := rotationKey(server, recipientID)
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.buf[key]
	delete(r.buf, key)
	return out
}
