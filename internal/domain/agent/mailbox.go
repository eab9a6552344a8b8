package agent

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/miosa-osa/osa/internal/domain/entity"
)

// Mailbox is the shared per-swarm ordered channel. Seq values are dense,
// start at 1, and strictly increase within a swarm; insertion order is
// seq order.
type Mailbox struct {
	mu    sync.RWMutex
	boxes map[string]*box
	now   func() time.Time
}

type box struct {
	seq  int64
	msgs []entity.SwarmMessage
}

// NewMailbox creates an empty mailbox store.
func NewMailbox() *Mailbox {
	return &Mailbox{
		boxes: make(map[string]*box),
		now:   time.Now,
	}
}

// Post appends a message, assigning the next seq for the swarm.
func (m *Mailbox) Post(swarmID, fromAgent, message string) entity.SwarmMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.boxes[swarmID]
	if !ok {
		b = &box{}
		m.boxes[swarmID] = b
	}
	b.seq++
	msg := entity.SwarmMessage{
		SwarmID:   swarmID,
		Seq:       b.seq,
		FromAgent: fromAgent,
		Message:   message,
		PostedAt:  m.now().UTC(),
	}
	b.msgs = append(b.msgs, msg)
	return msg
}

// ReadAll returns every message of the swarm in seq order.
func (m *Mailbox) ReadAll(swarmID string) []entity.SwarmMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.boxes[swarmID]
	if !ok {
		return nil
	}
	out := make([]entity.SwarmMessage, len(b.msgs))
	copy(out, b.msgs)
	return out
}

// BuildContext formats the mailbox as a peer-context section for worker
// prompts. Empty mailboxes yield "".
func (m *Mailbox) BuildContext(swarmID string) string {
	msgs := m.ReadAll(swarmID)
	if len(msgs) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Peer context\n")
	for _, msg := range msgs {
		fmt.Fprintf(&sb, "[%d] %s: %s\n", msg.Seq, msg.FromAgent, msg.Message)
	}
	return sb.String()
}

// Clear drops the swarm's mailbox. Called on swarm terminal state.
func (m *Mailbox) Clear(swarmID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.boxes, swarmID)
}
