package engine

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

// DefaultMatchWindow bounds how far a server-assigned timestamp may drift from
// the local staging time for a remote message to confirm a pending one. The
// remote timestamp is unknown until confirmation, so matching is heuristic;
// tune via Options.MatchWindow.
const DefaultMatchWindow = 60 * time.Second

// A PendingSet holds locally created messages awaiting confirmation by the
// remote stream, keyed by channel. It owns the pending id namespace.
type PendingSet struct {
	window time.Duration

	mu        sync.Mutex
	seq       int64
	byChannel map[string]map[string]Message // channel id -> pending id -> message
	channelOf map[string]string             // pending id -> channel id
}

// NewPendingSet returns an empty set. A window <= 0 falls back to
// DefaultMatchWindow.
func NewPendingSet(window time.Duration) *PendingSet {
	if window <= 0 {
		window = DefaultMatchWindow
	}
	return &PendingSet{
		window:    window,
		byChannel: make(map[string]map[string]Message),
		channelOf: make(map[string]string),
	}
}

// Stage records msg as pending and returns it with its assigned pending id.
func (p *PendingSet) Stage(msg Message) Message {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.seq++
	msg.ID = fmt.Sprintf("%s%d_%s", pendingIDPrefix, p.seq, msg.ChannelID)

	ch, ok := p.byChannel[msg.ChannelID]
	if !ok {
		ch = make(map[string]Message)
		p.byChannel[msg.ChannelID] = ch
	}
	ch[msg.ID] = msg
	p.channelOf[msg.ID] = msg.ChannelID
	return msg
}

// Discard drops a single pending entry, typically after its durable write
// failed.
func (p *PendingSet) Discard(pendingID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.discardLocked(pendingID)
}

// DiscardChannel drops every pending entry staged for the channel. After it
// returns no entry for the channel remains.
func (p *PendingSet) DiscardChannel(channelID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id := range p.byChannel[channelID] {
		delete(p.channelOf, id)
	}
	delete(p.byChannel, channelID)
}

func (p *PendingSet) discardLocked(pendingID string) {
	channelID, ok := p.channelOf[pendingID]
	if !ok {
		return
	}
	delete(p.channelOf, pendingID)
	delete(p.byChannel[channelID], pendingID)
	if len(p.byChannel[channelID]) == 0 {
		delete(p.byChannel, channelID)
	}
}

// Len reports the number of pending entries for the channel.
func (p *PendingSet) Len(channelID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byChannel[channelID])
}

// Reconcile merges the remote snapshot with the channel's pending entries. A
// pending entry is confirmed, and removed from the set, when a remote message
// matches its text, author and channel with a timestamp within the match
// window. The result is sorted ascending by (CreatedAt, ID) and deduplicated
// by id; confirmed maps each confirmed pending id to its durable id so the
// caller can re-key state held under the pending id. The full recompute is
// O(n log n) per snapshot, which is fine at chat scale.
func (p *PendingSet) Reconcile(channelID string, remote []Message) (merged []Message, confirmed map[string]string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	merged = make([]Message, 0, len(remote)+len(p.byChannel[channelID]))
	seen := make(map[string]struct{}, len(remote))
	for _, m := range remote {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		merged = append(merged, m)
	}

	confirmed = make(map[string]string)
	for id, pend := range p.byChannel[channelID] {
		if durableID, ok := p.confirmedBy(pend, remote); ok {
			confirmed[id] = durableID
			p.discardLocked(id)
			continue
		}
		merged = append(merged, pend)
	}

	slices.SortFunc(merged, byTimestamp)
	return merged, confirmed
}

func (p *PendingSet) confirmedBy(pend Message, remote []Message) (string, bool) {
	for _, m := range remote {
		if m.Text != pend.Text || m.AuthorID != pend.AuthorID || m.ChannelID != pend.ChannelID {
			continue
		}
		if m.CreatedAt.Sub(pend.CreatedAt).Abs() < p.window {
			return m.ID, true
		}
	}
	return "", false
}
