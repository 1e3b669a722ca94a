package natsremote

import (
	"fmt"
	"sort"

	"github.com/edgeee/chatsync/engine"
)

// Event types carried on the message subjects.
const (
	eventCreated = "created"
	eventUpdated = "updated"
)

// An event is one entry in a channel's message log. Created events carry the
// full message; updated events carry the message id and a partial patch.
type event struct {
	Type    string          `json:"type"`
	Message *engine.Message `json:"message,omitempty"`
	ID      string          `json:"id,omitempty"`
	Patch   *patch          `json:"patch,omitempty"`
}

// A patch mirrors the field keys the engine updates. Nil fields are left
// untouched.
type patch struct {
	Text      *string            `json:"text,omitempty"`
	IsEdited  *bool              `json:"is_edited,omitempty"`
	IsDeleted *bool              `json:"is_deleted,omitempty"`
	Reactions *[]engine.Reaction `json:"reactions,omitempty"`
}

func (p *patch) apply(m *engine.Message) {
	if p == nil {
		return
	}
	if p.Text != nil {
		m.Text = *p.Text
	}
	if p.IsEdited != nil {
		m.IsEdited = *p.IsEdited
	}
	if p.IsDeleted != nil {
		m.IsDeleted = *p.IsDeleted
	}
	if p.Reactions != nil {
		m.Reactions = *p.Reactions
	}
}

func patchFromFields(fields engine.Fields) (*patch, error) {
	p := &patch{}
	for k, v := range fields {
		switch k {
		case engine.FieldText:
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("field %q: want string, got %T", k, v)
			}
			p.Text = &s
		case engine.FieldEdited:
			b, ok := v.(bool)
			if !ok {
				return nil, fmt.Errorf("field %q: want bool, got %T", k, v)
			}
			p.IsEdited = &b
		case engine.FieldDeleted:
			b, ok := v.(bool)
			if !ok {
				return nil, fmt.Errorf("field %q: want bool, got %T", k, v)
			}
			p.IsDeleted = &b
		case engine.FieldReactions:
			rs, ok := v.([]engine.Reaction)
			if !ok {
				return nil, fmt.Errorf("field %q: want []engine.Reaction, got %T", k, v)
			}
			p.Reactions = &rs
		default:
			return nil, fmt.Errorf("unknown field %q", k)
		}
	}
	return p, nil
}

// A snapshotAccum folds the event log of one channel back into its current
// message set. Events arrive in log order, so a patch for an id that was
// never created is dropped.
type snapshotAccum struct {
	msgs map[string]engine.Message
}

func newSnapshotAccum() *snapshotAccum {
	return &snapshotAccum{msgs: make(map[string]engine.Message)}
}

func (a *snapshotAccum) fold(ev event) {
	switch ev.Type {
	case eventCreated:
		if ev.Message != nil {
			a.msgs[ev.Message.ID] = *ev.Message
		}
	case eventUpdated:
		m, ok := a.msgs[ev.ID]
		if !ok {
			return
		}
		ev.Patch.apply(&m)
		a.msgs[ev.ID] = m
	}
}

func (a *snapshotAccum) snapshot() []engine.Message {
	out := make([]engine.Message, 0, len(a.msgs))
	for _, m := range a.msgs {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
