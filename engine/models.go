package engine

import (
	"strings"
	"time"
)

// pendingIDPrefix marks locally staged messages that the remote store has not
// confirmed yet. Pending ids are never persisted.
const pendingIDPrefix = "pending_"

// A Message represents a chat message, either confirmed by the remote store or
// staged locally while its durable write is in flight. Thread replies carry the
// parent message id in ThreadID; top-level messages leave it empty.
type Message struct {
	ID              string      `json:"id"`
	ChannelID       string      `json:"channel_id"`
	AuthorID        string      `json:"author_id"`
	AuthorName      string      `json:"author_name"`
	AuthorAvatarRef string      `json:"author_avatar_ref,omitempty"`
	Text            string      `json:"text"`
	CreatedAt       time.Time   `json:"created_at"`
	Reactions       []Reaction  `json:"reactions,omitempty"`
	IsEdited        bool        `json:"is_edited,omitempty"`
	IsDeleted       bool        `json:"is_deleted,omitempty"`
	ThreadID        string      `json:"thread_id,omitempty"`
	Attachment      *Attachment `json:"attachment,omitempty"`
}

// IsPending reports whether the message is a local optimistic entry awaiting
// confirmation.
func (m Message) IsPending() bool {
	return strings.HasPrefix(m.ID, pendingIDPrefix)
}

// A Reaction is an emoji and the set of users who applied it. The count is
// always derived from the membership set, never stored separately.
type Reaction struct {
	Emoji   string   `json:"emoji"`
	UserIDs []string `json:"user_ids"`
}

// Count returns the number of users behind the reaction.
func (r Reaction) Count() int {
	return len(r.UserIDs)
}

// An Attachment describes a file attached to a message.
type Attachment struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
	MimeType  string `json:"mime_type"`
	URL       string `json:"url"`
}

// A Member is a user belonging to a channel, as reported by the member
// directory.
type Member struct {
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	AvatarRef string `json:"avatar_ref,omitempty"`
	Online    bool   `json:"online,omitempty"`
}

// DirectChannelID returns the canonical conversation id shared by both
// participants of a direct message channel, independent of who opened it.
func DirectChannelID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "dm:" + a + ":" + b
}

// byTimestamp orders messages ascending by CreatedAt, ties broken by id so the
// order is deterministic regardless of arrival order.
func byTimestamp(a, b Message) int {
	switch {
	case a.CreatedAt.Before(b.CreatedAt):
		return -1
	case a.CreatedAt.After(b.CreatedAt):
		return 1
	default:
		return strings.Compare(a.ID, b.ID)
	}
}
