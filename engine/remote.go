package engine

import (
	"context"
	"io"
)

// A SnapshotHandler receives each message snapshot pushed by the remote store
// for one subscription. A non-nil err reports a stream failure; the
// subscription stays registered until Stop is called. Snapshot order does not
// matter, the engine normalizes it.
type SnapshotHandler func(msgs []Message, err error)

// A Subscription is a handle to one remote message stream.
type Subscription interface {
	Stop()
}

// Fields is a partial update applied to a stored message. Only the keys listed
// below are understood by the adapters.
type Fields map[string]any

// Field keys accepted in a Fields update.
const (
	FieldText      = "text"
	FieldEdited    = "is_edited"
	FieldDeleted   = "is_deleted"
	FieldReactions = "reactions"
)

// A Remote provides the durable message store behind the engine. Snapshots are
// pushed; writes are durable once the call returns. Implementations classify
// their errors with Classify so the engine can apply its retry and rollback
// policy.
type Remote interface {
	SubscribeToChannelMessages(ctx context.Context, channelID string, h SnapshotHandler) (Subscription, error)
	SubscribeToDirectMessages(ctx context.Context, peerID string, h SnapshotHandler) (Subscription, error)
	AppendMessage(ctx context.Context, channelID string, msg Message) (string, error)
	UpdateMessageFields(ctx context.Context, channelID, id string, fields Fields) error
}

// An Uploader stores message attachments.
type Uploader interface {
	UploadAttachment(ctx context.Context, channelID, name, mimeType string, r io.Reader) (Attachment, error)
}

// A MemberDirectory lists the users belonging to a channel.
type MemberDirectory interface {
	ListChannelMembers(ctx context.Context, channelID string) ([]Member, error)
}
