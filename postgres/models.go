package postgres

import (
	"time"

	"github.com/edgeee/chatsync/engine"
	"github.com/uptrace/bun"
)

// A message represents a message row. Reactions and the attachment metadata
// are embedded as JSONB because the engine always reads them together with
// the message they belong to.
type message struct {
	bun.BaseModel `bun:"table:messages"`

	ID              string             `bun:",pk,type:uuid,default:uuid_generate_v4()"`
	ChannelID       string             `bun:",notnull"`
	AuthorID        string             `bun:",notnull"`
	AuthorName      string             `bun:"author_name"`
	AuthorAvatarRef string             `bun:"author_avatar_ref"`
	MessageText     string             `bun:"message_text,notnull"`
	ThreadID        string             `bun:"thread_id"`
	IsEdited        bool               `bun:",notnull,default:false"`
	IsDeleted       bool               `bun:",notnull,default:false"`
	Reactions       []engine.Reaction  `bun:",type:jsonb,nullzero"`
	Attachment      *engine.Attachment `bun:",type:jsonb,nullzero"`
	CreatedAt       time.Time          `bun:",nullzero,default:now()"`
}

// An attachment holds the uploaded bytes. Messages reference attachments by
// URL only, so the blob is written once at upload time and never re-read on
// the snapshot path.
type attachment struct {
	bun.BaseModel `bun:"table:attachments"`

	ID        string    `bun:",pk,type:uuid,default:uuid_generate_v4()"`
	ChannelID string    `bun:",notnull"`
	Name      string    `bun:",notnull"`
	MimeType  string    `bun:"mime_type,notnull"`
	SizeBytes int64     `bun:",notnull"`
	Data      []byte    `bun:",notnull"`
	CreatedAt time.Time `bun:",nullzero,default:now()"`
}

func messageFromAPI(channelID string, msg engine.Message) *message {
	return &message{
		ID:              msg.ID,
		ChannelID:       channelID,
		AuthorID:        msg.AuthorID,
		AuthorName:      msg.AuthorName,
		AuthorAvatarRef: msg.AuthorAvatarRef,
		MessageText:     msg.Text,
		ThreadID:        msg.ThreadID,
		IsEdited:        msg.IsEdited,
		IsDeleted:       msg.IsDeleted,
		Reactions:       msg.Reactions,
		Attachment:      msg.Attachment,
		CreatedAt:       msg.CreatedAt,
	}
}

func (m message) APIMessage() engine.Message {
	return engine.Message{
		ID:              m.ID,
		ChannelID:       m.ChannelID,
		AuthorID:        m.AuthorID,
		AuthorName:      m.AuthorName,
		AuthorAvatarRef: m.AuthorAvatarRef,
		Text:            m.MessageText,
		CreatedAt:       m.CreatedAt,
		Reactions:       m.Reactions,
		IsEdited:        m.IsEdited,
		IsDeleted:       m.IsDeleted,
		ThreadID:        m.ThreadID,
		Attachment:      m.Attachment,
	}
}

func (a attachment) APIAttachment() engine.Attachment {
	return engine.Attachment{
		Name:      a.Name,
		SizeBytes: a.SizeBytes,
		MimeType:  a.MimeType,
		URL:       "pg://attachments/" + a.ID,
	}
}
