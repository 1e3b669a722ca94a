// Package postgres stores messages in PostgreSQL and pushes ordered snapshots
// to subscribers via LISTEN/NOTIFY.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/edgeee/chatsync/engine"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

// notifyChannel carries the ids of channels whose messages changed. Every
// write issues a NOTIFY; every subscription LISTENs and re-queries the channel
// it watches.
const notifyChannel = "chatsync_messages"

// Postgres provides durable message storage in PostgreSQL.
type Postgres struct {
	bun *bun.DB

	// userID identifies the local user. Direct conversations are stored
	// under the canonical id shared by both participants.
	userID string
}

// Connect connects to the database and pings it to ensure the connection is
// working. userID is the local user, needed to derive direct channel ids.
func Connect(ctx context.Context, connStr, userID string) (*Postgres, error) {
	sqlDB := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(connStr)))
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	db := bun.NewDB(sqlDB, pgdialect.New())
	return &Postgres{
		bun:    db,
		userID: userID,
	}, nil
}

// CreateSchema creates the tables the store needs, if absent.
func (pg *Postgres) CreateSchema(ctx context.Context) error {
	if _, err := pg.bun.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS "uuid-ossp"`); err != nil {
		return fmt.Errorf("create extension: %w", err)
	}
	for _, model := range []any{(*message)(nil), (*attachment)(nil)} {
		if _, err := pg.bun.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

// Close releases the underlying connection pool.
func (pg *Postgres) Close() error {
	return pg.bun.Close()
}

// AppendMessage inserts a message and returns its generated id. Subscribers
// of the channel are notified.
func (pg *Postgres) AppendMessage(ctx context.Context, channelID string, msg engine.Message) (string, error) {
	m := messageFromAPI(channelID, msg)
	if _, err := pg.bun.NewInsert().Model(m).Exec(ctx); err != nil {
		return "", classify(fmt.Errorf("insert: %w", err))
	}
	return m.ID, pg.notify(ctx, channelID)
}

// UpdateMessageFields applies a partial update to a stored message. A missing
// row reports not found.
func (pg *Postgres) UpdateMessageFields(ctx context.Context, channelID, id string, fields engine.Fields) error {
	q := pg.bun.NewUpdate().
		Model((*message)(nil)).
		Where("id = ?", id).
		Where("channel_id = ?", channelID)
	for k, v := range fields {
		switch k {
		case engine.FieldText:
			q = q.Set("message_text = ?", v)
		case engine.FieldEdited:
			q = q.Set("is_edited = ?", v)
		case engine.FieldDeleted:
			q = q.Set("is_deleted = ?", v)
		case engine.FieldReactions:
			b, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("marshal reactions: %w", err)
			}
			q = q.Set("reactions = ?::jsonb", string(b))
		default:
			return fmt.Errorf("unknown field %q", k)
		}
	}
	res, err := q.Exec(ctx)
	if err != nil {
		return classify(fmt.Errorf("update: %w", err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return engine.Classify(engine.ErrNotFound, fmt.Errorf("message %s", id))
	}
	return pg.notify(ctx, channelID)
}

// SubscribeToChannelMessages pushes an initial snapshot of the channel and a
// fresh one on every subsequent change, ordered by creation time.
func (pg *Postgres) SubscribeToChannelMessages(ctx context.Context, channelID string, h engine.SnapshotHandler) (engine.Subscription, error) {
	ln := pgdriver.NewListener(pg.bun)
	if err := ln.Listen(ctx, notifyChannel); err != nil {
		return nil, classify(fmt.Errorf("listen %s: %w", notifyChannel, err))
	}
	sub := &subscription{ln: ln, done: make(chan struct{})}
	go pg.stream(ctx, sub, channelID, h)
	return sub, nil
}

// SubscribeToDirectMessages subscribes the direct conversation with peerID.
func (pg *Postgres) SubscribeToDirectMessages(ctx context.Context, peerID string, h engine.SnapshotHandler) (engine.Subscription, error) {
	return pg.SubscribeToChannelMessages(ctx, engine.DirectChannelID(pg.userID, peerID), h)
}

// UploadAttachment stores the attachment bytes and returns metadata carrying
// a URL under which the blob is addressable.
func (pg *Postgres) UploadAttachment(ctx context.Context, channelID, name, mimeType string, r io.Reader) (engine.Attachment, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return engine.Attachment{}, fmt.Errorf("read attachment: %w", err)
	}
	a := &attachment{
		ChannelID: channelID,
		Name:      name,
		MimeType:  mimeType,
		SizeBytes: int64(len(data)),
		Data:      data,
	}
	if _, err := pg.bun.NewInsert().Model(a).Exec(ctx); err != nil {
		return engine.Attachment{}, classify(fmt.Errorf("insert attachment: %w", err))
	}
	return a.APIAttachment(), nil
}

func (pg *Postgres) stream(ctx context.Context, sub *subscription, channelID string, h engine.SnapshotHandler) {
	push := func() {
		msgs, err := pg.listMessages(ctx, channelID)
		if err != nil {
			h(nil, err)
			return
		}
		h(msgs, nil)
	}
	push()
	for {
		select {
		case <-sub.done:
			return
		case n, ok := <-sub.ln.Channel():
			if !ok {
				h(nil, engine.Classify(engine.ErrTransient, errors.New("listener closed")))
				return
			}
			if n.Payload != channelID {
				continue
			}
			push()
		}
	}
}

func (pg *Postgres) listMessages(ctx context.Context, channelID string) ([]engine.Message, error) {
	var msgs []message
	err := pg.bun.NewSelect().
		Model(&msgs).
		Where("channel_id = ?", channelID).
		Order("created_at ASC", "id ASC").
		Scan(ctx)
	if err != nil {
		return nil, classify(fmt.Errorf("scan: %w", err))
	}
	out := make([]engine.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.APIMessage()
	}
	return out, nil
}

func (pg *Postgres) notify(ctx context.Context, channelID string) error {
	if err := pgdriver.Notify(ctx, pg.bun, notifyChannel, channelID); err != nil {
		return classify(fmt.Errorf("notify: %w", err))
	}
	return nil
}

type subscription struct {
	ln   *pgdriver.Listener
	done chan struct{}
	once sync.Once
}

func (s *subscription) Stop() {
	s.once.Do(func() {
		close(s.done)
		s.ln.Close()
	})
}

// classify maps PostgreSQL failures onto the error classes the engine bases
// its retry and rollback decisions on.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return engine.Classify(engine.ErrNotFound, err)
	}
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) {
		if class := classifyCode(pgErr.Field('C')); class != nil {
			return engine.Classify(class, err)
		}
		return err
	}
	// Everything below the protocol layer (broken connections, timeouts) is
	// worth retrying.
	return engine.Classify(engine.ErrTransient, err)
}

// classifyCode maps a SQLSTATE onto an error class, nil when the code carries
// no retry or permission signal.
func classifyCode(code string) error {
	switch {
	case code == "42501", code == "28000", code == "28P01":
		return engine.ErrPermission
	case strings.HasPrefix(code, "08"), strings.HasPrefix(code, "40"),
		strings.HasPrefix(code, "53"), strings.HasPrefix(code, "57"),
		strings.HasPrefix(code, "58"), strings.HasPrefix(code, "XX"):
		return engine.ErrTransient
	}
	return nil
}
