// Package natsremote backs the engine with NATS JetStream. Each channel is an
// event log on its own subject; subscriptions replay the log and fold it into
// message snapshots. Attachments live in a JetStream object store.
package natsremote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/edgeee/chatsync/engine"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	streamName    = "CHATSYNC"
	subjectPrefix = "chatsync.msg"
	bucketName    = "chatsync-attachments"
)

// Remote provides message storage on a NATS JetStream deployment.
type Remote struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	store  jetstream.ObjectStore
	userID string
	logger *slog.Logger
}

// Connect connects to the NATS server and ensures the message stream and the
// attachment bucket exist. userID is the local user, needed to derive direct
// channel ids.
func Connect(ctx context.Context, url, userID string, logger *slog.Logger) (*Remote, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	if _, err := js.Stream(ctx, streamName); err != nil {
		if _, err := js.CreateStream(ctx, jetstream.StreamConfig{
			Name:        streamName,
			Description: "Chat message event logs, one subject per channel",
			Subjects:    []string{subjectPrefix + ".*"},
			Storage:     jetstream.FileStorage,
		}); err != nil {
			nc.Close()
			return nil, fmt.Errorf("create stream %s: %w", streamName, err)
		}
	}
	store, err := js.ObjectStore(ctx, bucketName)
	if err != nil {
		store, err = js.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{Bucket: bucketName})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create object store %s: %w", bucketName, err)
		}
	}

	return &Remote{
		nc:     nc,
		js:     js,
		store:  store,
		userID: userID,
		logger: logger,
	}, nil
}

// Close drops the NATS connection. Active subscriptions stop delivering.
func (r *Remote) Close() {
	r.nc.Close()
}

// AppendMessage publishes a created event for the message and returns its
// assigned id. Ids are generated here; whatever the caller staged locally is
// replaced.
func (r *Remote) AppendMessage(ctx context.Context, channelID string, msg engine.Message) (string, error) {
	msg.ID = uuid.NewString()
	msg.ChannelID = channelID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if err := r.publish(ctx, channelID, event{Type: eventCreated, Message: &msg}); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// UpdateMessageFields publishes an updated event carrying the partial patch.
// The log has no lookup, so an unknown id is not detected here; consumers
// drop patches for messages they never saw created.
func (r *Remote) UpdateMessageFields(ctx context.Context, channelID, id string, fields engine.Fields) error {
	p, err := patchFromFields(fields)
	if err != nil {
		return err
	}
	return r.publish(ctx, channelID, event{Type: eventUpdated, ID: id, Patch: p})
}

// SubscribeToChannelMessages replays the channel's event log and pushes a
// fresh snapshot after every event. An empty snapshot is pushed up front so a
// channel without history still renders.
func (r *Remote) SubscribeToChannelMessages(ctx context.Context, channelID string, h engine.SnapshotHandler) (engine.Subscription, error) {
	cons, err := r.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		FilterSubject: subjectFor(channelID),
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckNonePolicy,
	})
	if err != nil {
		return nil, classify(fmt.Errorf("create consumer for %s: %w", channelID, err))
	}

	acc := newSnapshotAccum()
	h(acc.snapshot(), nil)
	cc, err := cons.Consume(func(jsMsg jetstream.Msg) {
		var ev event
		if err := json.Unmarshal(jsMsg.Data(), &ev); err != nil {
			r.logger.Error("Dropping undecodable event", "subject", jsMsg.Subject(), "error", err)
			return
		}
		acc.fold(ev)
		h(acc.snapshot(), nil)
	})
	if err != nil {
		return nil, classify(fmt.Errorf("consume %s: %w", channelID, err))
	}
	return &subscription{cc: cc}, nil
}

// SubscribeToDirectMessages subscribes the direct conversation with peerID.
func (r *Remote) SubscribeToDirectMessages(ctx context.Context, peerID string, h engine.SnapshotHandler) (engine.Subscription, error) {
	return r.SubscribeToChannelMessages(ctx, engine.DirectChannelID(r.userID, peerID), h)
}

// UploadAttachment stores the attachment bytes in the object store and
// returns metadata carrying the object's URL.
func (r *Remote) UploadAttachment(ctx context.Context, channelID, name, mimeType string, rd io.Reader) (engine.Attachment, error) {
	id := uuid.NewString()
	info, err := r.store.Put(ctx, jetstream.ObjectMeta{
		Name:        id,
		Description: name,
		Metadata: map[string]string{
			"channel_id": channelID,
			"filename":   name,
			"mime_type":  mimeType,
		},
	}, rd)
	if err != nil {
		return engine.Attachment{}, classify(fmt.Errorf("put object %s: %w", id, err))
	}
	return engine.Attachment{
		Name:      name,
		MimeType:  mimeType,
		SizeBytes: int64(info.Size),
		URL:       "nats://" + bucketName + "/" + id,
	}, nil
}

func (r *Remote) publish(ctx context.Context, channelID string, ev event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := r.js.Publish(ctx, subjectFor(channelID), data); err != nil {
		return classify(fmt.Errorf("publish to %s: %w", subjectFor(channelID), err))
	}
	return nil
}

func subjectFor(channelID string) string {
	return subjectPrefix + "." + channelID
}

type subscription struct {
	cc jetstream.ConsumeContext
}

func (s *subscription) Stop() {
	s.cc.Stop()
}

// classify maps NATS failures onto the error classes the engine bases its
// retry and rollback decisions on. Broker errors are overwhelmingly worth
// retrying; only authorization failures are terminal.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, nats.ErrAuthorization):
		return engine.Classify(engine.ErrPermission, err)
	}
	return engine.Classify(engine.ErrTransient, err)
}
