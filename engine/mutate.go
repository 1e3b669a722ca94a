package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"
)

// DeletedPlaceholder replaces the text of a soft-deleted message. The record
// itself is never removed.
const DeletedPlaceholder = "This message was deleted"

// An override is a local mutation (edit, soft delete, reaction toggle) layered
// on top of the authoritative snapshot until the store reflects it. Rolling a
// mutation back is removing its override; the original values still live in
// the snapshot.
type override struct {
	text      *string
	isEdited  *bool
	isDeleted *bool
	reactions []Reaction // nil means untouched
	original  string     // text before a soft delete, kept for rollback
	deferred  bool       // write held back because the target is still pending
}

func (ov *override) apply(m *Message) {
	if ov.text != nil {
		m.Text = *ov.text
	}
	if ov.isEdited != nil {
		m.IsEdited = *ov.isEdited
	}
	if ov.isDeleted != nil {
		m.IsDeleted = *ov.isDeleted
	}
	if ov.reactions != nil {
		m.Reactions = ov.reactions
	}
}

// fields returns the partial update that brings the store in line with the
// override.
func (ov *override) fields() Fields {
	f := Fields{}
	if ov.text != nil {
		f[FieldText] = *ov.text
	}
	if ov.isEdited != nil {
		f[FieldEdited] = *ov.isEdited
	}
	if ov.isDeleted != nil {
		f[FieldDeleted] = *ov.isDeleted
	}
	if ov.reactions != nil {
		f[FieldReactions] = ov.reactions
	}
	return f
}

// resolved reports whether the authoritative message already carries every
// overridden value, meaning the overlay is no longer needed.
func (ov *override) resolved(m Message) bool {
	if ov.text != nil && m.Text != *ov.text {
		return false
	}
	if ov.isEdited != nil && m.IsEdited != *ov.isEdited {
		return false
	}
	if ov.isDeleted != nil && m.IsDeleted != *ov.isDeleted {
		return false
	}
	if ov.reactions != nil && !equalReactions(m.Reactions, ov.reactions) {
		return false
	}
	return true
}

// overlayLocked returns a copy of msgs with the local overlays applied. The
// input, which is authoritative state, is never mutated; overlays the store
// has caught up with are dropped.
func (s *Session) overlayLocked(msgs []Message) []Message {
	out := slices.Clone(msgs)
	for i := range out {
		ov, ok := s.overrides[out[i].ID]
		if !ok {
			continue
		}
		if ov.resolved(out[i]) {
			delete(s.overrides, out[i].ID)
			continue
		}
		ov.apply(&out[i])
	}
	return out
}

func (s *Session) overrideFor(messageID string) *override {
	ov, ok := s.overrides[messageID]
	if !ok {
		ov = &override{}
		s.overrides[messageID] = ov
	}
	return ov
}

type outbound struct {
	Text      string `validate:"required"`
	ChannelID string `validate:"required"`
	AuthorID  string `validate:"required"`
}

// Send stages an optimistic entry for the active channel and issues the
// durable write. The entry surfaces immediately with a pending id and is
// confirmed, exactly once, by a later snapshot; if the write fails the entry
// is discarded and the error surfaced.
func (s *Session) Send(ctx context.Context, text string) (Message, error) {
	return s.send(ctx, text, "", nil)
}

// SendReply sends into the open thread. It fails if no thread is open.
func (s *Session) SendReply(ctx context.Context, text string) (Message, error) {
	s.init()
	s.mu.Lock()
	parent := s.threadParent
	s.mu.Unlock()
	if parent == "" {
		return Message{}, errors.New("no open thread")
	}
	return s.send(ctx, text, parent, nil)
}

// SendWithAttachment uploads the attachment first, then sends the message
// carrying it. Oversized or malformed attachments are rejected before any
// network call.
func (s *Session) SendWithAttachment(ctx context.Context, text, name, mimeType string, sizeBytes int64, r io.Reader) (Message, error) {
	s.init()

	if sizeBytes <= 0 || sizeBytes > s.Opts.MaxAttachmentBytes {
		return Message{}, ValidationError{Field: "attachment", Reason: fmt.Sprintf("size %d outside 1..%d bytes", sizeBytes, s.Opts.MaxAttachmentBytes)}
	}
	if errs := s.Val.Validate(mimeType, "required,mimetype"); len(errs) > 0 {
		return Message{}, ValidationError{Field: "attachment", Reason: "unsupported mime type"}
	}
	if s.Uploader == nil {
		return Message{}, errors.New("no uploader configured")
	}

	s.mu.Lock()
	if s.channelID == "" || s.state == StateClosed {
		s.mu.Unlock()
		return Message{}, errors.New("no active channel")
	}
	channelID := s.channelID
	s.upload = UploadInFlight
	s.emitViewLocked(nil)
	s.mu.Unlock()

	att, err := s.Uploader.UploadAttachment(ctx, channelID, name, mimeType, r)

	s.mu.Lock()
	if s.channelID == channelID {
		if err != nil {
			s.upload = UploadFailed
			s.emitViewLocked(err)
		} else {
			s.upload = UploadIdle
		}
	}
	s.mu.Unlock()
	if err != nil {
		return Message{}, fmt.Errorf("upload attachment: %w", err)
	}
	att.Name = name
	att.MimeType = mimeType
	att.SizeBytes = sizeBytes

	return s.send(ctx, text, "", &att)
}

func (s *Session) send(ctx context.Context, text, threadID string, att *Attachment) (Message, error) {
	s.init()

	s.mu.Lock()
	if s.channelID == "" || s.state == StateClosed {
		s.mu.Unlock()
		return Message{}, errors.New("no active channel")
	}
	channelID := s.channelID
	gen := s.gen
	s.mu.Unlock()

	msg := Message{
		ChannelID:       channelID,
		AuthorID:        s.UserID,
		AuthorName:      s.UserName,
		AuthorAvatarRef: s.UserAvatarRef,
		Text:            trimText(text),
		CreatedAt:       s.now(),
		ThreadID:        threadID,
		Attachment:      att,
	}
	ob := outbound{Text: msg.Text, ChannelID: msg.ChannelID, AuthorID: msg.AuthorID}
	if att != nil && ob.Text == "" {
		// Attachment-only messages are allowed.
		ob.Text = att.URL
	}
	if errs := s.Val.ValidateStruct(ob); len(errs) > 0 {
		return Message{}, ValidationError{Field: errs[0].Field, Reason: "must not be empty"}
	}

	s.mu.Lock()
	if gen != s.gen {
		// Channel switched while validating.
		s.mu.Unlock()
		return Message{}, errors.New("channel switched during send")
	}
	staged := s.pending.Stage(msg)
	s.merged = append(s.merged, staged)
	slices.SortFunc(s.merged, byTimestamp)
	s.sending = SendInFlight
	// The durable write is dispatched before the optimistic entry surfaces.
	go s.completeSend(ctx, gen, channelID, staged)
	s.refreshLocked(nil)
	s.mu.Unlock()

	return staged, nil
}

func (s *Session) completeSend(ctx context.Context, gen uint64, channelID string, staged Message) {
	durable := staged
	durable.ID = ""
	id, err := s.Remote.AppendMessage(ctx, channelID, durable)
	if err == nil {
		s.Logger.Info("Message appended", "channel", channelID, "id", id)
		return
	}

	s.Logger.Error("Could not append message", "channel", channelID, "error", err)
	s.mu.Lock()
	s.pending.Discard(staged.ID)
	delete(s.overrides, staged.ID)
	if gen == s.gen {
		s.merged = slices.DeleteFunc(s.merged, func(m Message) bool { return m.ID == staged.ID })
		s.sending = SendFailed
		s.refreshLocked(err)
	}
	s.mu.Unlock()
}

// ToggleReaction adds the user to the emoji's reaction set, or removes them if
// already present; an emptied reaction disappears. Two identical calls return
// to the original state. The change is applied locally first, then persisted.
func (s *Session) ToggleReaction(ctx context.Context, messageID, emoji string) error {
	s.init()

	s.mu.Lock()
	m, ok := s.findLocked(messageID)
	if !ok {
		s.mu.Unlock()
		s.Logger.Info("Reaction target gone, ignoring", "id", messageID)
		return nil
	}
	next := toggleReaction(m.Reactions, s.UserID, emoji)
	ov := s.overrideFor(messageID)
	ov.reactions = next
	if m.IsPending() {
		// The target has no durable id yet. Hold the write back; it is
		// issued under the durable id once a snapshot confirms the message.
		ov.deferred = true
		s.refreshLocked(nil)
		s.mu.Unlock()
		return nil
	}
	s.refreshLocked(nil)
	gen := s.gen
	channelID := m.ChannelID
	s.mu.Unlock()

	err := s.Remote.UpdateMessageFields(ctx, channelID, messageID, Fields{FieldReactions: next})
	return s.settleWrite("reaction", gen, messageID, err)
}

// EditMessage replaces the message text. Only the author may edit; empty or
// whitespace-only text is a no-op, not an error.
func (s *Session) EditMessage(ctx context.Context, messageID, newText string) error {
	s.init()

	newText = trimText(newText)
	if newText == "" {
		return nil
	}

	s.mu.Lock()
	m, ok := s.findLocked(messageID)
	if !ok {
		s.mu.Unlock()
		s.Logger.Info("Edit target gone, ignoring", "id", messageID)
		return nil
	}
	if m.AuthorID != s.UserID {
		s.mu.Unlock()
		return Classify(ErrPermission, fmt.Errorf("user %s is not the author of %s", s.UserID, messageID))
	}
	edited := true
	ov := s.overrideFor(messageID)
	ov.text = &newText
	ov.isEdited = &edited
	if m.IsPending() {
		ov.deferred = true
		s.refreshLocked(nil)
		s.mu.Unlock()
		return nil
	}
	s.refreshLocked(nil)
	gen := s.gen
	channelID := m.ChannelID
	s.mu.Unlock()

	err := s.Remote.UpdateMessageFields(ctx, channelID, messageID, Fields{FieldText: newText, FieldEdited: true})
	return s.settleWrite("edit", gen, messageID, err)
}

// DeleteMessage soft-deletes the message: the local view flips immediately,
// the durable write is retried with exponential backoff on transient failures.
// On a permanent failure the local state is rolled back, the original text
// restored, and the error surfaced. The record is never physically removed.
func (s *Session) DeleteMessage(ctx context.Context, messageID string) error {
	s.init()

	s.mu.Lock()
	m, ok := s.findLocked(messageID)
	if !ok {
		s.mu.Unlock()
		s.Logger.Info("Delete target gone, ignoring", "id", messageID)
		return nil
	}
	if m.AuthorID != s.UserID {
		s.mu.Unlock()
		return Classify(ErrPermission, fmt.Errorf("user %s is not the author of %s", s.UserID, messageID))
	}
	deleted := true
	placeholder := DeletedPlaceholder
	ov := s.overrideFor(messageID)
	ov.original = m.Text
	ov.isDeleted = &deleted
	ov.text = &placeholder
	if m.IsPending() {
		ov.deferred = true
		s.refreshLocked(nil)
		s.mu.Unlock()
		return nil
	}
	s.refreshLocked(nil)
	gen := s.gen
	channelID := m.ChannelID
	s.mu.Unlock()

	fields := Fields{FieldDeleted: true, FieldText: placeholder}
	var err error
	for attempt := 0; attempt < s.Opts.DeleteRetryAttempts; attempt++ {
		if attempt > 0 {
			delay := s.Opts.DeleteRetryBase << (attempt - 1)
			if !sleep(ctx, delay) {
				err = ctx.Err()
				break
			}
		}
		err = s.Remote.UpdateMessageFields(ctx, channelID, messageID, fields)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrTransient) {
			break
		}
		s.Logger.Info("Delete failed, retrying", "id", messageID, "attempt", attempt+1, "error", err)
	}

	if errors.Is(err, ErrNotFound) {
		s.Logger.Info("Delete target already gone remotely", "id", messageID)
		return nil
	}

	// Permanent failure: roll the soft delete back and surface the error.
	s.mu.Lock()
	delete(s.overrides, messageID)
	if gen == s.gen {
		s.refreshLocked(err)
	}
	s.mu.Unlock()
	s.Logger.Error("Could not delete message", "id", messageID, "error", err)
	return fmt.Errorf("delete message %s: %w", messageID, err)
}

// settleWrite applies the shared failure policy of reaction and edit writes:
// not-found means already resolved, anything else drops the local overlay so
// the view returns to the last authoritative state.
func (s *Session) settleWrite(op string, gen uint64, messageID string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		s.Logger.Info("Write target already gone remotely", "op", op, "id", messageID)
		return nil
	}

	s.mu.Lock()
	delete(s.overrides, messageID)
	if gen == s.gen {
		s.refreshLocked(err)
	}
	s.mu.Unlock()
	s.Logger.Error("Write failed", "op", op, "id", messageID, "error", err)
	return fmt.Errorf("%s on message %s: %w", op, messageID, err)
}

// toggleReaction returns the reaction set after toggling userID's membership
// on the emoji. The input is not mutated.
func toggleReaction(reactions []Reaction, userID, emoji string) []Reaction {
	out := make([]Reaction, 0, len(reactions)+1)
	found := false
	for _, r := range reactions {
		if r.Emoji != emoji {
			out = append(out, r)
			continue
		}
		found = true
		users := slices.Clone(r.UserIDs)
		if i := slices.Index(users, userID); i >= 0 {
			users = slices.Delete(users, i, i+1)
		} else {
			users = append(users, userID)
		}
		if len(users) > 0 {
			out = append(out, Reaction{Emoji: emoji, UserIDs: users})
		}
	}
	if !found {
		out = append(out, Reaction{Emoji: emoji, UserIDs: []string{userID}})
	}
	return out
}

func equalReactions(a, b []Reaction) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Emoji != b[i].Emoji || !slices.Equal(a[i].UserIDs, b[i].UserIDs) {
			return false
		}
	}
	return true
}

func trimText(s string) string {
	return strings.TrimSpace(s)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
