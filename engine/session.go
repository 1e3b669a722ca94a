package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/edgeee/chatsync/cache"
	"github.com/edgeee/chatsync/engine/validator"
)

// State of a channel subscription.
type State int

const (
	StateIdle State = iota
	StateSubscribing
	StateStreaming
	StateError
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubscribing:
		return "subscribing"
	case StateStreaming:
		return "streaming"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// SendState reports the progress of the most recent outgoing message.
type SendState int

const (
	SendIdle SendState = iota
	SendInFlight
	SendFailed
)

// UploadState reports the progress of the most recent attachment upload.
type UploadState int

const (
	UploadIdle UploadState = iota
	UploadInFlight
	UploadFailed
)

// A View is the reactive state exposed to the UI for the active channel:
// messages merged with optimistic entries, grouped by calendar day. Err is
// non-nil when the emission was caused by a failure; the groups then still
// hold the last good state.
type View struct {
	ChannelID string
	Groups    []DateGroup
	Sending   SendState
	Upload    UploadState
	Err       error
}

// A ThreadView is the reactive state of the open thread, if any.
type ThreadView struct {
	ParentID string
	Replies  []Message
	Err      error
}

// Options tune the session. The zero value picks the documented defaults.
type Options struct {
	// MatchWindow bounds the timestamp drift accepted when confirming a
	// pending message against a remote one. Defaults to DefaultMatchWindow.
	MatchWindow time.Duration

	// MentionDebounce is the quiescence window coalescing keystroke-driven
	// mention lookups. Defaults to 300ms.
	MentionDebounce time.Duration

	// MemberTTL bounds how long a channel's member list is served from cache.
	// Defaults to 30s.
	MemberTTL time.Duration

	// DeleteRetryBase and DeleteRetryAttempts shape the backoff used to
	// confirm a soft delete: base delay doubled per attempt. Defaults: 1s, 3.
	DeleteRetryBase     time.Duration
	DeleteRetryAttempts int

	// MaxAttachmentBytes rejects oversized uploads before any network call.
	// Defaults to 10 MiB.
	MaxAttachmentBytes int64

	// Now is the clock, overridable in tests.
	Now func() time.Time
}

// A Session owns the subscription lifecycle for one active channel plus at
// most one open thread, and reconciles remote snapshots with local optimistic
// state. Collaborators are injected; construct with a struct literal and set
// at least Logger, Remote, UserID and OnView.
//
// Commands and snapshot delivery are serialized internally. The OnView,
// OnThread and OnMentions callbacks run on the delivering goroutine and must
// not call back into the session.
type Session struct {
	Logger   *slog.Logger
	Remote   Remote
	Uploader Uploader
	Members  MemberDirectory
	Val      *validator.Validator

	UserID        string
	UserName      string
	UserAvatarRef string

	OnView     func(View)
	OnThread   func(ThreadView)
	OnMentions func(query string, members []Member)

	Opts Options

	once sync.Once
	mu   sync.Mutex

	gen       uint64 // subscription generation, bumped on every switch
	threadGen uint64

	state     State
	channelID string // canonical id; for direct channels DirectChannelID(UserID, peer)
	peerID    string
	isDirect  bool
	sub       Subscription

	pending   *PendingSet
	overrides map[string]*override
	merged    []Message
	groups    []DateGroup
	sending   SendState
	upload    UploadState

	threadParent  string
	threadSub     Subscription
	threadReplies []Message

	mentions *Debouncer
	members  *cache.Cache[[]Member]
}

func (s *Session) init() {
	s.once.Do(func() {
		if s.Logger == nil {
			s.Logger = slog.Default()
		}
		if s.Val == nil {
			s.Val = validator.New()
		}
		if s.Opts.MentionDebounce <= 0 {
			s.Opts.MentionDebounce = 300 * time.Millisecond
		}
		if s.Opts.MemberTTL <= 0 {
			s.Opts.MemberTTL = 30 * time.Second
		}
		if s.Opts.DeleteRetryBase <= 0 {
			s.Opts.DeleteRetryBase = time.Second
		}
		if s.Opts.DeleteRetryAttempts <= 0 {
			s.Opts.DeleteRetryAttempts = 3
		}
		if s.Opts.MaxAttachmentBytes <= 0 {
			s.Opts.MaxAttachmentBytes = 10 << 20
		}
		if s.Opts.Now == nil {
			s.Opts.Now = time.Now
		}
		s.pending = NewPendingSet(s.Opts.MatchWindow)
		s.overrides = make(map[string]*override)
		s.mentions = NewDebouncer(s.Opts.MentionDebounce)
		s.members = cache.New[[]Member](cache.Config{
			TTL:      s.Opts.MemberTTL,
			MaxSize:  64,
			Strategy: cache.LRU,
		})
	})
}

func (s *Session) now() time.Time {
	return s.Opts.Now()
}

// SwitchChannel makes channelID the active channel. For a direct channel the
// argument is the peer's user id; the conversation is tracked under the
// canonical id shared by both participants. Switching to the already active
// channel is a no-op. The previous subscription is stopped, its optimistic
// entries are discarded and any open thread is closed before the new stream
// is established; snapshots still in flight for the superseded generation are
// dropped.
func (s *Session) SwitchChannel(ctx context.Context, channelID string, isDirect bool) error {
	s.init()

	key := channelID
	if isDirect {
		key = DirectChannelID(s.UserID, channelID)
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return errors.New("session closed")
	}
	if s.channelID == key && s.isDirect == isDirect && s.state != StateIdle {
		s.mu.Unlock()
		return nil
	}
	s.gen++
	s.threadGen++
	gen := s.gen
	prevSub := s.sub
	prevThread := s.threadSub
	prevChannel := s.channelID
	s.sub = nil
	s.threadSub = nil
	s.threadParent = ""
	s.threadReplies = nil
	s.channelID = key
	s.peerID = ""
	if isDirect {
		s.peerID = channelID
	}
	s.isDirect = isDirect
	s.state = StateSubscribing
	s.merged = nil
	s.groups = nil
	s.sending = SendIdle
	s.upload = UploadIdle
	s.overrides = make(map[string]*override)
	if prevChannel != "" {
		s.pending.DiscardChannel(prevChannel)
	}
	s.mu.Unlock()

	s.mentions.Stop()
	if prevThread != nil {
		prevThread.Stop()
	}
	if prevSub != nil {
		prevSub.Stop()
	}
	s.Logger.Info("Switching channel", "channel", key, "direct", isDirect, "generation", gen)
	return s.startSubscription(ctx, gen, key, channelID, isDirect)
}

// startSubscription subscribes the remote stream for gen. channelID is the
// canonical id used for local state; peerID is the raw argument handed to the
// remote for direct channels.
func (s *Session) startSubscription(ctx context.Context, gen uint64, channelID, peerID string, isDirect bool) error {
	h := func(msgs []Message, err error) {
		s.deliver(gen, channelID, isDirect, msgs, err)
	}
	var (
		sub Subscription
		err error
	)
	if isDirect {
		sub, err = s.Remote.SubscribeToDirectMessages(ctx, peerID, h)
	} else {
		sub, err = s.Remote.SubscribeToChannelMessages(ctx, channelID, h)
	}
	if err != nil {
		s.mu.Lock()
		if gen == s.gen {
			s.state = StateError
			s.emitViewLocked(err)
		}
		s.mu.Unlock()
		return fmt.Errorf("subscribe to %s: %w", channelID, err)
	}

	s.mu.Lock()
	if gen != s.gen {
		// Superseded while subscribing.
		s.mu.Unlock()
		sub.Stop()
		return nil
	}
	s.sub = sub
	s.mu.Unlock()
	return nil
}

// deliver is the single entry point for remote snapshots and stream errors of
// the main channel subscription.
func (s *Session) deliver(gen uint64, channelID string, isDirect bool, msgs []Message, err error) {
	s.mu.Lock()
	if gen != s.gen {
		// Stale generation, dropped unconditionally.
		s.mu.Unlock()
		return
	}
	if err != nil {
		if errors.Is(err, ErrCorrupted) {
			s.state = StateSubscribing
			s.mu.Unlock()
			s.Logger.Error("Message stream corrupted, re-establishing", "channel", channelID, "error", err)
			go s.reestablish(channelID, isDirect)
			return
		}
		s.state = StateError
		s.emitViewLocked(err)
		s.mu.Unlock()
		s.Logger.Error("Message stream failed", "channel", channelID, "error", err)
		return
	}

	if s.state == StateSubscribing {
		s.state = StateStreaming
	}
	var confirmed map[string]string
	s.merged, confirmed = s.pending.Reconcile(channelID, msgs)
	s.applyConfirmationsLocked(channelID, confirmed)
	s.groups = GroupByDate(topLevel(s.overlayLocked(s.merged)), s.now())
	if s.sending == SendInFlight && s.pending.Len(channelID) == 0 {
		s.sending = SendIdle
	}
	s.emitViewLocked(nil)
	s.mu.Unlock()
}

// reestablish tears the active subscription down and subscribes the same
// channel again under a fresh generation. Pending entries are kept; the
// channel did not change.
func (s *Session) reestablish(channelID string, isDirect bool) {
	s.mu.Lock()
	if s.channelID != channelID || s.isDirect != isDirect {
		s.mu.Unlock()
		return
	}
	s.gen++
	gen := s.gen
	old := s.sub
	peerID := s.peerID
	s.sub = nil
	s.state = StateSubscribing
	s.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	if err := s.startSubscription(context.Background(), gen, channelID, peerID, isDirect); err != nil {
		s.Logger.Error("Could not re-establish stream", "channel", channelID, "error", err)
	}
}

// OpenThread subscribes a reply stream for the given parent message. At most
// one thread is open at a time; opening a new one closes the previous. The
// parent channel subscription is unaffected.
func (s *Session) OpenThread(ctx context.Context, parentMessageID string) error {
	s.init()

	s.mu.Lock()
	if s.channelID == "" || s.state == StateClosed {
		s.mu.Unlock()
		return errors.New("no active channel")
	}
	if _, ok := s.findLocked(parentMessageID); !ok {
		s.mu.Unlock()
		return Classify(ErrNotFound, fmt.Errorf("message %s", parentMessageID))
	}
	s.threadGen++
	tgen := s.threadGen
	gen := s.gen
	prev := s.threadSub
	s.threadSub = nil
	s.threadParent = parentMessageID
	s.threadReplies = nil
	channelID := s.channelID
	peerID := s.peerID
	isDirect := s.isDirect
	s.mu.Unlock()

	if prev != nil {
		prev.Stop()
	}

	h := func(msgs []Message, err error) {
		s.deliverThread(gen, tgen, channelID, parentMessageID, msgs, err)
	}
	var (
		sub Subscription
		err error
	)
	if isDirect {
		sub, err = s.Remote.SubscribeToDirectMessages(ctx, peerID, h)
	} else {
		sub, err = s.Remote.SubscribeToChannelMessages(ctx, channelID, h)
	}
	if err != nil {
		return fmt.Errorf("subscribe thread %s: %w", parentMessageID, err)
	}

	s.mu.Lock()
	if tgen != s.threadGen || gen != s.gen {
		s.mu.Unlock()
		sub.Stop()
		return nil
	}
	s.threadSub = sub
	s.mu.Unlock()
	return nil
}

// CloseThread tears down the open thread subscription, if any. The parent
// channel subscription keeps streaming.
func (s *Session) CloseThread() {
	s.init()

	s.mu.Lock()
	sub := s.threadSub
	s.threadSub = nil
	s.threadParent = ""
	s.threadReplies = nil
	s.threadGen++
	s.mu.Unlock()

	if sub != nil {
		sub.Stop()
	}
}

func (s *Session) deliverThread(gen, tgen uint64, channelID, parentID string, msgs []Message, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || tgen != s.threadGen {
		return
	}
	if err != nil {
		s.emitThreadLocked(parentID, err)
		return
	}
	merged, confirmed := s.pending.Reconcile(channelID, msgs)
	s.applyConfirmationsLocked(channelID, confirmed)
	replies := make([]Message, 0)
	for _, m := range merged {
		if m.ThreadID == parentID {
			replies = append(replies, m)
		}
	}
	s.threadReplies = replies
	s.emitThreadLocked(parentID, nil)
}

// LookupMentions resolves channel members matching the query, debounced by the
// configured quiescence window so bursts of keystrokes issue one directory
// call. Superseding input cancels the previous lookup; results for a stale
// generation are not delivered.
func (s *Session) LookupMentions(ctx context.Context, query string) {
	s.init()

	s.mu.Lock()
	channelID := s.channelID
	gen := s.gen
	s.mu.Unlock()
	if channelID == "" || s.Members == nil || s.OnMentions == nil {
		return
	}

	s.mentions.Trigger(func() {
		members, err := s.members.GetOrCompute(ctx, channelID, func(ctx context.Context) ([]Member, error) {
			return s.Members.ListChannelMembers(ctx, channelID)
		})
		if err != nil {
			s.Logger.Error("Could not list channel members", "channel", channelID, "error", err)
			return
		}
		matched := filterMembers(members, query)

		s.mu.Lock()
		stale := gen != s.gen
		s.mu.Unlock()
		if stale {
			return
		}
		s.OnMentions(query, matched)
	})
}

// RefreshView re-derives the date group labels against the current time and
// re-emits the view. Intended to be driven by a coarse host timer so "Today"
// does not go stale overnight.
func (s *Session) RefreshView() {
	s.init()

	s.mu.Lock()
	RefreshLabels(s.groups, s.now())
	s.emitViewLocked(nil)
	s.mu.Unlock()
}

// Close stops all subscriptions and timers and discards optimistic state. The
// session cannot be reused afterwards.
func (s *Session) Close() {
	s.init()

	s.mu.Lock()
	s.gen++
	s.threadGen++
	sub := s.sub
	tsub := s.threadSub
	s.sub = nil
	s.threadSub = nil
	if s.channelID != "" {
		s.pending.DiscardChannel(s.channelID)
	}
	s.channelID = ""
	s.peerID = ""
	s.threadParent = ""
	s.state = StateClosed
	s.merged = nil
	s.groups = nil
	s.threadReplies = nil
	s.overrides = make(map[string]*override)
	s.mu.Unlock()

	if sub != nil {
		sub.Stop()
	}
	if tsub != nil {
		tsub.Stop()
	}
	s.mentions.Stop()
	s.members.Stop()
}

// State reports the state of the active channel subscription.
func (s *Session) State() State {
	s.init()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ActiveChannel reports the id of the active channel, empty if none.
func (s *Session) ActiveChannel() string {
	s.init()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channelID
}

func (s *Session) emitViewLocked(err error) {
	if s.OnView == nil {
		return
	}
	s.OnView(View{
		ChannelID: s.channelID,
		Groups:    s.groups,
		Sending:   s.sending,
		Upload:    s.upload,
		Err:       err,
	})
}

func (s *Session) emitThreadLocked(parentID string, err error) {
	if s.OnThread == nil {
		return
	}
	s.OnThread(ThreadView{
		ParentID: parentID,
		Replies:  s.threadRepliesLocked(parentID),
		Err:      err,
	})
}

// threadRepliesLocked merges the authoritative reply set with optimistic
// replies still awaiting confirmation, so a just-sent reply surfaces without
// waiting for the store to push a snapshot.
func (s *Session) threadRepliesLocked(parentID string) []Message {
	replies := s.overlayLocked(s.threadReplies)
	seen := make(map[string]struct{}, len(replies))
	for _, m := range replies {
		seen[m.ID] = struct{}{}
	}
	for _, m := range s.merged {
		if m.ThreadID != parentID || !m.IsPending() {
			continue
		}
		if _, dup := seen[m.ID]; dup {
			continue
		}
		replies = append(replies, m)
	}
	slices.SortFunc(replies, byTimestamp)
	return replies
}

// applyConfirmationsLocked re-keys local overlays from pending ids to the
// durable ids that confirmed them, and issues the writes that were deferred
// while their target was pending. Pending ids never reach the store. Entries
// the other subscription still holds under a confirmed pending id are purged.
func (s *Session) applyConfirmationsLocked(channelID string, confirmed map[string]string) {
	if len(confirmed) == 0 {
		return
	}
	stale := func(m Message) bool {
		_, ok := confirmed[m.ID]
		return ok
	}
	s.merged = slices.DeleteFunc(s.merged, stale)
	s.threadReplies = slices.DeleteFunc(s.threadReplies, stale)
	for pendingID, durableID := range confirmed {
		ov, ok := s.overrides[pendingID]
		if !ok {
			continue
		}
		delete(s.overrides, pendingID)
		s.overrides[durableID] = ov
		if !ov.deferred {
			continue
		}
		ov.deferred = false
		gen := s.gen
		fields := ov.fields()
		go func(id string) {
			err := s.Remote.UpdateMessageFields(context.Background(), channelID, id, fields)
			s.settleWrite("update", gen, id, err)
		}(durableID)
	}
}

// findLocked returns the message as currently visible, local overlay included.
func (s *Session) findLocked(messageID string) (Message, bool) {
	for _, m := range s.merged {
		if m.ID == messageID {
			if ov, ok := s.overrides[messageID]; ok {
				ov.apply(&m)
			}
			return m, true
		}
	}
	for _, m := range s.threadReplies {
		if m.ID == messageID {
			if ov, ok := s.overrides[messageID]; ok {
				ov.apply(&m)
			}
			return m, true
		}
	}
	return Message{}, false
}

func (s *Session) regroupLocked() {
	s.groups = GroupByDate(topLevel(s.overlayLocked(s.merged)), s.now())
}

// refreshLocked recomputes the derived views after a local mutation and
// emits them.
func (s *Session) refreshLocked(err error) {
	s.regroupLocked()
	s.emitViewLocked(err)
	if s.threadParent != "" {
		s.emitThreadLocked(s.threadParent, nil)
	}
}

func topLevel(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ThreadID == "" {
			out = append(out, m)
		}
	}
	return out
}

func filterMembers(members []Member, query string) []Member {
	query = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(query), "@"))
	if query == "" {
		return slices.Clone(members)
	}
	out := make([]Member, 0, len(members))
	for _, m := range members {
		if strings.HasPrefix(strings.ToLower(m.Name), query) || strings.HasPrefix(strings.ToLower(m.UserID), query) {
			out = append(out, m)
		}
	}
	return out
}
