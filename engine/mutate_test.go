package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestToggleReaction(t *testing.T) {
	tests := []struct {
		name  string
		in    []Reaction
		user  string
		emoji string
		want  []Reaction
	}{
		{
			name:  "NewEmoji",
			in:    nil,
			user:  "u1",
			emoji: "👍",
			want:  []Reaction{{Emoji: "👍", UserIDs: []string{"u1"}}},
		},
		{
			name:  "JoinExisting",
			in:    []Reaction{{Emoji: "👍", UserIDs: []string{"u2"}}},
			user:  "u1",
			emoji: "👍",
			want:  []Reaction{{Emoji: "👍", UserIDs: []string{"u2", "u1"}}},
		},
		{
			name:  "LeaveExisting",
			in:    []Reaction{{Emoji: "👍", UserIDs: []string{"u1", "u2"}}},
			user:  "u1",
			emoji: "👍",
			want:  []Reaction{{Emoji: "👍", UserIDs: []string{"u2"}}},
		},
		{
			name:  "LastUserRemovesReaction",
			in:    []Reaction{{Emoji: "👍", UserIDs: []string{"u1"}}, {Emoji: "🎉", UserIDs: []string{"u2"}}},
			user:  "u1",
			emoji: "👍",
			want:  []Reaction{{Emoji: "🎉", UserIDs: []string{"u2"}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := toggleReaction(tt.in, tt.user, tt.emoji)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Reactions mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestToggleReaction_Idempotent(t *testing.T) {
	orig := []Reaction{{Emoji: "👍", UserIDs: []string{"u2"}}}

	once := toggleReaction(orig, "u1", "👍")
	twice := toggleReaction(once, "u1", "👍")

	if diff := cmp.Diff(orig, twice); diff != "" {
		t.Errorf("Double toggle did not return to the original state (-want +got):\n%s", diff)
	}
	if got := once[0].Count(); got != 2 {
		t.Errorf("Count after one toggle is %d, want 2", got)
	}
	if got := twice[0].Count(); got != 1 {
		t.Errorf("Count after two toggles is %d, want 1", got)
	}
}

func TestSession_ToggleReaction(t *testing.T) {
	var updates []Fields
	r := &testremote{
		updateFields: func(t *testing.T, channelID, id string, fields Fields) error {
			if id != "m1" {
				t.Errorf("Update targets %q, want m1", id)
			}
			updates = append(updates, fields)
			return nil
		},
	}
	s, views := newTestSession(t, r)
	defer s.Close()

	if err := s.SwitchChannel(context.Background(), "c1", false); err != nil {
		t.Fatal(err)
	}
	snapshot := []Message{msg("m1", "c1", "u2", "nice", t0)}
	r.push(0, snapshot)

	if err := s.ToggleReaction(context.Background(), "m1", "👍"); err != nil {
		t.Fatal(err)
	}

	got := views.last().Groups[0].Messages[0].Reactions
	want := []Reaction{{Emoji: "👍", UserIDs: []string{"u1"}}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Reactions mismatch (-want +got):\n%s", diff)
	}
	if len(updates) != 1 {
		t.Fatalf("Got %d remote updates, want 1", len(updates))
	}

	// A snapshot that does not carry the reaction yet keeps the local overlay.
	r.push(0, snapshot)
	got = views.last().Groups[0].Messages[0].Reactions
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Overlay lost before the store caught up (-want +got):\n%s", diff)
	}

	// Once the store reflects the toggle the overlay resolves.
	confirmed := msg("m1", "c1", "u2", "nice", t0)
	confirmed.Reactions = want
	r.push(0, []Message{confirmed})
	if len(s.overrides) != 0 {
		t.Error("Resolved overlay was not dropped")
	}

	// Toggling again returns to no reactions.
	if err := s.ToggleReaction(context.Background(), "m1", "👍"); err != nil {
		t.Fatal(err)
	}
	if got := views.last().Groups[0].Messages[0].Reactions; len(got) != 0 {
		t.Errorf("Got %v after second toggle, want none", got)
	}
}

func TestSession_ToggleReaction_WriteFailureReverts(t *testing.T) {
	r := &testremote{
		updateFields: func(t *testing.T, channelID, id string, fields Fields) error {
			return Classify(ErrTransient, errors.New("store down"))
		},
	}
	s, views := newTestSession(t, r)
	defer s.Close()

	if err := s.SwitchChannel(context.Background(), "c1", false); err != nil {
		t.Fatal(err)
	}
	r.push(0, []Message{msg("m1", "c1", "u2", "nice", t0)})

	err := s.ToggleReaction(context.Background(), "m1", "👍")
	if err == nil {
		t.Fatal("Failed write must surface an error")
	}
	if got := views.last().Groups[0].Messages[0].Reactions; len(got) != 0 {
		t.Errorf("Got %v after failed write, want the authoritative empty set", got)
	}
}

func TestSession_EditMessage(t *testing.T) {
	tests := []struct {
		name       string
		author     string
		newText    string
		wantErr    error
		wantText   string
		wantUpdate bool
	}{
		{
			name:       "OK",
			author:     "u1",
			newText:    "  fixed typo  ",
			wantText:   "fixed typo",
			wantUpdate: true,
		},
		{
			name:     "NotTheAuthor",
			author:   "u2",
			newText:  "hijack",
			wantErr:  ErrPermission,
			wantText: "original",
		},
		{
			name:     "EmptyTextIsNoOp",
			author:   "u1",
			newText:  "  \n ",
			wantText: "original",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var updated bool
			r := &testremote{
				updateFields: func(t *testing.T, channelID, id string, fields Fields) error {
					updated = true
					if fields[FieldText] != "fixed typo" || fields[FieldEdited] != true {
						t.Errorf("Got fields %v", fields)
					}
					return nil
				},
			}
			s, views := newTestSession(t, r)
			defer s.Close()

			if err := s.SwitchChannel(context.Background(), "c1", false); err != nil {
				t.Fatal(err)
			}
			r.push(0, []Message{msg("m1", "c1", tt.author, "original", t0)})

			err := s.EditMessage(context.Background(), "m1", tt.newText)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Got error %v, want %v", err, tt.wantErr)
				}
			} else if err != nil {
				t.Fatal(err)
			}

			m := views.last().Groups[0].Messages[0]
			if m.Text != tt.wantText {
				t.Errorf("Got text %q, want %q", m.Text, tt.wantText)
			}
			if m.IsEdited != tt.wantUpdate {
				t.Errorf("Got IsEdited=%v, want %v", m.IsEdited, tt.wantUpdate)
			}
			if updated != tt.wantUpdate {
				t.Errorf("Remote update issued=%v, want %v", updated, tt.wantUpdate)
			}
		})
	}
}

func TestSession_DeleteMessage_RetriesTransient(t *testing.T) {
	var calls int
	r := &testremote{
		updateFields: func(t *testing.T, channelID, id string, fields Fields) error {
			calls++
			if calls < 3 {
				return Classify(ErrTransient, errors.New("network blip"))
			}
			if fields[FieldDeleted] != true {
				t.Errorf("Got fields %v, want a soft delete", fields)
			}
			return nil
		},
	}
	s, views := newTestSession(t, r)
	defer s.Close()

	if err := s.SwitchChannel(context.Background(), "c1", false); err != nil {
		t.Fatal(err)
	}
	r.push(0, []Message{msg("m1", "c1", "u1", "oops", t0)})

	if err := s.DeleteMessage(context.Background(), "m1"); err != nil {
		t.Fatal(err)
	}
	if calls != 3 {
		t.Errorf("Got %d attempts, want 3", calls)
	}

	m := views.last().Groups[0].Messages[0]
	if !m.IsDeleted || m.Text != DeletedPlaceholder {
		t.Errorf("Got IsDeleted=%v text=%q, want deleted placeholder", m.IsDeleted, m.Text)
	}
}

func TestSession_DeleteMessage_PermissionRollback(t *testing.T) {
	r := &testremote{
		updateFields: func(t *testing.T, channelID, id string, fields Fields) error {
			return Classify(ErrPermission, errors.New("permission-denied"))
		},
	}
	s, views := newTestSession(t, r)
	defer s.Close()

	if err := s.SwitchChannel(context.Background(), "c1", false); err != nil {
		t.Fatal(err)
	}
	r.push(0, []Message{msg("m1", "c1", "u1", "precious", t0)})

	err := s.DeleteMessage(context.Background(), "m1")
	if !errors.Is(err, ErrPermission) {
		t.Fatalf("Got error %v, want permission denied", err)
	}

	v := views.last()
	if v.Err == nil {
		t.Error("Rollback must surface an error to the user")
	}
	m := v.Groups[0].Messages[0]
	if m.IsDeleted || m.Text != "precious" {
		t.Errorf("Got IsDeleted=%v text=%q, want the original restored", m.IsDeleted, m.Text)
	}
}

func TestSession_DeleteMessage_SoftDeleteIsNonDestructive(t *testing.T) {
	block := make(chan error, 1)
	r := &testremote{
		updateFields: func(t *testing.T, channelID, id string, fields Fields) error {
			return <-block
		},
	}
	s, views := newTestSession(t, r)
	defer s.Close()

	if err := s.SwitchChannel(context.Background(), "c1", false); err != nil {
		t.Fatal(err)
	}
	r.push(0, []Message{msg("m1", "c1", "u1", "precious", t0)})

	done := make(chan error, 1)
	go func() { done <- s.DeleteMessage(context.Background(), "m1") }()

	// While the confirm is in flight the view shows the tombstone but the
	// original text is retained for rollback.
	waitFor(t, func() bool {
		v := views.last()
		return countMessages(v) == 1 && v.Groups[0].Messages[0].IsDeleted
	})
	s.mu.Lock()
	ov := s.overrides["m1"]
	s.mu.Unlock()
	if ov == nil || ov.original != "precious" {
		t.Fatal("Original text not retained during the in-flight delete")
	}

	block <- Classify(ErrPermission, errors.New("permission-denied"))
	if err := <-done; !errors.Is(err, ErrPermission) {
		t.Fatalf("Got error %v, want permission denied", err)
	}
	if got := views.last().Groups[0].Messages[0].Text; got != "precious" {
		t.Errorf("Got text %q after rollback, want precious", got)
	}
}

func TestSession_DeleteMessage_NotFoundIsResolved(t *testing.T) {
	r := &testremote{
		updateFields: func(t *testing.T, channelID, id string, fields Fields) error {
			return Classify(ErrNotFound, errors.New("gone"))
		},
	}
	s, _ := newTestSession(t, r)
	defer s.Close()

	if err := s.SwitchChannel(context.Background(), "c1", false); err != nil {
		t.Fatal(err)
	}
	r.push(0, []Message{msg("m1", "c1", "u1", "gone soon", t0)})

	if err := s.DeleteMessage(context.Background(), "m1"); err != nil {
		t.Errorf("Got error %v, want nil: deleting an already-deleted message is resolved", err)
	}
}

func TestSession_DeleteMessage_NotTheAuthor(t *testing.T) {
	r := &testremote{
		updateFields: func(t *testing.T, channelID, id string, fields Fields) error {
			t.Error("No write may be issued for a rejected delete")
			return nil
		},
	}
	s, _ := newTestSession(t, r)
	defer s.Close()

	if err := s.SwitchChannel(context.Background(), "c1", false); err != nil {
		t.Fatal(err)
	}
	r.push(0, []Message{msg("m1", "c1", "u2", "not yours", t0)})

	if err := s.DeleteMessage(context.Background(), "m1"); !errors.Is(err, ErrPermission) {
		t.Errorf("Got error %v, want permission denied", err)
	}
}

func TestClassify(t *testing.T) {
	cause := errors.New("pq: deadlock detected")
	err := Classify(ErrTransient, cause)

	if !errors.Is(err, ErrTransient) {
		t.Error("Classified error must match its class")
	}
	if !errors.Is(err, cause) {
		t.Error("Classified error must keep its cause reachable")
	}
	if Classify(ErrTransient, nil) != nil {
		t.Error("Classifying nil must stay nil")
	}
}

func TestSession_DeleteMessage_ContextCancelled(t *testing.T) {
	r := &testremote{
		updateFields: func(t *testing.T, channelID, id string, fields Fields) error {
			return Classify(ErrTransient, errors.New("still down"))
		},
	}
	s, _ := newTestSession(t, r)
	defer s.Close()
	s.Opts.DeleteRetryBase = time.Hour // force the retry wait to rely on ctx

	if err := s.SwitchChannel(context.Background(), "c1", false); err != nil {
		t.Fatal(err)
	}
	r.push(0, []Message{msg("m1", "c1", "u1", "hi", t0)})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.DeleteMessage(ctx, "m1") }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Cancelled delete must report an error")
		}
	case <-time.After(time.Second):
		t.Fatal("Delete did not return after cancellation")
	}
}

func TestSession_ToggleReaction_PendingTargetDefersWrite(t *testing.T) {
	updates := make(chan string, 4)
	r := &testremote{
		updateFields: func(t *testing.T, channelID, id string, fields Fields) error {
			updates <- id
			return nil
		},
	}
	s, views := newTestSession(t, r)
	defer s.Close()

	if err := s.SwitchChannel(context.Background(), "c1", false); err != nil {
		t.Fatal(err)
	}
	r.push(0, nil)

	staged, err := s.Send(context.Background(), "hello")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.ToggleReaction(context.Background(), staged.ID, "👍"); err != nil {
		t.Fatal(err)
	}

	// No write may carry the pending id.
	select {
	case id := <-updates:
		t.Fatalf("Update issued for %q while the target was pending", id)
	case <-time.After(50 * time.Millisecond):
	}

	// The reaction is visible on the staged entry meanwhile.
	v := views.last()
	if got := v.Groups[0].Messages[0].Reactions; len(got) != 1 || got[0].Count() != 1 {
		t.Fatalf("Got reactions %+v on the staged entry, want the toggle applied", got)
	}

	// Confirmation re-keys the overlay and issues the held-back write under
	// the durable id.
	r.push(0, []Message{msg("m42", "c1", "u1", "hello", t0.Add(2*time.Second))})

	select {
	case id := <-updates:
		if id != "m42" {
			t.Errorf("Deferred write went to %q, want m42", id)
		}
	case <-time.After(time.Second):
		t.Fatal("Deferred write never issued")
	}

	m := views.last().Groups[0].Messages[0]
	if m.ID != "m42" {
		t.Fatalf("Got message id %q after confirmation, want m42", m.ID)
	}
	if len(m.Reactions) != 1 || m.Reactions[0].Count() != 1 {
		t.Errorf("Got reactions %+v after confirmation, want the toggle carried over", m.Reactions)
	}
}

func TestSession_EditMessage_PendingTargetDefersWrite(t *testing.T) {
	type update struct {
		id     string
		fields Fields
	}
	updates := make(chan update, 4)
	r := &testremote{
		updateFields: func(t *testing.T, channelID, id string, fields Fields) error {
			updates <- update{id: id, fields: fields}
			return nil
		},
	}
	s, views := newTestSession(t, r)
	defer s.Close()

	if err := s.SwitchChannel(context.Background(), "c1", false); err != nil {
		t.Fatal(err)
	}
	r.push(0, nil)

	staged, err := s.Send(context.Background(), "tpyo")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.EditMessage(context.Background(), staged.ID, "typo"); err != nil {
		t.Fatal(err)
	}

	select {
	case u := <-updates:
		t.Fatalf("Update issued for %q while the target was pending", u.id)
	case <-time.After(50 * time.Millisecond):
	}

	// The staging text is unchanged, so the snapshot still confirms it.
	r.push(0, []Message{msg("m7", "c1", "u1", "tpyo", t0.Add(time.Second))})

	select {
	case u := <-updates:
		if u.id != "m7" {
			t.Errorf("Deferred write went to %q, want m7", u.id)
		}
		if u.fields[FieldText] != "typo" || u.fields[FieldEdited] != true {
			t.Errorf("Deferred write carried fields %v", u.fields)
		}
	case <-time.After(time.Second):
		t.Fatal("Deferred write never issued")
	}

	m := views.last().Groups[0].Messages[0]
	if m.ID != "m7" || m.Text != "typo" || !m.IsEdited {
		t.Errorf("Got %+v after confirmation, want the edit carried over", m)
	}
}
