package store

import (
	"slices"
	"testing"
	"time"

	"github.com/matheus3301/imcore/internal/bus"
	"github.com/matheus3301/imcore/internal/model"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func testStore(t *testing.T) (*Store, *[]int) {
	t.Helper()
	var totals []int
	s := New(Options{
		LocalUserID: "me",
		Badge:       BadgeFunc(func(n int) { totals = append(totals, n) }),
	})
	s.SetConversations([]model.Conversation{
		{ID: "c1", Kind: model.KindPrivate, Name: "Alice", ParticipantIDs: []string{"me", "u1"}, LastActivity: t0},
		{ID: "c2", Kind: model.KindProject, ProjectID: "p1", Name: "Apollo", ParticipantIDs: []string{"me", "u1", "u2"}, LastActivity: t0},
	})
	return s, &totals
}

func msg(id, conv, sender string, at time.Time) model.Message {
	return model.Message{ID: id, ConversationID: conv, SenderID: sender, Content: "hi " + id, Kind: model.MessageText, Status: model.StatusSent, Timestamp: at}
}

// checkAggregate asserts the derived unread state matches the conversation
// list after any operation.
func checkAggregate(t *testing.T, s *Store) {
	t.Helper()
	snap := s.Snapshot()
	sum := 0
	for _, c := range snap.Conversations {
		if c.UnreadCount < 0 {
			t.Errorf("conversation %s unread = %d, want >= 0", c.ID, c.UnreadCount)
		}
		if c.ID == snap.Current && c.UnreadCount != 0 {
			t.Errorf("current conversation %s unread = %d, want 0", c.ID, c.UnreadCount)
		}
		if snap.Unread[c.ID] != c.UnreadCount {
			t.Errorf("unread map[%s] = %d, want %d", c.ID, snap.Unread[c.ID], c.UnreadCount)
		}
		sum += c.UnreadCount
	}
	if snap.TotalUnread != sum {
		t.Errorf("total = %d, want %d", snap.TotalUnread, sum)
	}
}

func TestAppendIsIdempotent(t *testing.T) {
	s, _ := testStore(t)
	m := msg("m1", "c1", "u1", t0.Add(time.Minute))

	first := s.AppendMessage(m)
	if !first.Appended || !first.Incremented {
		t.Fatalf("first append = %+v, want appended and incremented", first)
	}
	again := s.AppendMessage(m)
	if again.Appended || again.Incremented {
		t.Errorf("second append = %+v, want no-op", again)
	}
	if got := len(s.Messages("c1")); got != 1 {
		t.Errorf("messages = %d, want 1", got)
	}
	if got := s.TotalUnread(); got != 1 {
		t.Errorf("total = %d, want 1", got)
	}
	checkAggregate(t, s)
}

func TestOwnMessagesNeverIncrement(t *testing.T) {
	s, _ := testStore(t)
	res := s.AppendMessage(msg("m1", "c1", "me", t0.Add(time.Minute)))
	if res.Incremented {
		t.Error("own message incremented unread")
	}
	if got := s.TotalUnread(); got != 0 {
		t.Errorf("total = %d, want 0", got)
	}
}

func TestCurrentConversationNeverIncrements(t *testing.T) {
	s, _ := testStore(t)
	s.SelectConversation("c1")
	s.SetMessages("c1", nil, false)

	res := s.AppendMessage(msg("m1", "c1", "u1", t0.Add(time.Minute)))
	if !res.Appended || res.Incremented {
		t.Errorf("append = %+v, want appended without increment", res)
	}
	checkAggregate(t, s)
}

func TestSelectClearsUnread(t *testing.T) {
	s, totals := testStore(t)
	for i, id := range []string{"m1", "m2", "m3"} {
		s.AppendMessage(msg(id, "c1", "u1", t0.Add(time.Duration(i+1)*time.Minute)))
	}
	s.AppendMessage(msg("m4", "c2", "u2", t0.Add(5*time.Minute)))
	if got := s.UnreadCounts()["c1"]; got != 3 {
		t.Fatalf("c1 unread = %d, want 3", got)
	}
	if got := s.TotalUnread(); got != 4 {
		t.Fatalf("total = %d, want 4", got)
	}

	s.SelectConversation("c1")

	if got := s.UnreadCounts()["c1"]; got != 0 {
		t.Errorf("c1 unread after select = %d, want 0", got)
	}
	if got := s.TotalUnread(); got != 1 {
		t.Errorf("total after select = %d, want 1", got)
	}
	snap := s.Snapshot()
	if !snap.MessagesLoading || len(snap.Messages) != 0 {
		t.Errorf("select left loading=%v messages=%d, want loading with empty buffer", snap.MessagesLoading, len(snap.Messages))
	}
	want := []int{1, 2, 3, 4, 1}
	if !slices.Equal(*totals, want) {
		t.Errorf("badge totals = %v, want %v", *totals, want)
	}
	checkAggregate(t, s)
}

func TestSetConversationsKeepsCurrentAtZero(t *testing.T) {
	s, _ := testStore(t)
	s.SelectConversation("c1")
	s.SetConversations([]model.Conversation{
		{ID: "c1", UnreadCount: 7},
		{ID: "c2", UnreadCount: 2},
		{ID: "c3", UnreadCount: -4},
	})
	if got := s.UnreadCounts(); got["c1"] != 0 || got["c2"] != 2 || got["c3"] != 0 {
		t.Errorf("unread = %v, want c1=0 c2=2 c3=0", got)
	}
	checkAggregate(t, s)
}

func TestUnknownConversationNotCounted(t *testing.T) {
	s, _ := testStore(t)
	res := s.AppendMessage(msg("m1", "c9", "u1", t0))
	if !res.Appended || !res.UnknownConversation || res.Incremented {
		t.Errorf("append = %+v, want appended unknown without increment", res)
	}
	if got := s.TotalUnread(); got != 0 {
		t.Errorf("total = %d, want 0", got)
	}
}

func TestAppendUpdatesLastMessage(t *testing.T) {
	s, _ := testStore(t)
	s.AppendMessage(msg("m2", "c1", "u1", t0.Add(2*time.Minute)))
	// Older message arriving late must not rewind the preview.
	s.AppendMessage(msg("m1", "c1", "u1", t0.Add(time.Minute)))

	c, _ := s.Conversation("c1")
	if c.LastMessage == nil || c.LastMessage.Content != "hi m2" {
		t.Errorf("last message = %+v, want hi m2", c.LastMessage)
	}
	if !c.LastActivity.Equal(t0.Add(2 * time.Minute)) {
		t.Errorf("last activity = %v, want %v", c.LastActivity, t0.Add(2*time.Minute))
	}
}

func TestReconcileAckBeforeEcho(t *testing.T) {
	s, _ := testStore(t)
	local := msg("local-1", "c1", "me", t0)
	local.ClientID = "cid-1"
	local.Status = model.StatusSending
	s.AppendMessage(local)

	server := msg("srv-1", "c1", "me", t0.Add(time.Second))
	server.ClientID = "cid-1"
	s.ReconcileSent("c1", "local-1", server)

	// Stream echo of the same message.
	res := s.AppendMessage(server)
	if res.Appended {
		t.Error("echo appended a duplicate")
	}
	got := s.Messages("c1")
	if len(got) != 1 || got[0].ID != "srv-1" || got[0].Status != model.StatusSent {
		t.Errorf("messages = %+v, want single srv-1 sent", got)
	}
}

func TestReconcileEchoBeforeAck(t *testing.T) {
	s, _ := testStore(t)
	local := msg("local-1", "c1", "me", t0)
	local.ClientID = "cid-1"
	local.Status = model.StatusSending
	s.AppendMessage(local)

	server := msg("srv-1", "c1", "me", t0.Add(time.Second))
	server.ClientID = "cid-1"
	res := s.AppendMessage(server)
	if !res.Reconciled {
		t.Errorf("echo = %+v, want reconciled by client id", res)
	}
	s.ReconcileSent("c1", "local-1", server)

	got := s.Messages("c1")
	if len(got) != 1 || got[0].ID != "srv-1" {
		t.Errorf("messages = %+v, want single srv-1", got)
	}
}

func TestReconcileEchoWithoutClientID(t *testing.T) {
	s, _ := testStore(t)
	local := msg("local-1", "c1", "me", t0)
	local.Status = model.StatusSending
	s.AppendMessage(local)

	// Echo without a correlation id lands as a separate record first.
	s.AppendMessage(msg("srv-1", "c1", "me", t0.Add(time.Second)))
	s.ReconcileSent("c1", "local-1", msg("srv-1", "c1", "me", t0.Add(time.Second)))

	got := s.Messages("c1")
	if len(got) != 1 || got[0].ID != "srv-1" {
		t.Errorf("messages = %+v, want single srv-1", got)
	}
}

func TestReconcileAfterBufferCleared(t *testing.T) {
	s, _ := testStore(t)
	s.SelectConversation("c1")
	s.ReconcileSent("c1", "local-gone", msg("srv-1", "c1", "me", t0))
	if got := s.Messages("c1"); len(got) != 1 || got[0].ID != "srv-1" {
		t.Errorf("messages = %+v, want srv-1 appended", got)
	}
}

func TestReconcileRefusesServerCopyWithoutID(t *testing.T) {
	s, _ := testStore(t)
	local := msg("local-1", "c1", "me", t0)
	local.Status = model.StatusSending
	s.AppendMessage(local)

	if s.ReconcileSent("c1", "local-1", msg("", "c1", "me", t0)) {
		t.Fatal("reconcile accepted a server copy without id")
	}
	got := s.Messages("c1")
	if len(got) != 1 || got[0].ID != "local-1" || got[0].Status != model.StatusSending {
		t.Errorf("messages = %+v, want local-1 untouched", got)
	}
}

func TestUpdateMessageHasNoUnreadEffect(t *testing.T) {
	s, _ := testStore(t)
	s.AppendMessage(msg("m1", "c1", "u1", t0))
	before := s.TotalUnread()

	failed := model.StatusFailed
	text := "edited"
	if !s.UpdateMessage("c1", "m1", MessagePatch{Status: &failed, Content: &text}) {
		t.Fatal("update returned false")
	}
	m, _ := s.Message("c1", "m1")
	if m.Status != model.StatusFailed || m.Content != "edited" || !m.Edited {
		t.Errorf("message = %+v, want failed edited", m)
	}
	if got := s.TotalUnread(); got != before {
		t.Errorf("total = %d, want %d", got, before)
	}
	if s.UpdateMessage("c1", "nope", MessagePatch{Status: &failed}) {
		t.Error("update of missing message returned true")
	}
}

func TestPrependSkipsDuplicates(t *testing.T) {
	s, _ := testStore(t)
	s.SelectConversation("c1")
	s.SetMessages("c1", []model.Message{msg("m3", "c1", "u1", t0.Add(3*time.Minute)), msg("m4", "c1", "u1", t0.Add(4*time.Minute))}, true)
	s.PrependMessages("c1", []model.Message{msg("m2", "c1", "u1", t0.Add(2*time.Minute)), msg("m3", "c1", "u1", t0.Add(3*time.Minute))}, false)

	var ids []string
	for _, m := range s.Messages("c1") {
		ids = append(ids, m.ID)
	}
	if want := []string{"m2", "m3", "m4"}; !slices.Equal(ids, want) {
		t.Errorf("ids = %v, want %v", ids, want)
	}
	if s.HasMore("c1") || s.Loading("c1") {
		t.Error("hasMore/loading should be cleared")
	}
}

func TestSetMessagesKeepsStreamArrivals(t *testing.T) {
	s, _ := testStore(t)
	s.SelectConversation("c1")
	// A push lands while the history request is in flight.
	s.AppendMessage(msg("m9", "c1", "u1", t0.Add(9*time.Minute)))
	s.SetMessages("c1", []model.Message{msg("m8", "c1", "u1", t0.Add(8*time.Minute))}, false)

	got := s.Messages("c1")
	if len(got) != 2 || got[0].ID != "m8" || got[1].ID != "m9" {
		t.Errorf("messages = %+v, want m8 then m9", got)
	}
}

func TestMarkOwnMessagesRead(t *testing.T) {
	s, _ := testStore(t)
	s.AppendMessage(msg("m1", "c1", "me", t0))
	s.AppendMessage(msg("m2", "c1", "u1", t0.Add(time.Minute)))
	s.AppendMessage(msg("m3", "c1", "me", t0.Add(2*time.Minute)))

	if n := s.MarkOwnMessagesRead("c1", "m2"); n != 1 {
		t.Errorf("marked = %d, want 1", n)
	}
	m1, _ := s.Message("c1", "m1")
	m3, _ := s.Message("c1", "m3")
	if m1.Status != model.StatusRead || m3.Status != model.StatusSent {
		t.Errorf("statuses = %s/%s, want read/sent", m1.Status, m3.Status)
	}
}

func TestScenarioUnreadThenSelect(t *testing.T) {
	s, totals := testStore(t)
	for i := range 3 {
		s.AppendMessage(msg(string(rune('a'+i)), "c2", "u2", t0.Add(time.Duration(i)*time.Second)))
	}
	if got := s.TotalUnread(); got != 3 {
		t.Fatalf("total = %d, want 3", got)
	}
	s.SelectConversation("c2")
	if got := s.TotalUnread(); got != 0 {
		t.Errorf("total = %d, want 0", got)
	}
	if last := (*totals)[len(*totals)-1]; last != 0 {
		t.Errorf("last badge total = %d, want 0", last)
	}
}

func TestTypingSet(t *testing.T) {
	s, _ := testStore(t)
	s.SetTyping("c2", "u2", true)
	s.SetTyping("c2", "u1", true)
	s.SetTyping("c2", "u1", true)
	if got := s.TypingUsers("c2"); !slices.Equal(got, []string{"u1", "u2"}) {
		t.Errorf("typing = %v, want [u1 u2]", got)
	}
	s.SetTyping("c2", "u1", false)
	s.SetTyping("c2", "u2", false)
	if got := s.TypingUsers("c2"); len(got) != 0 {
		t.Errorf("typing = %v, want empty", got)
	}
	if _, ok := s.Snapshot().Typing["c2"]; ok {
		t.Error("empty typing set left in snapshot")
	}
}

func TestPresenceAndParticipants(t *testing.T) {
	s, _ := testStore(t)
	s.UpsertUsers(model.User{ID: "u1", Name: "Alice"}, model.User{ID: "u2", Name: "Bob"})
	s.SetUserPresence("u1", model.PresenceOnline, t0)
	// A later profile refresh without presence keeps it.
	s.UpsertUsers(model.User{ID: "u1", Name: "Alice B."})

	u, ok := s.User("u1")
	if !ok || u.Status != model.PresenceOnline || u.Name != "Alice B." {
		t.Errorf("user = %+v, want online Alice B.", u)
	}
	if got := s.OnlineUsers(); !slices.Equal(got, []string{"u1"}) {
		t.Errorf("online = %v, want [u1]", got)
	}
	parts := s.Participants("c2")
	if len(parts) != 3 || parts[0].ID != "me" || parts[2].Name != "Bob" {
		t.Errorf("participants = %+v", parts)
	}
}

func TestApplyUnreadSummary(t *testing.T) {
	s, _ := testStore(t)
	s.ApplyUnreadSummary(model.UnreadSummary{Total: 6, System: 2, Conversations: map[string]int{"c1": 4, "c9": 9}})
	if got := s.UnreadCounts()["c1"]; got != 4 {
		t.Errorf("c1 = %d, want 4", got)
	}
	if got := s.TotalUnread(); got != 4 {
		t.Errorf("total = %d, want 4 (unknown conversations ignored)", got)
	}
	if got := s.SystemUnread(); got != 2 {
		t.Errorf("system = %d, want 2", got)
	}
}

func TestFilteredConversations(t *testing.T) {
	s := New(Options{LocalUserID: "me"})
	s.SetConversations([]model.Conversation{
		{ID: "old", Kind: model.KindPrivate, Name: "Old", LastActivity: t0},
		{ID: "new", Kind: model.KindPrivate, Name: "New", LastActivity: t0.Add(time.Hour)},
		{ID: "pin", Kind: model.KindProject, Name: "Pinned", Pinned: true, LastActivity: t0.Add(-time.Hour)},
		{ID: "arch", Kind: model.KindPrivate, Name: "Archived", Archived: true, LastActivity: t0.Add(2 * time.Hour)},
	})

	ids := func() []string {
		var out []string
		for _, c := range s.FilteredConversations() {
			out = append(out, c.ID)
		}
		return out
	}
	if got, want := ids(), []string{"pin", "new", "old"}; !slices.Equal(got, want) {
		t.Errorf("default = %v, want %v", got, want)
	}
	s.SetFilter(Filter{Kind: model.KindPrivate, ShowArchived: true})
	if got, want := ids(), []string{"arch", "new", "old"}; !slices.Equal(got, want) {
		t.Errorf("private+archived = %v, want %v", got, want)
	}
	s.SetFilter(Filter{Query: "ne"})
	if got, want := ids(), []string{"pin", "new"}; !slices.Equal(got, want) {
		t.Errorf("query = %v, want %v", got, want)
	}
}

func TestDrafts(t *testing.T) {
	s, _ := testStore(t)
	s.SetDraft("c1", "half a thought")
	if got := s.Draft("c1"); got != "half a thought" {
		t.Errorf("draft = %q, want %q", got, "half a thought")
	}
	s.SetDraft("c1", "")
	if _, ok := s.Snapshot().Drafts["c1"]; ok {
		t.Error("empty draft kept")
	}
}

func TestResetDropsState(t *testing.T) {
	s, totals := testStore(t)
	s.AppendMessage(msg("m1", "c1", "u1", t0))
	s.Reset("other")
	snap := s.Snapshot()
	if snap.LocalUserID != "other" || len(snap.Conversations) != 0 || snap.TotalUnread != 0 {
		t.Errorf("snapshot after reset = %+v", snap)
	}
	if last := (*totals)[len(*totals)-1]; last != 0 {
		t.Errorf("badge = %d, want 0", last)
	}
}

func TestMutationsPublishInOrder(t *testing.T) {
	b := bus.New()
	s := New(Options{LocalUserID: "me", Bus: b})
	ch, unsub := s.Subscribe(16)
	defer unsub()

	s.SetConversations([]model.Conversation{{ID: "c1"}})
	s.AppendMessage(msg("m1", "c1", "u1", t0))

	var kinds []string
	for len(kinds) < 3 {
		select {
		case evt := <-ch:
			kinds = append(kinds, evt.Kind)
		case <-time.After(time.Second):
			t.Fatalf("timeout, got %v", kinds)
		}
	}
	want := []string{bus.StoreConversations, bus.StoreUnread, bus.StoreMessage}
	if !slices.Equal(kinds, want) {
		t.Errorf("events = %v, want %v", kinds, want)
	}
}
