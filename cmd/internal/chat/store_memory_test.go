package chat

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemoryStore(t *testing.T) (*InMemoryStore, string) {
	t.Helper()
	st := NewInMemoryStore()
	ctx := context.Background()
	for _, id := range []string{"alice", "bob", "carol"} {
		_, err := st.PutUser(ctx, User{ID: id, Name: id, Email: id + "@example.com"})
		require.NoError(t, err)
	}
	c, created, err := st.CreateConversation(ctx, Conversation{
		ID:   "c1",
		Kind: KindPrivate,
		Participants: []Participant{
			{UserID: "alice"},
			{UserID: "bob"},
		},
	})
	require.NoError(t, err)
	require.True(t, created)
	return st, c.ID
}

func TestInMemoryStore_InsertMessage_SeqAndDedupe(t *testing.T) {
	t.Parallel()
	st, convID := newTestMemoryStore(t)
	ctx := context.Background()

	first, dup, err := st.InsertMessage(ctx, Message{ID: "m1", ConversationID: convID, SenderID: "alice", Content: "hi", Type: MessageText, ClientMsgID: "k1"})
	require.NoError(t, err)
	assert.False(t, dup)
	assert.EqualValues(t, 1, first.Seq)

	again, dup, err := st.InsertMessage(ctx, Message{ID: "m2", ConversationID: convID, SenderID: "alice", Content: "hi", Type: MessageText, ClientMsgID: "k1"})
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, "m1", again.ID)

	second, _, err := st.InsertMessage(ctx, Message{ID: "m3", ConversationID: convID, SenderID: "bob", Content: "yo", Type: MessageText})
	require.NoError(t, err)
	assert.EqualValues(t, 2, second.Seq, "duplicates must not consume a seq")

	_, _, err = st.InsertMessage(ctx, Message{ID: "m4", ConversationID: "missing", SenderID: "bob", Content: "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInMemoryStore_ListMessages_NewestPageFirst(t *testing.T) {
	t.Parallel()
	st, convID := newTestMemoryStore(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		_, _, err := st.InsertMessage(ctx, Message{ID: fmt.Sprintf("m%d", i), ConversationID: convID, SenderID: "alice", Content: "x", Type: MessageText})
		require.NoError(t, err)
	}

	p1, err := st.ListMessages(ctx, convID, Page{Page: 1, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, p1.Total)
	assert.Equal(t, 3, p1.Pages)
	require.Len(t, p1.Messages, 2)
	assert.EqualValues(t, 4, p1.Messages[0].Seq)
	assert.EqualValues(t, 5, p1.Messages[1].Seq)

	p3, err := st.ListMessages(ctx, convID, Page{Page: 3, Limit: 2})
	require.NoError(t, err)
	require.Len(t, p3.Messages, 1)
	assert.EqualValues(t, 1, p3.Messages[0].Seq)

	p4, err := st.ListMessages(ctx, convID, Page{Page: 4, Limit: 2})
	require.NoError(t, err)
	assert.Empty(t, p4.Messages)

	def, err := st.ListMessages(ctx, convID, Page{})
	require.NoError(t, err)
	assert.Equal(t, DefaultPageLimit, def.Limit)
	assert.Equal(t, 1, def.Page)
}

func TestInMemoryStore_UpdateMessage(t *testing.T) {
	t.Parallel()
	st, convID := newTestMemoryStore(t)
	ctx := context.Background()

	_, _, err := st.InsertMessage(ctx, Message{ID: "m1", ConversationID: convID, SenderID: "alice", Content: "hi", Type: MessageText})
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = st.UpdateMessage(ctx, "m1", func(m *Message) error {
		m.Content = "changed"
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := st.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "hi", got.Content, "failed mutation must not be saved")

	now := time.Now().UTC()
	updated, err := st.UpdateMessage(ctx, "m1", func(m *Message) error {
		m.Content = "edited"
		m.IsEdited = true
		m.EditedAt = &now
		m.SenderID = "mallory"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "edited", updated.Content)
	assert.True(t, updated.IsEdited)
	assert.Equal(t, "alice", updated.SenderID, "sender is immutable")

	_, err = st.UpdateMessage(ctx, "nope", func(*Message) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInMemoryStore_ReadEntries(t *testing.T) {
	t.Parallel()
	st, convID := newTestMemoryStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		_, _, err := st.InsertMessage(ctx, Message{ID: fmt.Sprintf("m%d", i), ConversationID: convID, SenderID: "alice", Content: "x", Type: MessageText})
		require.NoError(t, err)
	}

	added, err := st.AddReadEntry(ctx, "m2", ReadEntry{UserID: "bob", ReadAt: time.Now()})
	require.NoError(t, err)
	assert.True(t, added)

	added, err = st.AddReadEntry(ctx, "m2", ReadEntry{UserID: "bob", ReadAt: time.Now()})
	require.NoError(t, err)
	assert.False(t, added)

	m2, err := st.GetMessage(ctx, "m2")
	require.NoError(t, err)
	assert.Len(t, m2.ReadBy, 1)

	unread, err := st.UnreadMessageIDs(ctx, convID, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m3"}, unread)

	_, err = st.AddReadEntry(ctx, "missing", ReadEntry{UserID: "bob"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInMemoryStore_Conversations(t *testing.T) {
	t.Parallel()
	st, convID := newTestMemoryStore(t)
	ctx := context.Background()

	// Reversed pair resolves to the same private conversation.
	again, created, err := st.CreateConversation(ctx, Conversation{
		ID:           "c2",
		Kind:         KindPrivate,
		Participants: []Participant{{UserID: "bob"}, {UserID: "alice"}},
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, convID, again.ID)

	_, created, err = st.CreateConversation(ctx, Conversation{
		ID:           "g1",
		Kind:         KindGroup,
		Name:         "team",
		Participants: []Participant{{UserID: "alice", IsAdmin: true}, {UserID: "carol"}},
	})
	require.NoError(t, err)
	assert.True(t, created)

	contacts, err := st.ListContacts(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob", "carol"}, contacts)

	_, err = st.AddParticipant(ctx, "g1", Participant{UserID: "carol"})
	assert.ErrorIs(t, err, ErrConflict)

	g, err := st.AddParticipant(ctx, "g1", Participant{UserID: "bob"})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "carol", "bob"}, g.ParticipantIDs())

	g, err = st.RemoveParticipant(ctx, "g1", "carol")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, g.ParticipantIDs())

	_, _, err = st.InsertMessage(ctx, Message{ID: "m1", ConversationID: convID, SenderID: "alice", Content: "x"})
	require.NoError(t, err)
	require.NoError(t, st.DeleteConversation(ctx, convID))

	_, err = st.GetMessage(ctx, "m1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = st.FindPrivateConversation(ctx, "alice", "bob")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInMemoryStore_UsersAndPresence(t *testing.T) {
	t.Parallel()
	st, _ := newTestMemoryStore(t)
	ctx := context.Background()

	users, err := st.ListUsers(ctx, "AL", "", 0)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].ID)

	users, err = st.ListUsers(ctx, "", "alice", 1)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "bob", users[0].ID)

	seen := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, st.UpdateUserPresence(ctx, "bob", StatusOffline, &seen))
	bob, err := st.GetUser(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, bob.Status)
	require.NotNil(t, bob.LastSeenAt)
	assert.True(t, bob.LastSeenAt.Equal(seen))

	assert.ErrorIs(t, st.UpdateUserPresence(ctx, "bob", "busy", nil), ErrInvalidArgument)
	assert.ErrorIs(t, st.UpdateUserPresence(ctx, "nobody", StatusOnline, nil), ErrNotFound)
}
