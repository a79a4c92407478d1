package chat

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when CHAT_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresStore_Messages_SeqDedupeAndPaging(t *testing.T) {
	t.Parallel()

	st := mustNewMigratedStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	convID := mustSeedPrivate(t, st, "alice", "bob")

	first, dup, err := st.InsertMessage(ctx, Message{ID: "m-" + randHex(8), ConversationID: convID, SenderID: "alice", Content: "hello", Type: MessageText, ClientMsgID: "k1"})
	if err != nil {
		t.Fatalf("insert first: %v", err)
	}
	if dup || first.Seq != 1 {
		t.Fatalf("insert first: dup=%v seq=%d", dup, first.Seq)
	}

	again, dup, err := st.InsertMessage(ctx, Message{ID: "m-" + randHex(8), ConversationID: convID, SenderID: "alice", Content: "hello", Type: MessageText, ClientMsgID: "k1"})
	if err != nil {
		t.Fatalf("insert duplicate: %v", err)
	}
	if !dup || again.ID != first.ID {
		t.Fatalf("insert duplicate: dup=%v id=%s want %s", dup, again.ID, first.ID)
	}

	for i := 0; i < 4; i++ {
		if _, _, err := st.InsertMessage(ctx, Message{ID: "m-" + randHex(8), ConversationID: convID, SenderID: "bob", Content: fmt.Sprintf("m%d", i), Type: MessageText}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	page, err := st.ListMessages(ctx, convID, Page{Page: 1, Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Total != 5 || page.Pages != 3 || len(page.Messages) != 2 {
		t.Fatalf("unexpected page: total=%d pages=%d len=%d", page.Total, page.Pages, len(page.Messages))
	}
	if page.Messages[0].Seq != 4 || page.Messages[1].Seq != 5 {
		t.Fatalf("expected seq [4,5], got [%d,%d]", page.Messages[0].Seq, page.Messages[1].Seq)
	}

	if _, _, err := st.InsertMessage(ctx, Message{ID: "m-" + randHex(8), ConversationID: "missing", SenderID: "bob", Content: "x"}); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPostgresStore_ConcurrentInserts_NoGaps(t *testing.T) {
	t.Parallel()

	st := mustNewMigratedStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	convID := mustSeedPrivate(t, st, "alice", "bob")

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := st.InsertMessage(ctx, Message{ID: fmt.Sprintf("m-%02d-%s", i, randHex(4)), ConversationID: convID, SenderID: "alice", Content: "x", Type: MessageText})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	page, err := st.ListMessages(ctx, convID, Page{Page: 1, Limit: n})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for i, m := range page.Messages {
		if m.Seq != int64(i+1) {
			t.Fatalf("gap at %d: seq=%d", i, m.Seq)
		}
	}
}

func TestPostgresStore_UpdateAndReads(t *testing.T) {
	t.Parallel()

	st := mustNewMigratedStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	convID := mustSeedPrivate(t, st, "alice", "bob")
	m, _, err := st.InsertMessage(ctx, Message{ID: "m-" + randHex(8), ConversationID: convID, SenderID: "alice", Content: "hi", Type: MessageText})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	got, err := st.UpdateMessage(ctx, m.ID, func(x *Message) error {
		x.Content = TombstoneContent
		x.DeletedAt = &now
		x.UpdatedAt = now
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Content != TombstoneContent || got.DeletedAt == nil {
		t.Fatalf("unexpected update result: %+v", got)
	}

	added, err := st.AddReadEntry(ctx, m.ID, ReadEntry{UserID: "bob", ReadAt: now})
	if err != nil || !added {
		t.Fatalf("add read: added=%v err=%v", added, err)
	}
	added, err = st.AddReadEntry(ctx, m.ID, ReadEntry{UserID: "bob", ReadAt: now})
	if err != nil || added {
		t.Fatalf("add read twice: added=%v err=%v", added, err)
	}

	unread, err := st.UnreadMessageIDs(ctx, convID, "bob")
	if err != nil {
		t.Fatalf("unread: %v", err)
	}
	if len(unread) != 0 {
		t.Fatalf("expected no unread, got %v", unread)
	}

	reloaded, err := st.GetMessage(ctx, m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(reloaded.ReadBy) != 1 || reloaded.ReadBy[0].UserID != "bob" {
		t.Fatalf("unexpected readBy: %+v", reloaded.ReadBy)
	}
}

func TestPostgresStore_Conversations(t *testing.T) {
	t.Parallel()

	st := mustNewMigratedStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	convID := mustSeedPrivate(t, st, "alice", "bob")

	again, created, err := st.CreateConversation(ctx, Conversation{
		ID:           "c-" + randHex(8),
		Kind:         KindPrivate,
		Participants: []Participant{{UserID: "bob"}, {UserID: "alice"}},
	})
	if err != nil {
		t.Fatalf("create again: %v", err)
	}
	if created || again.ID != convID {
		t.Fatalf("expected existing %s, got %s created=%v", convID, again.ID, created)
	}

	g, created, err := st.CreateConversation(ctx, Conversation{
		ID:           "g-" + randHex(8),
		Kind:         KindGroup,
		Name:         "team",
		CreatedBy:    "alice",
		Participants: []Participant{{UserID: "alice", IsAdmin: true}, {UserID: "carol"}},
	})
	if err != nil || !created {
		t.Fatalf("create group: created=%v err=%v", created, err)
	}

	if _, err := st.AddParticipant(ctx, g.ID, Participant{UserID: "carol"}); err == nil || Code(err) != CodeConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
	g, err = st.AddParticipant(ctx, g.ID, Participant{UserID: "bob"})
	if err != nil {
		t.Fatalf("add participant: %v", err)
	}
	if ids := strings.Join(g.ParticipantIDs(), ","); ids != "alice,carol,bob" {
		t.Fatalf("unexpected participants: %s", ids)
	}

	contacts, err := st.ListContacts(ctx, "alice")
	if err != nil {
		t.Fatalf("contacts: %v", err)
	}
	if strings.Join(contacts, ",") != "bob,carol" {
		t.Fatalf("unexpected contacts: %v", contacts)
	}

	if err := st.SetParticipantLastRead(ctx, convID, "bob", time.Now().UTC()); err != nil {
		t.Fatalf("set last read: %v", err)
	}
	if err := st.DeleteConversation(ctx, convID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := st.GetConversation(ctx, convID); !IsNotFound(err) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func mustSeedPrivate(t *testing.T, st *PostgresStore, a, b string) string {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, id := range []string{a, b} {
		if _, err := st.PutUser(ctx, User{ID: id, Name: id}); err != nil {
			t.Fatalf("put user %s: %v", id, err)
		}
	}
	c, _, err := st.CreateConversation(ctx, Conversation{
		ID:           "c-" + randHex(8),
		Kind:         KindPrivate,
		Participants: []Participant{{UserID: a}, {UserID: b}},
	})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return c.ID
}

func mustNewMigratedStore(t *testing.T) *PostgresStore {
	t.Helper()

	pool := mustOpenTestPool(t)
	t.Cleanup(pool.Close)

	schema := "chat_it_" + randHex(8)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return st
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("CHAT_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: CHAT_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, raw)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Fatalf("ping: %v", err)
	}
	return pool
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

func randHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
