package chat

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
//   - PostgresStore does NOT own the pgx pool. The caller must close the pool.
//   - Close() is therefore a no-op.
//
// Concurrency model:
//   - Message inserts take a per-conversation transactional advisory lock so
//     seq allocation has no gaps and no races.
//   - Message and participant updates lock the row with SELECT ... FOR UPDATE.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
	now    func() time.Time
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "chat").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !IsValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// WithPostgresClock overrides the clock used for server-side stamps.
func WithPostgresClock(now func() time.Time) PostgresOption {
	return func(s *PostgresStore) error {
		if now != nil {
			s.now = now
		}
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "chat",
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return persistErr("chat.Ping", s.pool.Ping(ctx))
}

// Migrate applies the embedded schema. It is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	sql := strings.ReplaceAll(schemaSQL, "{{schema}}", pgx.Identifier{s.schema}.Sanitize())
	if _, err := s.pool.Exec(ctx, sql); err != nil {
		return persistErr("chat.Migrate", err)
	}
	return nil
}

func (s *PostgresStore) table(name string) string { return pgIdent(s.schema, name) }

type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) beginTx(ctx context.Context) (pgx.Tx, error) {
	return s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
}

// ---- users ----

const userColumns = `id, name, email, avatar, status, last_seen_at, created_at`

func scanUser(row pgx.Row) (User, error) {
	var (
		u      User
		status string
	)
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Avatar, &status, &u.LastSeenAt, &u.CreatedAt); err != nil {
		return User{}, err
	}
	u.Status = PresenceStatus(status)
	return u, nil
}

func (s *PostgresStore) PutUser(ctx context.Context, u User) (User, error) {
	const op = "chat.PutUser"
	u.ID = strings.TrimSpace(u.ID)
	if u.ID == "" {
		return User{}, Errorf(op, ErrInvalidArgument, "user id is required")
	}
	if u.Status == "" {
		u.Status = StatusOffline
	}
	if !u.Status.Valid() {
		return User{}, Errorf(op, ErrInvalidArgument, "invalid status %q", u.Status)
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now()
	}

	out, err := scanUser(s.pool.QueryRow(ctx,
		`INSERT INTO `+s.table("users")+` (id, name, email, avatar, status, last_seen_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE
		    SET name = EXCLUDED.name,
		        email = EXCLUDED.email,
		        avatar = EXCLUDED.avatar,
		        status = EXCLUDED.status,
		        last_seen_at = EXCLUDED.last_seen_at
		 RETURNING `+userColumns,
		u.ID, u.Name, u.Email, u.Avatar, string(u.Status), u.LastSeenAt, u.CreatedAt,
	))
	if err != nil {
		return User{}, persistErr(op, err)
	}
	return out, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (User, error) {
	const op = "chat.GetUser"
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM `+s.table("users")+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, Errorf(op, ErrNotFound, "user not found")
	}
	if err != nil {
		return User{}, persistErr(op, err)
	}
	return u, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context, search, excludeID string, limit int) ([]User, error) {
	const op = "chat.ListUsers"
	pattern := "%" + escapeLike(strings.TrimSpace(search)) + "%"
	if limit <= 0 {
		limit = 10_000
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+userColumns+`
		   FROM `+s.table("users")+`
		  WHERE id <> $1
		    AND (name ILIKE $2 OR email ILIKE $2)
		  ORDER BY name ASC, id ASC
		  LIMIT $3`,
		excludeID, pattern, limit,
	)
	if err != nil {
		return nil, persistErr(op, err)
	}
	defer rows.Close()

	out := make([]User, 0, 16)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, persistErr(op, err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr(op, err)
	}
	return out, nil
}

func (s *PostgresStore) UpdateUserPresence(ctx context.Context, userID string, status PresenceStatus, lastSeen *time.Time) error {
	const op = "chat.UpdateUserPresence"
	if !status.Valid() {
		return Errorf(op, ErrInvalidArgument, "invalid status %q", status)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.table("users")+`
		    SET status = $2,
		        last_seen_at = COALESCE($3, last_seen_at)
		  WHERE id = $1`,
		userID, string(status), lastSeen,
	)
	if err != nil {
		return persistErr(op, err)
	}
	if tag.RowsAffected() == 0 {
		return Errorf(op, ErrNotFound, "user not found")
	}
	return nil
}

// ---- conversations ----

const conversationColumns = `id, kind, name, avatar, created_by, last_message_id, last_message_at, created_at, updated_at`

func scanConversation(row pgx.Row) (Conversation, error) {
	var (
		c      Conversation
		kind   string
		lastID *string
	)
	if err := row.Scan(&c.ID, &kind, &c.Name, &c.Avatar, &c.CreatedBy, &lastID, &c.LastMessageAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return Conversation{}, err
	}
	c.Kind = ConversationKind(kind)
	if lastID != nil {
		c.LastMessageID = *lastID
	}
	return c, nil
}

// loadParticipants fills Participants for every conversation in convs.
func (s *PostgresStore) loadParticipants(ctx context.Context, q pgQuerier, convs []Conversation) error {
	if len(convs) == 0 {
		return nil
	}
	ids := make([]string, len(convs))
	idx := make(map[string]int, len(convs))
	for i := range convs {
		ids[i] = convs[i].ID
		idx[convs[i].ID] = i
		convs[i].Participants = convs[i].Participants[:0]
	}

	rows, err := q.Query(ctx,
		`SELECT conversation_id, user_id, joined_at, last_read_at, is_admin
		   FROM `+s.table("conversation_participants")+`
		  WHERE conversation_id = ANY($1)
		  ORDER BY conversation_id, ord ASC`,
		ids,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			convID string
			p      Participant
		)
		if err := rows.Scan(&convID, &p.UserID, &p.JoinedAt, &p.LastReadAt, &p.IsAdmin); err != nil {
			return err
		}
		if i, ok := idx[convID]; ok {
			convs[i].Participants = append(convs[i].Participants, p)
		}
	}
	return rows.Err()
}

func (s *PostgresStore) getConversation(ctx context.Context, q pgQuerier, where string, arg any) (Conversation, error) {
	c, err := scanConversation(q.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM `+s.table("conversations")+` WHERE `+where, arg))
	if err != nil {
		return Conversation{}, err
	}
	one := []Conversation{c}
	if err := s.loadParticipants(ctx, q, one); err != nil {
		return Conversation{}, err
	}
	return one[0], nil
}

func (s *PostgresStore) CreateConversation(ctx context.Context, c Conversation) (Conversation, bool, error) {
	const op = "chat.CreateConversation"
	if strings.TrimSpace(c.ID) == "" {
		return Conversation{}, false, Errorf(op, ErrInvalidArgument, "conversation id is required")
	}
	var pair *string
	switch c.Kind {
	case KindPrivate:
		if len(c.Participants) != 2 {
			return Conversation{}, false, Errorf(op, ErrInvalidArgument, "private conversation needs exactly two participants")
		}
		k := PairKey(c.Participants[0].UserID, c.Participants[1].UserID)
		pair = &k
	case KindGroup:
	default:
		return Conversation{}, false, Errorf(op, ErrInvalidArgument, "invalid conversation kind %q", c.Kind)
	}

	now := s.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}

	tx, err := s.beginTx(ctx)
	if err != nil {
		return Conversation{}, false, persistErr(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// ON CONFLICT on pair_key makes private conversation creation idempotent per pair.
	var insertedID string
	err = tx.QueryRow(ctx,
		`INSERT INTO `+s.table("conversations")+` (id, kind, name, avatar, created_by, pair_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (pair_key) DO NOTHING
		 RETURNING id`,
		c.ID, string(c.Kind), c.Name, c.Avatar, c.CreatedBy, pair, c.CreatedAt, c.UpdatedAt,
	).Scan(&insertedID)
	if errors.Is(err, pgx.ErrNoRows) && pair != nil {
		_ = tx.Rollback(ctx)
		existing, err := s.getConversation(ctx, s.pool, "pair_key = $1", *pair)
		if err != nil {
			return Conversation{}, false, persistErr(op, err)
		}
		return existing, false, nil
	}
	if err != nil {
		if pgIsUniqueViolation(err) {
			return Conversation{}, false, Errorf(op, ErrConflict, "conversation already exists")
		}
		return Conversation{}, false, persistErr(op, err)
	}

	for i, p := range c.Participants {
		if p.JoinedAt.IsZero() {
			p.JoinedAt = c.CreatedAt
			c.Participants[i].JoinedAt = c.CreatedAt
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+s.table("conversation_participants")+` (conversation_id, user_id, ord, joined_at, last_read_at, is_admin)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			c.ID, p.UserID, i, p.JoinedAt, p.LastReadAt, p.IsAdmin,
		); err != nil {
			if pgIsUniqueViolation(err) {
				return Conversation{}, false, Errorf(op, ErrInvalidArgument, "duplicate participant %q", p.UserID)
			}
			return Conversation{}, false, persistErr(op, err)
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.table("conversation_cursors")+` (conversation_id, next_seq) VALUES ($1, 1)`,
		c.ID,
	); err != nil {
		return Conversation{}, false, persistErr(op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Conversation{}, false, persistErr(op, err)
	}
	return c.Clone(), true, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	const op = "chat.GetConversation"
	c, err := s.getConversation(ctx, s.pool, "id = $1", id)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, Errorf(op, ErrNotFound, "conversation not found")
	}
	if err != nil {
		return Conversation{}, persistErr(op, err)
	}
	return c, nil
}

func (s *PostgresStore) FindPrivateConversation(ctx context.Context, a, b string) (Conversation, error) {
	const op = "chat.FindPrivateConversation"
	c, err := s.getConversation(ctx, s.pool, "pair_key = $1", PairKey(a, b))
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, Errorf(op, ErrNotFound, "conversation not found")
	}
	if err != nil {
		return Conversation{}, persistErr(op, err)
	}
	return c, nil
}

func (s *PostgresStore) ListConversationsForUser(ctx context.Context, userID string) ([]Conversation, error) {
	const op = "chat.ListConversationsForUser"
	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.kind, c.name, c.avatar, c.created_by, c.last_message_id, c.last_message_at, c.created_at, c.updated_at
		   FROM `+s.table("conversations")+` c
		   JOIN `+s.table("conversation_participants")+` p ON p.conversation_id = c.id
		  WHERE p.user_id = $1
		  ORDER BY c.updated_at DESC, c.id DESC`,
		userID,
	)
	if err != nil {
		return nil, persistErr(op, err)
	}
	out := make([]Conversation, 0, 8)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			rows.Close()
			return nil, persistErr(op, err)
		}
		out = append(out, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, persistErr(op, err)
	}
	if err := s.loadParticipants(ctx, s.pool, out); err != nil {
		return nil, persistErr(op, err)
	}
	return out, nil
}

func (s *PostgresStore) DeleteConversation(ctx context.Context, id string) error {
	const op = "chat.DeleteConversation"
	// Participants, cursor, messages and read entries cascade.
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+s.table("conversations")+` WHERE id = $1`, id)
	if err != nil {
		return persistErr(op, err)
	}
	if tag.RowsAffected() == 0 {
		return Errorf(op, ErrNotFound, "conversation not found")
	}
	return nil
}

func (s *PostgresStore) AddParticipant(ctx context.Context, conversationID string, p Participant) (Conversation, error) {
	const op = "chat.AddParticipant"
	if strings.TrimSpace(p.UserID) == "" {
		return Conversation{}, Errorf(op, ErrInvalidArgument, "user id is required")
	}
	now := s.now()
	if p.JoinedAt.IsZero() {
		p.JoinedAt = now
	}

	tx, err := s.beginTx(ctx)
	if err != nil {
		return Conversation{}, persistErr(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := s.lockConversation(ctx, tx, conversationID); err != nil {
		return Conversation{}, s.classifyLockErr(op, err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.table("conversation_participants")+` (conversation_id, user_id, ord, joined_at, last_read_at, is_admin)
		 SELECT $1, $2, COALESCE(MAX(ord) + 1, 0), $3, $4, $5
		   FROM `+s.table("conversation_participants")+`
		  WHERE conversation_id = $1`,
		conversationID, p.UserID, p.JoinedAt, p.LastReadAt, p.IsAdmin,
	); err != nil {
		if pgIsUniqueViolation(err) {
			return Conversation{}, Errorf(op, ErrConflict, "user is already a participant")
		}
		return Conversation{}, persistErr(op, err)
	}

	if err := s.touchConversation(ctx, tx, conversationID, now); err != nil {
		return Conversation{}, persistErr(op, err)
	}
	c, err := s.getConversation(ctx, tx, "id = $1", conversationID)
	if err != nil {
		return Conversation{}, persistErr(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Conversation{}, persistErr(op, err)
	}
	return c, nil
}

func (s *PostgresStore) RemoveParticipant(ctx context.Context, conversationID, userID string) (Conversation, error) {
	const op = "chat.RemoveParticipant"
	tx, err := s.beginTx(ctx)
	if err != nil {
		return Conversation{}, persistErr(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := s.lockConversation(ctx, tx, conversationID); err != nil {
		return Conversation{}, s.classifyLockErr(op, err)
	}

	tag, err := tx.Exec(ctx,
		`DELETE FROM `+s.table("conversation_participants")+` WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	)
	if err != nil {
		return Conversation{}, persistErr(op, err)
	}
	if tag.RowsAffected() == 0 {
		return Conversation{}, Errorf(op, ErrNotFound, "user is not a participant")
	}
	if err := s.touchConversation(ctx, tx, conversationID, s.now()); err != nil {
		return Conversation{}, persistErr(op, err)
	}
	c, err := s.getConversation(ctx, tx, "id = $1", conversationID)
	if err != nil {
		return Conversation{}, persistErr(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Conversation{}, persistErr(op, err)
	}
	return c, nil
}

func (s *PostgresStore) lockConversation(ctx context.Context, tx pgx.Tx, id string) error {
	var one int
	return tx.QueryRow(ctx,
		`SELECT 1 FROM `+s.table("conversations")+` WHERE id = $1 FOR UPDATE`, id,
	).Scan(&one)
}

func (s *PostgresStore) classifyLockErr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return Errorf(op, ErrNotFound, "conversation not found")
	}
	return persistErr(op, err)
}

func (s *PostgresStore) touchConversation(ctx context.Context, q pgQuerier, id string, at time.Time) error {
	_, err := q.Exec(ctx, `UPDATE `+s.table("conversations")+` SET updated_at = $2 WHERE id = $1`, id, at)
	return err
}

func (s *PostgresStore) SetLastMessage(ctx context.Context, conversationID, messageID string, at time.Time) error {
	const op = "chat.SetLastMessage"
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.table("conversations")+`
		    SET last_message_id = $2,
		        last_message_at = $3,
		        updated_at = $3
		  WHERE id = $1`,
		conversationID, messageID, at,
	)
	if err != nil {
		return persistErr(op, err)
	}
	if tag.RowsAffected() == 0 {
		return Errorf(op, ErrNotFound, "conversation not found")
	}
	return nil
}

func (s *PostgresStore) SetParticipantLastRead(ctx context.Context, conversationID, userID string, at time.Time) error {
	const op = "chat.SetParticipantLastRead"
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.table("conversation_participants")+`
		    SET last_read_at = $3
		  WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID, at,
	)
	if err != nil {
		return persistErr(op, err)
	}
	if tag.RowsAffected() == 0 {
		return Errorf(op, ErrNotFound, "user is not a participant")
	}
	return nil
}

func (s *PostgresStore) ListContacts(ctx context.Context, userID string) ([]string, error) {
	const op = "chat.ListContacts"
	participants := s.table("conversation_participants")
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT o.user_id
		   FROM `+participants+` me
		   JOIN `+participants+` o ON o.conversation_id = me.conversation_id
		  WHERE me.user_id = $1 AND o.user_id <> $1
		  ORDER BY o.user_id`,
		userID,
	)
	if err != nil {
		return nil, persistErr(op, err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, persistErr(op, err)
	}
	return out, nil
}

// ---- messages ----

const messageColumns = `id, conversation_id, seq, sender_id, content, type,
	file_url, file_name, file_size, file_mime, reply_to_id, client_msg_id,
	is_edited, edited_at, deleted_at, created_at, updated_at`

func scanMessage(row pgx.Row) (Message, error) {
	var (
		m                       Message
		typ                     string
		fileURL, fileName, mime *string
		fileSize                *int64
		replyTo, clientMsgID    *string
	)
	if err := row.Scan(
		&m.ID, &m.ConversationID, &m.Seq, &m.SenderID, &m.Content, &typ,
		&fileURL, &fileName, &fileSize, &mime, &replyTo, &clientMsgID,
		&m.IsEdited, &m.EditedAt, &m.DeletedAt, &m.CreatedAt, &m.UpdatedAt,
	); err != nil {
		return Message{}, err
	}
	m.Type = MessageType(typ)
	if fileURL != nil {
		m.File = &FileMeta{URL: *fileURL}
		if fileName != nil {
			m.File.FileName = *fileName
		}
		if fileSize != nil {
			m.File.FileSize = *fileSize
		}
		if mime != nil {
			m.File.MimeType = *mime
		}
	}
	if replyTo != nil {
		m.ReplyToID = *replyTo
	}
	if clientMsgID != nil {
		m.ClientMsgID = *clientMsgID
	}
	return m, nil
}

// loadReads fills ReadBy for every message in msgs.
func (s *PostgresStore) loadReads(ctx context.Context, q pgQuerier, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]string, len(msgs))
	idx := make(map[string]int, len(msgs))
	for i := range msgs {
		ids[i] = msgs[i].ID
		idx[msgs[i].ID] = i
		msgs[i].ReadBy = nil
	}
	rows, err := q.Query(ctx,
		`SELECT message_id, user_id, read_at
		   FROM `+s.table("message_reads")+`
		  WHERE message_id = ANY($1)
		  ORDER BY read_at ASC, user_id ASC`,
		ids,
	)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			msgID string
			r     ReadEntry
		)
		if err := rows.Scan(&msgID, &r.UserID, &r.ReadAt); err != nil {
			return err
		}
		if i, ok := idx[msgID]; ok {
			msgs[i].ReadBy = append(msgs[i].ReadBy, r)
		}
	}
	return rows.Err()
}

func (s *PostgresStore) getMessage(ctx context.Context, q pgQuerier, query string, args ...any) (Message, error) {
	m, err := scanMessage(q.QueryRow(ctx, query, args...))
	if err != nil {
		return Message{}, err
	}
	one := []Message{m}
	if err := s.loadReads(ctx, q, one); err != nil {
		return Message{}, err
	}
	return one[0], nil
}

// InsertMessage persists a message with idempotency and monotonic sequence allocation.
func (s *PostgresStore) InsertMessage(ctx context.Context, m Message) (Message, bool, error) {
	const op = "chat.InsertMessage"
	if m.ID == "" || m.ConversationID == "" || m.SenderID == "" {
		return Message{}, false, Errorf(op, ErrInvalidArgument, "id, conversation and sender are required")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}

	tx, err := s.beginTx(ctx)
	if err != nil {
		return Message{}, false, persistErr(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize all inserts per conversation: no seq waste for duplicates and
	// strict monotonic ordering without races.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, m.ConversationID); err != nil {
		return Message{}, false, persistErr(op, fmt.Errorf("advisory lock: %w", err))
	}

	if m.ClientMsgID != "" {
		existing, err := s.getMessage(ctx, tx,
			`SELECT `+messageColumns+` FROM `+s.table("messages")+` WHERE conversation_id = $1 AND client_msg_id = $2`,
			m.ConversationID, m.ClientMsgID,
		)
		if err == nil {
			if err := tx.Commit(ctx); err != nil {
				return Message{}, false, persistErr(op, err)
			}
			return existing, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return Message{}, false, persistErr(op, err)
		}
	}

	// Cursor row ensures monotonic seq allocation.
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.table("conversation_cursors")+` (conversation_id, next_seq)
		 VALUES ($1, 1)
		 ON CONFLICT (conversation_id) DO NOTHING`,
		m.ConversationID,
	); err != nil {
		if pgIsForeignKeyViolation(err) {
			return Message{}, false, Errorf(op, ErrNotFound, "conversation not found")
		}
		return Message{}, false, persistErr(op, err)
	}

	if err := tx.QueryRow(ctx,
		`UPDATE `+s.table("conversation_cursors")+`
		    SET next_seq = next_seq + 1,
		        updated_at = now()
		  WHERE conversation_id = $1
		RETURNING (next_seq - 1)`,
		m.ConversationID,
	).Scan(&m.Seq); err != nil {
		return Message{}, false, persistErr(op, err)
	}

	var (
		fileURL, fileName, mime *string
		fileSize                *int64
	)
	if m.File != nil {
		fileURL, fileName, mime = &m.File.URL, &m.File.FileName, &m.File.MimeType
		fileSize = &m.File.FileSize
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.table("messages")+` (
		     id, conversation_id, seq, sender_id, content, type,
		     file_url, file_name, file_size, file_mime, reply_to_id, client_msg_id,
		     is_edited, edited_at, deleted_at, created_at, updated_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		m.ID, m.ConversationID, m.Seq, m.SenderID, m.Content, string(m.Type),
		fileURL, fileName, fileSize, mime, nullIfEmpty(m.ReplyToID), nullIfEmpty(m.ClientMsgID),
		m.IsEdited, m.EditedAt, m.DeletedAt, m.CreatedAt, m.UpdatedAt,
	); err != nil {
		if pgIsUniqueViolation(err) {
			return Message{}, false, Errorf(op, ErrConflict, "message already exists")
		}
		return Message{}, false, persistErr(op, fmt.Errorf("insert message: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, false, persistErr(op, err)
	}
	return m.Clone(), false, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, id string) (Message, error) {
	const op = "chat.GetMessage"
	m, err := s.getMessage(ctx, s.pool,
		`SELECT `+messageColumns+` FROM `+s.table("messages")+` WHERE id = $1`, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, Errorf(op, ErrNotFound, "message not found")
	}
	if err != nil {
		return Message{}, persistErr(op, err)
	}
	return m, nil
}

func (s *PostgresStore) UpdateMessage(ctx context.Context, id string, mutate func(*Message) error) (Message, error) {
	const op = "chat.UpdateMessage"
	tx, err := s.beginTx(ctx)
	if err != nil {
		return Message{}, persistErr(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cur, err := s.getMessage(ctx, tx,
		`SELECT `+messageColumns+` FROM `+s.table("messages")+` WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, Errorf(op, ErrNotFound, "message not found")
	}
	if err != nil {
		return Message{}, persistErr(op, err)
	}

	next := cur.Clone()
	if err := mutate(&next); err != nil {
		return Message{}, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+s.table("messages")+`
		    SET content = $2,
		        is_edited = $3,
		        edited_at = $4,
		        deleted_at = $5,
		        updated_at = $6
		  WHERE id = $1`,
		id, next.Content, next.IsEdited, next.EditedAt, next.DeletedAt, next.UpdatedAt,
	); err != nil {
		return Message{}, persistErr(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Message{}, persistErr(op, err)
	}

	cur.Content, cur.IsEdited, cur.EditedAt, cur.DeletedAt, cur.UpdatedAt =
		next.Content, next.IsEdited, next.EditedAt, next.DeletedAt, next.UpdatedAt
	return cur, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string, page Page) (MessagePage, error) {
	const op = "chat.ListMessages"
	page = page.Normalize()

	var (
		exists bool
		total  int
	)
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+s.table("conversations")+` WHERE id = $1),
		        (SELECT COUNT(*) FROM `+s.table("messages")+` WHERE conversation_id = $1)`,
		conversationID,
	).Scan(&exists, &total); err != nil {
		return MessagePage{}, persistErr(op, err)
	}
	if !exists {
		return MessagePage{}, Errorf(op, ErrNotFound, "conversation not found")
	}
	out := MessagePage{Page: page.Page, Limit: page.Limit, Total: total, Pages: pageCount(total, page.Limit)}

	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+`
		   FROM `+s.table("messages")+`
		  WHERE conversation_id = $1
		  ORDER BY seq DESC
		  LIMIT $2 OFFSET $3`,
		conversationID, page.Limit, (page.Page-1)*page.Limit,
	)
	if err != nil {
		return MessagePage{}, persistErr(op, err)
	}
	msgs := make([]Message, 0, page.Limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return MessagePage{}, persistErr(op, err)
		}
		msgs = append(msgs, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return MessagePage{}, persistErr(op, err)
	}

	// Newest page first, oldest -> newest within the page.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	if err := s.loadReads(ctx, s.pool, msgs); err != nil {
		return MessagePage{}, persistErr(op, err)
	}
	if len(msgs) > 0 {
		out.Messages = msgs
	}
	return out, nil
}

func (s *PostgresStore) AddReadEntry(ctx context.Context, messageID string, entry ReadEntry) (bool, error) {
	const op = "chat.AddReadEntry"
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table("message_reads")+` (message_id, user_id, read_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (message_id, user_id) DO NOTHING`,
		messageID, entry.UserID, entry.ReadAt,
	)
	if err != nil {
		if pgIsForeignKeyViolation(err) {
			return false, Errorf(op, ErrNotFound, "message not found")
		}
		return false, persistErr(op, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) UnreadMessageIDs(ctx context.Context, conversationID, userID string) ([]string, error) {
	const op = "chat.UnreadMessageIDs"
	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM `+s.table("conversations")+` WHERE id = $1`, conversationID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, Errorf(op, ErrNotFound, "conversation not found")
	}
	if err != nil {
		return nil, persistErr(op, err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT m.id
		   FROM `+s.table("messages")+` m
		  WHERE m.conversation_id = $1
		    AND NOT EXISTS (
		          SELECT 1 FROM `+s.table("message_reads")+` r
		           WHERE r.message_id = m.id AND r.user_id = $2)
		  ORDER BY m.seq ASC`,
		conversationID, userID,
	)
	if err != nil {
		return nil, persistErr(op, err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, persistErr(op, err)
	}
	return out, nil
}

// ---- helpers ----

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// IsValidPGIdent reports whether s is a plain PostgreSQL identifier.
func IsValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}

func pgIsForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23503" // foreign_key_violation
}

func pgIsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" // unique_violation
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }

var _ Store = (*PostgresStore)(nil)
