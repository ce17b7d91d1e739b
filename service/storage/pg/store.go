package pg

import (
	"context"
	_ "embed"
	"errors"
	"time"

	"PPChat/module/model"
	"PPChat/service/storage"
	"PPChat/tools/errs"
	"PPChat/tools/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

const (
	kindDelivered = "delivered"
	kindRead      = "read"

	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

type Config struct {
	DSN      string
	MaxConns int32
}

// Store 基于 PostgreSQL 的 storage.Store。
// 回执是独立行，消息级 delivered/read 标志在读取时由回执聚合得出。
type Store struct {
	pool  *pgxpool.Pool
	idGen *ids.Generator
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func Open(ctx context.Context, cfg Config, nodeID int64) (*Store, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, errs.ErrBadRequest.WrapMsg("invalid postgres dsn", "cause", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, errs.Transient(err, "pg.connect")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.Transient(err, "pg.ping")
	}
	s := New(pool, nodeID)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func New(pool *pgxpool.Pool, nodeID int64) *Store {
	return &Store{pool: pool, idGen: ids.NewGenerator(nodeID)}
}

func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return errs.Transient(err, "pg.migrate")
}

func (s *Store) Close(context.Context) error {
	s.pool.Close()
	return nil
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *Store) CreateMessage(ctx context.Context, in storage.NewMessage) (*model.Message, bool, error) {
	at := in.At
	if at.IsZero() {
		at = time.Now()
	}
	typ := in.Type
	if typ == "" {
		typ = model.MessageTypeText
	}
	id := s.idGen.NextString()

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, chat_id, sender_id, type, content, reply_to, client_id, sent_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (chat_id, sender_id, client_id) WHERE client_id IS NOT NULL DO NOTHING`,
		id, in.ChatID, in.SenderID, typ, in.Content, in.ReplyTo, nullable(in.ClientID), at)
	if err != nil {
		return nil, false, errs.Transient(err, "pg.CreateMessage")
	}
	if tag.RowsAffected() == 1 {
		msg, err := loadMessage(ctx, s.pool, id)
		return msg, true, err
	}

	var existing string
	err = s.pool.QueryRow(ctx,
		`SELECT id FROM messages WHERE chat_id = $1 AND sender_id = $2 AND client_id = $3`,
		in.ChatID, in.SenderID, in.ClientID).Scan(&existing)
	if err != nil {
		return nil, false, errs.Transient(err, "pg.CreateMessage.lookup")
	}
	msg, err := loadMessage(ctx, s.pool, existing)
	return msg, false, err
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (*model.Message, error) {
	return loadMessage(ctx, s.pool, messageID)
}

func (s *Store) AppendDeliveryReceipt(ctx context.Context, messageID, userID string, at time.Time) (storage.ReceiptResult, error) {
	return s.appendReceipt(ctx, messageID, userID, kindDelivered, at)
}

func (s *Store) AppendReadReceipt(ctx context.Context, messageID, userID string, at time.Time) (storage.ReceiptResult, error) {
	return s.appendReceipt(ctx, messageID, userID, kindRead, at)
}

func (s *Store) appendReceipt(ctx context.Context, messageID, userID, kind string, at time.Time) (storage.ReceiptResult, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO message_receipts (message_id, kind, user_id, at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING`, messageID, kind, userID, at)
	if pgCode(err) == pgForeignKeyViolation {
		return storage.ReceiptResult{}, errs.ErrNotFound.WrapMsg("message not found", "messageId", messageID)
	}
	if err != nil {
		return storage.ReceiptResult{}, errs.Transient(err, "pg.appendReceipt."+kind)
	}
	msg, err := loadMessage(ctx, s.pool, messageID)
	if err != nil {
		return storage.ReceiptResult{}, err
	}
	return storage.ReceiptResult{Message: msg, Added: tag.RowsAffected() == 1}, nil
}

func (s *Store) EditMessage(ctx context.Context, messageID, content string, at time.Time) (*model.Message, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET content = $2, edited_at = $3 WHERE id = $1 AND deleted_at IS NULL`,
		messageID, content, at)
	if err != nil {
		return nil, errs.Transient(err, "pg.EditMessage")
	}
	if tag.RowsAffected() == 0 {
		return nil, errs.ErrNotFound.WrapMsg("message not found", "messageId", messageID)
	}
	return loadMessage(ctx, s.pool, messageID)
}

func (s *Store) DeleteMessage(ctx context.Context, messageID, userID string, forEveryone bool, at time.Time) (*model.Message, error) {
	if forEveryone {
		tag, err := s.pool.Exec(ctx,
			`UPDATE messages SET content = '', deleted_at = COALESCE(deleted_at, $2) WHERE id = $1`,
			messageID, at)
		if err != nil {
			return nil, errs.Transient(err, "pg.DeleteMessage")
		}
		if tag.RowsAffected() == 0 {
			return nil, errs.ErrNotFound.WrapMsg("message not found", "messageId", messageID)
		}
		return loadMessage(ctx, s.pool, messageID)
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO message_deletions (message_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		messageID, userID)
	if pgCode(err) == pgForeignKeyViolation {
		return nil, errs.ErrNotFound.WrapMsg("message not found", "messageId", messageID)
	}
	if err != nil {
		return nil, errs.Transient(err, "pg.DeleteMessage.forMe")
	}
	return loadMessage(ctx, s.pool, messageID)
}

func (s *Store) SetReaction(ctx context.Context, messageID, userID, emoji string, at time.Time) (*model.Message, error) {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var deletedAt *time.Time
		err := tx.QueryRow(ctx, `SELECT deleted_at FROM messages WHERE id = $1 FOR SHARE`, messageID).Scan(&deletedAt)
		if errors.Is(err, pgx.ErrNoRows) || (err == nil && deletedAt != nil) {
			return errs.ErrNotFound.WrapMsg("message not found", "messageId", messageID)
		}
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO message_reactions (message_id, user_id, emoji, created_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (message_id, user_id) DO UPDATE SET emoji = EXCLUDED.emoji, created_at = EXCLUDED.created_at`,
			messageID, userID, emoji, at)
		return err
	})
	if err != nil {
		return nil, errs.Transient(err, "pg.SetReaction")
	}
	return loadMessage(ctx, s.pool, messageID)
}

func (s *Store) RemoveReaction(ctx context.Context, messageID, userID string) (*model.Message, bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM message_reactions WHERE message_id = $1 AND user_id = $2`, messageID, userID)
	if err != nil {
		return nil, false, errs.Transient(err, "pg.RemoveReaction")
	}
	msg, err := loadMessage(ctx, s.pool, messageID)
	if err != nil {
		return nil, false, err
	}
	return msg, tag.RowsAffected() > 0, nil
}

func (s *Store) FetchChatMembership(ctx context.Context, chatID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT p.user_id
		FROM chats c LEFT JOIN chat_participants p ON p.chat_id = c.id
		WHERE c.id = $1
		ORDER BY p.joined_at`, chatID)
	if err != nil {
		return nil, errs.Transient(err, "pg.FetchChatMembership")
	}
	members, err := pgx.CollectRows(rows, pgx.RowTo[*string])
	if err != nil {
		return nil, errs.Transient(err, "pg.FetchChatMembership.scan")
	}
	if len(members) == 0 {
		return nil, errs.ErrNotFound.WrapMsg("chat not found", "chatId", chatID)
	}
	out := make([]string, 0, len(members))
	for _, m := range members {
		if m != nil {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (s *Store) FetchUserChats(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT chat_id FROM chat_participants WHERE user_id = $1 ORDER BY chat_id`, userID)
	if err != nil {
		return nil, errs.Transient(err, "pg.FetchUserChats")
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return out, errs.Transient(err, "pg.FetchUserChats.scan")
}

func (s *Store) FetchContacts(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT contact_id FROM contacts WHERE user_id = $1 ORDER BY contact_id`, userID)
	if err != nil {
		return nil, errs.Transient(err, "pg.FetchContacts")
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return out, errs.Transient(err, "pg.FetchContacts.scan")
}

func (s *Store) IncrementUnread(ctx context.Context, chatID, senderID, lastMessageID string, at time.Time) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE chats SET last_message = $2, last_activity = $3 WHERE id = $1`,
			chatID, lastMessageID, at)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errs.ErrNotFound.WrapMsg("chat not found", "chatId", chatID)
		}
		_, err = tx.Exec(ctx,
			`UPDATE chat_participants SET unread_count = unread_count + 1 WHERE chat_id = $1 AND user_id <> $2`,
			chatID, senderID)
		return err
	})
	return errs.Transient(err, "pg.IncrementUnread")
}

func (s *Store) ResetUnread(ctx context.Context, chatID, userID, lastReadMessageID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE chat_participants SET unread_count = 0, last_read_message = $3 WHERE chat_id = $1 AND user_id = $2`,
		chatID, userID, lastReadMessageID)
	return errs.Transient(err, "pg.ResetUnread")
}

type receiptRow struct {
	UserID string
	Kind   string
	At     time.Time
}

type reactionRow struct {
	UserID    string
	Emoji     string
	CreatedAt time.Time
}

// loadMessage 读取消息主行及其回执/表情/删除记录，并聚合出 Status
func loadMessage(ctx context.Context, q querier, messageID string) (*model.Message, error) {
	var (
		msg       model.Message
		editedAt  *time.Time
		deletedAt *time.Time
	)
	err := q.QueryRow(ctx, `
		SELECT id, chat_id, sender_id, type, content, reply_to, COALESCE(client_id, ''), sent_at, edited_at, deleted_at, created_at
		FROM messages WHERE id = $1`, messageID).Scan(
		&msg.ID, &msg.ChatID, &msg.SenderID, &msg.Type, &msg.Content, &msg.ReplyTo, &msg.ClientID,
		&msg.Status.SentAt, &editedAt, &deletedAt, &msg.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound.WrapMsg("message not found", "messageId", messageID)
	}
	if err != nil {
		return nil, errs.Transient(err, "pg.loadMessage")
	}
	msg.Status.Sent = true
	msg.Edited, msg.EditedAt = editedAt != nil, editedAt
	msg.Deleted, msg.DeletedAt = deletedAt != nil, deletedAt

	rows, err := q.Query(ctx,
		`SELECT user_id, kind, at FROM message_receipts WHERE message_id = $1 ORDER BY at, user_id`, messageID)
	if err != nil {
		return nil, errs.Transient(err, "pg.loadMessage.receipts")
	}
	receipts, err := pgx.CollectRows(rows, pgx.RowToStructByPos[receiptRow])
	if err != nil {
		return nil, errs.Transient(err, "pg.loadMessage.receipts.scan")
	}
	msg.DeliveredTo = []model.Receipt{}
	msg.ReadBy = []model.Receipt{}
	for _, r := range receipts {
		at := r.At
		switch r.Kind {
		case kindDelivered:
			msg.DeliveredTo = append(msg.DeliveredTo, model.Receipt{UserID: r.UserID, At: at})
			if msg.Status.DeliveredAt == nil {
				msg.Status.Delivered, msg.Status.DeliveredAt = true, &at
			}
		case kindRead:
			msg.ReadBy = append(msg.ReadBy, model.Receipt{UserID: r.UserID, At: at})
			if msg.Status.ReadAt == nil {
				msg.Status.Read, msg.Status.ReadAt = true, &at
			}
		}
	}

	rows, err = q.Query(ctx,
		`SELECT user_id, emoji, created_at FROM message_reactions WHERE message_id = $1 ORDER BY created_at`, messageID)
	if err != nil {
		return nil, errs.Transient(err, "pg.loadMessage.reactions")
	}
	reactions, err := pgx.CollectRows(rows, pgx.RowToStructByPos[reactionRow])
	if err != nil {
		return nil, errs.Transient(err, "pg.loadMessage.reactions.scan")
	}
	for _, r := range reactions {
		msg.Reactions = append(msg.Reactions, model.Reaction(r))
	}

	rows, err = q.Query(ctx, `SELECT user_id FROM message_deletions WHERE message_id = $1`, messageID)
	if err != nil {
		return nil, errs.Transient(err, "pg.loadMessage.deletions")
	}
	msg.DeletedFor, err = pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, errs.Transient(err, "pg.loadMessage.deletions.scan")
	}
	return &msg, nil
}

var _ storage.Store = (*Store)(nil)
