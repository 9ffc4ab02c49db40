package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chatroom/internal/chat"
	"chatroom/internal/models"

	_ "modernc.org/sqlite"
)

const sqliteBackend = "sqlite"

// SQLiteStore 是嵌入式的持久化实现，同时提供 MessageStore 和 Accounts。
// 只开一个连接：SQLite 本身单写者，这样既避免 SQLITE_BUSY，也让同房间写入天然有全序。
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore 打开（必要时创建）path 处的数据库并初始化表结构。
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		path = "./data/chatroom.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &chat.StoreError{Backend: sqliteBackend, Op: "open", Err: err}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)")
	if err != nil {
		return nil, &chat.StoreError{Backend: sqliteBackend, Op: "open", Err: err}
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &chat.StoreError{Backend: sqliteBackend, Op: "ping", Err: err}
	}
	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, &chat.StoreError{Backend: sqliteBackend, Op: "migrate", Err: err}
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		room TEXT NOT NULL,
		msg_id TEXT NOT NULL,
		author TEXT NOT NULL,
		body TEXT NOT NULL,
		origin TEXT NOT NULL DEFAULT '',
		sent_at INTEGER NOT NULL,
		UNIQUE (room, msg_id)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_room_seq ON messages(room, seq);

	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT UNIQUE NOT NULL,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'user',
		room TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS refresh_tokens (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL,
		token TEXT UNIQUE NOT NULL,
		expires_at INTEGER NOT NULL,
		revoked_at INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_refresh_tokens_username ON refresh_tokens(username);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return &chat.StoreError{Backend: sqliteBackend, Op: "ping", Err: err}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *SQLiteStore) Append(ctx context.Context, room string, msg chat.Message) (*chat.Message, error) {
	defer observe(sqliteBackend, "append")()
	msg = stamp(room, msg)
	id, err := insertWithFreshID(func(id string) error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO messages (room, msg_id, author, body, origin, sent_at) VALUES (?, ?, ?, ?, ?, ?)`,
			room, id, msg.Author, msg.Body, msg.Origin, msg.SentAt.UnixNano())
		if isUniqueViolation(err) {
			return errDuplicateID
		}
		return err
	})
	if err != nil {
		return nil, &chat.StoreError{Backend: sqliteBackend, Op: "append", Room: room, Err: err}
	}
	msg.ID = id
	return &msg, nil
}

func (s *SQLiteStore) Recent(ctx context.Context, room string, limit int) ([]chat.Message, error) {
	defer observe(sqliteBackend, "recent")()
	if limit <= 0 {
		return []chat.Message{}, nil
	}
	msgs, err := s.query(ctx,
		`SELECT room, msg_id, author, body, origin, sent_at FROM messages WHERE room = ? ORDER BY seq DESC LIMIT ?`,
		room, limit)
	if err != nil {
		return nil, &chat.StoreError{Backend: sqliteBackend, Op: "recent", Room: room, Err: err}
	}
	reverse(msgs)
	return msgs, nil
}

func (s *SQLiteStore) Before(ctx context.Context, room, anchorID string, limit int) ([]chat.Message, error) {
	defer observe(sqliteBackend, "before")()
	seq, err := s.anchorSeq(ctx, "before", room, anchorID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []chat.Message{}, nil
	}
	msgs, err := s.query(ctx,
		`SELECT room, msg_id, author, body, origin, sent_at FROM messages WHERE room = ? AND seq < ? ORDER BY seq DESC LIMIT ?`,
		room, seq, limit)
	if err != nil {
		return nil, &chat.StoreError{Backend: sqliteBackend, Op: "before", Room: room, Err: err}
	}
	reverse(msgs)
	return msgs, nil
}

func (s *SQLiteStore) After(ctx context.Context, room, anchorID string) ([]chat.Message, error) {
	defer observe(sqliteBackend, "after")()
	seq, err := s.anchorSeq(ctx, "after", room, anchorID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.query(ctx,
		`SELECT room, msg_id, author, body, origin, sent_at FROM messages WHERE room = ? AND seq > ? ORDER BY seq ASC`,
		room, seq)
	if err != nil {
		return nil, &chat.StoreError{Backend: sqliteBackend, Op: "after", Room: room, Err: err}
	}
	return msgs, nil
}

func (s *SQLiteStore) Trim(ctx context.Context, room string, keep int) (int, error) {
	defer observe(sqliteBackend, "trim")()
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE room = ? AND seq <= (
			SELECT seq FROM messages WHERE room = ? ORDER BY seq DESC LIMIT 1 OFFSET ?
		)`, room, room, keep)
	if err != nil {
		return 0, &chat.StoreError{Backend: sqliteBackend, Op: "trim", Room: room, Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &chat.StoreError{Backend: sqliteBackend, Op: "trim", Room: room, Err: err}
	}
	return int(n), nil
}

func (s *SQLiteStore) Rooms(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT room FROM messages ORDER BY room`)
	if err != nil {
		return nil, &chat.StoreError{Backend: sqliteBackend, Op: "rooms", Err: err}
	}
	defer rows.Close()
	var rooms []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, &chat.StoreError{Backend: sqliteBackend, Op: "rooms", Err: err}
		}
		rooms = append(rooms, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &chat.StoreError{Backend: sqliteBackend, Op: "rooms", Err: err}
	}
	return rooms, nil
}

func (s *SQLiteStore) anchorSeq(ctx context.Context, op, room, anchorID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT seq FROM messages WHERE room = ? AND msg_id = ?`, room, anchorID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, chat.ErrMessageNotFound
	}
	if err != nil {
		return 0, &chat.StoreError{Backend: sqliteBackend, Op: op, Room: room, Err: err}
	}
	return seq, nil
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...any) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := make([]chat.Message, 0)
	for rows.Next() {
		var (
			m      chat.Message
			sentAt int64
		)
		if err := rows.Scan(&m.Room, &m.ID, &m.Author, &m.Body, &m.Origin, &sentAt); err != nil {
			return nil, err
		}
		m.SentAt = time.Unix(0, sentAt).UTC()
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// --- Accounts ---

func (s *SQLiteStore) CreateUser(ctx context.Context, username, passwordHash, role string) (*models.User, error) {
	if role == "" {
		role = models.RoleUser
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, role, room, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		username, passwordHash, role, username, now.UnixNano(), now.UnixNano())
	if isUniqueViolation(err) {
		return nil, ErrUsernameTaken
	}
	if err != nil {
		return nil, &chat.StoreError{Backend: sqliteBackend, Op: "create user", Err: err}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, &chat.StoreError{Backend: sqliteBackend, Op: "create user", Err: err}
	}
	return &models.User{
		ID:           uint(id),
		Username:     username,
		PasswordHash: passwordHash,
		Role:         role,
		Room:         username,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func (s *SQLiteStore) FindUser(ctx context.Context, username string) (*models.User, error) {
	var (
		u                models.User
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, role, room, created_at, updated_at FROM users WHERE username = ?`, username).
		Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.Room, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, &chat.StoreError{Backend: sqliteBackend, Op: "find user", Err: err}
	}
	u.CreatedAt = time.Unix(0, created).UTC()
	u.UpdatedAt = time.Unix(0, updated).UTC()
	return &u, nil
}

func (s *SQLiteStore) ListUsers(ctx context.Context, limit int) ([]models.User, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, role, room FROM users ORDER BY username LIMIT ?`, limit)
	if err != nil {
		return nil, &chat.StoreError{Backend: sqliteBackend, Op: "list users", Err: err}
	}
	defer rows.Close()
	users := make([]models.User, 0)
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Username, &u.Role, &u.Room); err != nil {
			return nil, &chat.StoreError{Backend: sqliteBackend, Op: "list users", Err: err}
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, &chat.StoreError{Backend: sqliteBackend, Op: "list users", Err: err}
	}
	return users, nil
}

func (s *SQLiteStore) SetCurrentRoom(ctx context.Context, username, room string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET room = ?, updated_at = ? WHERE username = ?`, room, time.Now().UTC().UnixNano(), username)
	if err != nil {
		return &chat.StoreError{Backend: sqliteBackend, Op: "set room", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *SQLiteStore) SaveRefreshToken(ctx context.Context, username, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO refresh_tokens (username, token, expires_at, created_at) VALUES (?, ?, ?, ?)`,
		username, token, expiresAt.UTC().UnixNano(), time.Now().UTC().UnixNano())
	if err != nil {
		return &chat.StoreError{Backend: sqliteBackend, Op: "save refresh token", Err: err}
	}
	return nil
}

func (s *SQLiteStore) RotateRefreshToken(ctx context.Context, oldToken, newToken string, expiresAt time.Time) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", &chat.StoreError{Backend: sqliteBackend, Op: "rotate refresh token", Err: err}
	}
	defer tx.Rollback()

	now := time.Now().UTC().UnixNano()
	var username string
	err = tx.QueryRowContext(ctx,
		`SELECT username FROM refresh_tokens WHERE token = ? AND revoked_at IS NULL AND expires_at > ?`, oldToken, now).
		Scan(&username)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrInvalidRefreshToken
	}
	if err != nil {
		return "", &chat.StoreError{Backend: sqliteBackend, Op: "rotate refresh token", Err: err}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE refresh_tokens SET revoked_at = ? WHERE token = ?`, now, oldToken); err != nil {
		return "", &chat.StoreError{Backend: sqliteBackend, Op: "rotate refresh token", Err: err}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO refresh_tokens (username, token, expires_at, created_at) VALUES (?, ?, ?, ?)`,
		username, newToken, expiresAt.UTC().UnixNano(), now); err != nil {
		return "", &chat.StoreError{Backend: sqliteBackend, Op: "rotate refresh token", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return "", &chat.StoreError{Backend: sqliteBackend, Op: "rotate refresh token", Err: err}
	}
	return username, nil
}

func (s *SQLiteStore) RevokeRefreshToken(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked_at = ? WHERE token = ? AND revoked_at IS NULL`, time.Now().UTC().UnixNano(), token)
	if err != nil {
		return &chat.StoreError{Backend: sqliteBackend, Op: "revoke refresh token", Err: err}
	}
	return nil
}
