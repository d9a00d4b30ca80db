package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cord/api/internal/location"
	"cord/api/internal/pagination"
	"github.com/jackc/pgx/v5/pgconn"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// mapErr turns driver errors into the package sentinels.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%s: %w", op, ErrConflict)
		case "23503":
			return fmt.Errorf("%s: %w", op, ErrNotFound)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func expectAffected(op string, result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows: %w", op, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}

func decodeMap(raw []byte) (map[string]any, error) {
	out := map[string]any{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode json object: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *PostgresStore) CreateApplication(ctx context.Context, app Application) (Application, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO applications (id, name, secret)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`, app.ID, app.Name, app.Secret).Scan(&app.CreatedAt)
	if err != nil {
		return Application{}, mapErr("create application", err)
	}
	return app, nil
}

func (s *PostgresStore) GetApplication(ctx context.Context, appID string) (Application, error) {
	var app Application
	err := s.db.QueryRowContext(ctx, `SELECT id, name, secret, created_at FROM applications WHERE id=$1`, appID).
		Scan(&app.ID, &app.Name, &app.Secret, &app.CreatedAt)
	if err != nil {
		return Application{}, mapErr("get application", err)
	}
	return app, nil
}

const userColumns = `app_id, id, name, short_name, email, profile_picture_url, status, metadata, created_at, updated_at`

func scanUser(row rowScanner) (User, error) {
	var user User
	var metadata []byte
	if err := row.Scan(&user.AppID, &user.ID, &user.Name, &user.ShortName, &user.Email, &user.ProfilePictureURL, &user.Status, &metadata, &user.CreatedAt, &user.UpdatedAt); err != nil {
		return User{}, err
	}
	var err error
	user.Metadata, err = decodeMap(metadata)
	return user, err
}

func (s *PostgresStore) UpsertUser(ctx context.Context, user User) (User, error) {
	metadata, err := marshalJSON(user.Metadata, "{}")
	if err != nil {
		return User{}, err
	}
	status := user.Status
	if status == "" {
		status = UserStatusActive
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO users (app_id, id, name, short_name, email, profile_picture_url, status, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb)
		ON CONFLICT (app_id, id) DO UPDATE SET
			name=EXCLUDED.name,
			short_name=EXCLUDED.short_name,
			email=EXCLUDED.email,
			profile_picture_url=EXCLUDED.profile_picture_url,
			status=EXCLUDED.status,
			metadata=EXCLUDED.metadata,
			updated_at=NOW()
		RETURNING `+userColumns,
		user.AppID, user.ID, user.Name, user.ShortName, user.Email, user.ProfilePictureURL, status, metadata)
	saved, err := scanUser(row)
	if err != nil {
		return User{}, mapErr("upsert user", err)
	}
	return saved, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, appID, userID string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE app_id=$1 AND id=$2`, appID, userID)
	user, err := scanUser(row)
	if err != nil {
		return User{}, mapErr("get user", err)
	}
	return user, nil
}

func (s *PostgresStore) UpsertGroup(ctx context.Context, group Group) (Group, error) {
	metadata, err := marshalJSON(group.Metadata, "{}")
	if err != nil {
		return Group{}, err
	}
	var raw []byte
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO groups (app_id, id, name, metadata)
		VALUES ($1, $2, $3, $4::jsonb)
		ON CONFLICT (app_id, id) DO UPDATE SET name=EXCLUDED.name, metadata=EXCLUDED.metadata, updated_at=NOW()
		RETURNING app_id, id, name, metadata, created_at, updated_at
	`, group.AppID, group.ID, group.Name, metadata).Scan(&group.AppID, &group.ID, &group.Name, &raw, &group.CreatedAt, &group.UpdatedAt)
	if err != nil {
		return Group{}, mapErr("upsert group", err)
	}
	group.Metadata, err = decodeMap(raw)
	return group, err
}

func (s *PostgresStore) GetGroup(ctx context.Context, appID, groupID string) (Group, error) {
	var group Group
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT app_id, id, name, metadata, created_at, updated_at FROM groups WHERE app_id=$1 AND id=$2
	`, appID, groupID).Scan(&group.AppID, &group.ID, &group.Name, &raw, &group.CreatedAt, &group.UpdatedAt)
	if err != nil {
		return Group{}, mapErr("get group", err)
	}
	group.Metadata, err = decodeMap(raw)
	return group, err
}

func (s *PostgresStore) UpdateGroupMembers(ctx context.Context, appID, groupID string, add, remove []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin group members tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM groups WHERE app_id=$1 AND id=$2)`, appID, groupID).Scan(&exists); err != nil {
		return fmt.Errorf("check group: %w", err)
	}
	if !exists {
		return fmt.Errorf("update group members: %w", ErrNotFound)
	}
	for _, userID := range add {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO group_members (app_id, group_id, user_id) VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING
		`, appID, groupID, userID); err != nil {
			return mapErr("add group member", err)
		}
	}
	for _, userID := range remove {
		if _, err := tx.ExecContext(ctx, `DELETE FROM group_members WHERE app_id=$1 AND group_id=$2 AND user_id=$3`, appID, groupID, userID); err != nil {
			return fmt.Errorf("remove group member: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit group members: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListGroupMembers(ctx context.Context, appID, groupID string) ([]string, error) {
	if _, err := s.GetGroup(ctx, appID, groupID); err != nil {
		return nil, err
	}
	return s.queryStrings(ctx, "list group members", `
		SELECT user_id FROM group_members WHERE app_id=$1 AND group_id=$2 ORDER BY user_id
	`, appID, groupID)
}

func (s *PostgresStore) ListUserGroups(ctx context.Context, appID, userID string) ([]string, error) {
	return s.queryStrings(ctx, "list user groups", `
		SELECT group_id FROM group_members WHERE app_id=$1 AND user_id=$2 ORDER BY group_id
	`, appID, userID)
}

func (s *PostgresStore) queryStrings(ctx context.Context, op, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("%s scan: %w", op, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s iterate: %w", op, err)
	}
	return out, nil
}

const threadColumns = `id, app_id, external_id, group_id, location, name, url, metadata, resolved_at, COALESCE(resolved_by, ''), created_at, updated_at`

func scanThread(row rowScanner) (Thread, error) {
	var t Thread
	var loc, metadata []byte
	var resolvedAt sql.NullTime
	if err := row.Scan(&t.ID, &t.AppID, &t.ExternalID, &t.GroupID, &loc, &t.Name, &t.URL, &metadata, &resolvedAt, &t.ResolvedBy, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return Thread{}, err
	}
	m, err := decodeMap(loc)
	if err != nil {
		return Thread{}, err
	}
	t.Location = location.Location(m)
	if t.Metadata, err = decodeMap(metadata); err != nil {
		return Thread{}, err
	}
	if resolvedAt.Valid {
		at := resolvedAt.Time.UTC()
		t.ResolvedAt = &at
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return t, nil
}

func (s *PostgresStore) InsertThread(ctx context.Context, thread Thread) (Thread, error) {
	loc, err := marshalJSON(thread.Location, "{}")
	if err != nil {
		return Thread{}, err
	}
	metadata, err := marshalJSON(thread.Metadata, "{}")
	if err != nil {
		return Thread{}, err
	}
	createdAt := thread.CreatedAt
	if createdAt.IsZero() {
		createdAt = Now()
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO threads (id, app_id, external_id, group_id, location, name, url, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8::jsonb, $9, $9)
		RETURNING `+threadColumns,
		thread.ID, thread.AppID, thread.ExternalID, thread.GroupID, loc, thread.Name, thread.URL, metadata, createdAt)
	saved, err := scanThread(row)
	if err != nil {
		return Thread{}, mapErr("insert thread", err)
	}
	return saved, nil
}

func (s *PostgresStore) GetThread(ctx context.Context, appID, externalID string) (Thread, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+threadColumns+` FROM threads WHERE app_id=$1 AND external_id=$2`, appID, externalID)
	t, err := scanThread(row)
	if err != nil {
		return Thread{}, mapErr("get thread", err)
	}
	return t, nil
}

func (s *PostgresStore) GetThreadByID(ctx context.Context, threadID string) (Thread, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+threadColumns+` FROM threads WHERE id=$1`, threadID)
	t, err := scanThread(row)
	if err != nil {
		return Thread{}, mapErr("get thread", err)
	}
	return t, nil
}

func (s *PostgresStore) UpdateThread(ctx context.Context, thread Thread) (Thread, error) {
	loc, err := marshalJSON(thread.Location, "{}")
	if err != nil {
		return Thread{}, err
	}
	metadata, err := marshalJSON(thread.Metadata, "{}")
	if err != nil {
		return Thread{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE threads
		SET name=$2, url=$3, location=$4::jsonb, group_id=$5, metadata=$6::jsonb, updated_at=NOW()
		WHERE id=$1
		RETURNING `+threadColumns,
		thread.ID, thread.Name, thread.URL, loc, thread.GroupID, metadata)
	saved, err := scanThread(row)
	if err != nil {
		return Thread{}, mapErr("update thread", err)
	}
	return saved, nil
}

func (s *PostgresStore) DeleteThread(ctx context.Context, threadID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM threads WHERE id=$1`, threadID)
	if err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	return expectAffected("delete thread", result)
}

// whereBuilder accumulates numbered placeholders.
type whereBuilder struct {
	clauses []string
	args    []any
}

func (w *whereBuilder) add(clause string, args ...any) {
	for _, arg := range args {
		w.args = append(w.args, arg)
		clause = strings.Replace(clause, "?", fmt.Sprintf("$%d", len(w.args)), 1)
	}
	w.clauses = append(w.clauses, clause)
}

func (w *whereBuilder) sql() string {
	if len(w.clauses) == 0 {
		return "TRUE"
	}
	return strings.Join(w.clauses, " AND ")
}

func addLocation(w *whereBuilder, column string, loc location.Location, partial bool) error {
	if len(loc) == 0 {
		return nil
	}
	raw, err := marshalJSON(location.Normalize(loc), "{}")
	if err != nil {
		return err
	}
	if partial {
		w.add(column+" @> ?::jsonb", raw)
	} else {
		w.add(column+" = ?::jsonb", raw)
	}
	return nil
}

// addCursor appends the keyset condition; dir picks the comparison.
func addCursor(w *whereBuilder, createdCol, idCol, token string, dir pagination.Direction) error {
	cursor, ok, err := pagination.Decode(token)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	op := "<"
	if dir == pagination.Ascending {
		op = ">"
	}
	w.add(fmt.Sprintf("(%s, %s) %s (?, ?)", createdCol, idCol, op), cursor.CreatedAt, cursor.ID)
	return nil
}

func (s *PostgresStore) threadWhere(filter ThreadFilter) (*whereBuilder, error) {
	w := &whereBuilder{}
	w.add("t.app_id = ?", filter.AppID)
	if filter.GroupIDs != nil {
		if len(filter.GroupIDs) == 0 {
			w.add("FALSE")
		} else {
			w.add("t.group_id = ANY(?)", filter.GroupIDs)
		}
	}
	if filter.GroupID != "" {
		w.add("t.group_id = ?", filter.GroupID)
	}
	if err := addLocation(w, "t.location", filter.Location, filter.PartialMatch); err != nil {
		return nil, err
	}
	if len(filter.Metadata) > 0 {
		raw, err := marshalJSON(location.Normalize(filter.Metadata), "{}")
		if err != nil {
			return nil, err
		}
		w.add("t.metadata @> ?::jsonb", raw)
	}
	switch filter.Resolved {
	case ResolvedOnly:
		w.add("t.resolved_at IS NOT NULL")
	case ResolvedUnresolved:
		w.add("t.resolved_at IS NULL")
	}
	if filter.SubscribedUserID != "" {
		w.add("EXISTS (SELECT 1 FROM thread_participants tp WHERE tp.thread_id = t.id AND tp.user_id = ? AND tp.subscribed)", filter.SubscribedUserID)
	}
	return w, nil
}

func (s *PostgresStore) ListThreads(ctx context.Context, filter ThreadFilter, req pagination.Request) (pagination.Page[Thread], error) {
	w, err := s.threadWhere(filter)
	if err != nil {
		return pagination.Page[Thread]{}, err
	}
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM threads t WHERE `+w.sql(), w.args...).Scan(&total); err != nil {
		return pagination.Page[Thread]{}, fmt.Errorf("count threads: %w", err)
	}
	if err := addCursor(w, "t.created_at", "t.id", req.Token, pagination.Descending); err != nil {
		return pagination.Page[Thread]{}, err
	}
	limit := pagination.NormalizeLimit(req.Limit)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM threads t
		WHERE %s
		ORDER BY t.created_at DESC, t.id DESC
		LIMIT %d
	`, prefixed("t", threadColumns), w.sql(), limit+1), w.args...)
	if err != nil {
		return pagination.Page[Thread]{}, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()
	items := make([]Thread, 0)
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return pagination.Page[Thread]{}, fmt.Errorf("scan thread: %w", err)
		}
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return pagination.Page[Thread]{}, fmt.Errorf("iterate threads: %w", err)
	}
	return pagination.Finish(items, Thread.Cursor, limit, total), nil
}

// prefixed qualifies a column list with a table alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, "COALESCE(") {
			parts[i] = "COALESCE(" + alias + "." + strings.TrimPrefix(part, "COALESCE(")
			continue
		}
		if strings.HasPrefix(part, "'") || strings.HasPrefix(part, ")") {
			parts[i] = part
			continue
		}
		parts[i] = alias + "." + part
	}
	return strings.Join(parts, ", ")
}

func (s *PostgresStore) SetThreadResolved(ctx context.Context, threadID, resolvedBy string, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE threads
		SET resolved_at=$2, resolved_by=$3, updated_at=NOW()
		WHERE id=$1 AND resolved_at IS NULL
	`, threadID, at.UTC(), resolvedBy)
	if err != nil {
		return false, fmt.Errorf("resolve thread: %w", err)
	}
	return s.changedOrMissing(ctx, "resolve thread", result, threadID)
}

func (s *PostgresStore) SetThreadUnresolved(ctx context.Context, threadID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE threads
		SET resolved_at=NULL, resolved_by=NULL, updated_at=NOW()
		WHERE id=$1 AND resolved_at IS NOT NULL
	`, threadID)
	if err != nil {
		return false, fmt.Errorf("reopen thread: %w", err)
	}
	return s.changedOrMissing(ctx, "reopen thread", result, threadID)
}

// changedOrMissing distinguishes a no-op conditional update from a missing row.
func (s *PostgresStore) changedOrMissing(ctx context.Context, op string, result sql.Result, threadID string) (bool, error) {
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s rows: %w", op, err)
	}
	if affected > 0 {
		return true, nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM threads WHERE id=$1)`, threadID).Scan(&exists); err != nil {
		return false, fmt.Errorf("%s exists: %w", op, err)
	}
	if !exists {
		return false, fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return false, nil
}

func (s *PostgresStore) ThreadStats(ctx context.Context, threadID, viewerID string) (ThreadStats, error) {
	var stats ThreadStats
	var first, last sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE m.author_id <> $2 AND (tp.last_seen_at IS NULL OR m.created_at > tp.last_seen_at)),
			COUNT(*) FILTER (WHERE m.type = 'user_message'),
			COUNT(*) FILTER (WHERE m.type = 'action_message'),
			MIN(m.created_at),
			MAX(m.created_at)
		FROM messages m
		LEFT JOIN thread_participants tp ON tp.thread_id = m.thread_id AND tp.user_id = $2
		WHERE m.thread_id = $1 AND m.deleted_at IS NULL
	`, threadID, viewerID).Scan(&stats.Total, &stats.Unread, &stats.UserMessages, &stats.ActionMessages, &first, &last)
	if err != nil {
		return ThreadStats{}, fmt.Errorf("thread stats: %w", err)
	}
	if first.Valid {
		t := first.Time.UTC()
		stats.FirstMessageAt = &t
	}
	if last.Valid {
		t := last.Time.UTC()
		stats.LastMessageAt = &t
	}
	return stats, nil
}

func scanParticipant(row rowScanner) (Participant, error) {
	var p Participant
	var seen sql.NullTime
	if err := row.Scan(&p.ThreadID, &p.UserID, &seen, &p.Subscribed); err != nil {
		return Participant{}, err
	}
	if seen.Valid {
		t := seen.Time.UTC()
		p.LastSeenAt = &t
	}
	return p, nil
}

func (s *PostgresStore) GetParticipant(ctx context.Context, threadID, userID string) (Participant, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT thread_id, user_id, last_seen_at, subscribed FROM thread_participants WHERE thread_id=$1 AND user_id=$2
	`, threadID, userID)
	p, err := scanParticipant(row)
	if err != nil {
		return Participant{}, mapErr("get participant", err)
	}
	return p, nil
}

func (s *PostgresStore) ListParticipants(ctx context.Context, threadID string) ([]Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, user_id, last_seen_at, subscribed FROM thread_participants WHERE thread_id=$1 ORDER BY user_id
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()
	out := []Participant{}
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetLastSeen(ctx context.Context, threadID, userID string, at *time.Time) error {
	var seen any
	if at != nil {
		seen = at.UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO thread_participants (thread_id, user_id, last_seen_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (thread_id, user_id) DO UPDATE SET last_seen_at=EXCLUDED.last_seen_at
	`, threadID, userID, seen)
	return mapErr("set last seen", err)
}

func (s *PostgresStore) SetSubscribed(ctx context.Context, threadID, userID string, subscribed bool) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO thread_participants (thread_id, user_id, subscribed)
		VALUES ($1, $2, $3)
		ON CONFLICT (thread_id, user_id) DO UPDATE SET subscribed=EXCLUDED.subscribed
		WHERE thread_participants.subscribed IS DISTINCT FROM EXCLUDED.subscribed
	`, threadID, userID, subscribed)
	if err != nil {
		return false, mapErr("set subscribed", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set subscribed rows: %w", err)
	}
	return affected > 0, nil
}

const messageColumns = `id, app_id, external_id, thread_id, author_id, content, plaintext, attachments, type, metadata, created_at, updated_at, deleted_at`

func scanMessage(row rowScanner) (Message, error) {
	var m Message
	var contentRaw, attachments, metadata []byte
	var updated, deleted sql.NullTime
	if err := row.Scan(&m.ID, &m.AppID, &m.ExternalID, &m.ThreadID, &m.AuthorID, &contentRaw, &m.Plaintext, &attachments, &m.Type, &metadata, &m.CreatedAt, &updated, &deleted); err != nil {
		return Message{}, err
	}
	m.Content = json.RawMessage(contentRaw)
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
			return Message{}, fmt.Errorf("decode attachments: %w", err)
		}
	}
	var err error
	if m.Metadata, err = decodeMap(metadata); err != nil {
		return Message{}, err
	}
	m.CreatedAt = m.CreatedAt.UTC()
	if updated.Valid {
		t := updated.Time.UTC()
		m.UpdatedAt = &t
	}
	if deleted.Valid {
		t := deleted.Time.UTC()
		m.DeletedAt = &t
	}
	return m, nil
}

func (s *PostgresStore) InsertMessage(ctx context.Context, msg Message) (Message, error) {
	attachments, err := marshalJSON(msg.Attachments, "[]")
	if err != nil {
		return Message{}, err
	}
	metadata, err := marshalJSON(msg.Metadata, "{}")
	if err != nil {
		return Message{}, err
	}
	contentRaw := string(msg.Content)
	if contentRaw == "" {
		contentRaw = "[]"
	}
	msgType := msg.Type
	if msgType == "" {
		msgType = MessageTypeUser
	}
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = Now()
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (id, app_id, external_id, thread_id, author_id, content, plaintext, attachments, type, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8::jsonb, $9, $10::jsonb, $11)
		RETURNING `+messageColumns,
		msg.ID, msg.AppID, msg.ExternalID, msg.ThreadID, msg.AuthorID, contentRaw, msg.Plaintext, attachments, msgType, metadata, createdAt)
	saved, err := scanMessage(row)
	if err != nil {
		return Message{}, mapErr("insert message", err)
	}
	return saved, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, appID, externalID string) (Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE app_id=$1 AND external_id=$2`, appID, externalID)
	m, err := scanMessage(row)
	if err != nil {
		return Message{}, mapErr("get message", err)
	}
	return m, nil
}

func (s *PostgresStore) GetMessageByID(ctx context.Context, messageID string) (Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	m, err := scanMessage(row)
	if err != nil {
		return Message{}, mapErr("get message", err)
	}
	return m, nil
}

func (s *PostgresStore) UpdateMessage(ctx context.Context, msg Message) (Message, error) {
	attachments, err := marshalJSON(msg.Attachments, "[]")
	if err != nil {
		return Message{}, err
	}
	metadata, err := marshalJSON(msg.Metadata, "{}")
	if err != nil {
		return Message{}, err
	}
	contentRaw := string(msg.Content)
	if contentRaw == "" {
		contentRaw = "[]"
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE messages
		SET content=$2::jsonb, plaintext=$3, attachments=$4::jsonb, metadata=$5::jsonb, updated_at=NOW()
		WHERE id=$1 AND deleted_at IS NULL
		RETURNING `+messageColumns,
		msg.ID, contentRaw, msg.Plaintext, attachments, metadata)
	saved, err := scanMessage(row)
	if err != nil {
		return Message{}, mapErr("update message", err)
	}
	return saved, nil
}

func (s *PostgresStore) DeleteMessage(ctx context.Context, messageID string, at time.Time) (Message, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, false, fmt.Errorf("begin delete message tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		UPDATE messages
		SET content='[]'::jsonb, plaintext='', attachments='[]'::jsonb, deleted_at=$2
		WHERE id=$1 AND deleted_at IS NULL
		RETURNING `+messageColumns, messageID, at.UTC())
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		existing, getErr := s.GetMessageByID(ctx, messageID)
		if getErr != nil {
			return Message{}, false, getErr
		}
		return existing, false, nil
	}
	if err != nil {
		return Message{}, false, fmt.Errorf("delete message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM message_reactions WHERE message_id=$1`, messageID); err != nil {
		return Message{}, false, fmt.Errorf("delete message reactions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Message{}, false, fmt.Errorf("commit delete message: %w", err)
	}
	return msg, true, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, filter MessageFilter, req pagination.Request) (pagination.Page[Message], error) {
	w := &whereBuilder{}
	w.add("thread_id = ?", filter.ThreadID)
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE `+w.sql(), w.args...).Scan(&total); err != nil {
		return pagination.Page[Message]{}, fmt.Errorf("count messages: %w", err)
	}
	dir, order := pagination.Descending, "DESC"
	if filter.Ascending {
		dir, order = pagination.Ascending, "ASC"
	}
	if err := addCursor(w, "created_at", "id", req.Token, dir); err != nil {
		return pagination.Page[Message]{}, err
	}
	limit := pagination.NormalizeLimit(req.Limit)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM messages
		WHERE %s
		ORDER BY created_at %s, id %s
		LIMIT %d
	`, messageColumns, w.sql(), order, order, limit+1), w.args...)
	if err != nil {
		return pagination.Page[Message]{}, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	items := make([]Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return pagination.Page[Message]{}, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return pagination.Page[Message]{}, fmt.Errorf("iterate messages: %w", err)
	}
	return pagination.Finish(items, Message.Cursor, limit, total), nil
}

func (s *PostgresStore) LatestMessageFromOthers(ctx context.Context, threadID, userID string) (*time.Time, error) {
	var latest sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(created_at) FROM messages
		WHERE thread_id=$1 AND author_id<>$2 AND deleted_at IS NULL
	`, threadID, userID).Scan(&latest)
	if err != nil {
		return nil, fmt.Errorf("latest message: %w", err)
	}
	if !latest.Valid {
		return nil, nil
	}
	t := latest.Time.UTC()
	return &t, nil
}

// SearchMessages is the database fallback when no search index is available.
func (s *PostgresStore) SearchMessages(ctx context.Context, appID, text string, groupIDs []string, limit int) ([]Message, error) {
	if strings.TrimSpace(text) == "" {
		return []Message{}, nil
	}
	w := &whereBuilder{}
	w.add("m.app_id = ?", appID)
	w.add("m.deleted_at IS NULL")
	w.add("(m.fts @@ plainto_tsquery('english', ?) OR m.plaintext ILIKE '%' || ? || '%')", text, text)
	if groupIDs != nil {
		w.add("t.group_id = ANY(?)", groupIDs)
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM messages m
		JOIN threads t ON t.id = m.thread_id
		WHERE %s
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT %d
	`, prefixed("m", messageColumns), w.sql(), pagination.NormalizeLimit(limit)), w.args...)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()
	out := []Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AddReaction(ctx context.Context, r Reaction) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO message_reactions (message_id, user_id, emoji)
		SELECT id, $2, $3 FROM messages WHERE id=$1 AND deleted_at IS NULL
		ON CONFLICT DO NOTHING
	`, r.MessageID, r.UserID, r.Emoji)
	if err != nil {
		return false, mapErr("add reaction", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("add reaction rows: %w", err)
	}
	if affected > 0 {
		return true, nil
	}
	msg, err := s.GetMessageByID(ctx, r.MessageID)
	if err != nil {
		return false, err
	}
	if msg.Deleted() {
		return false, fmt.Errorf("add reaction: %w", ErrNotFound)
	}
	return false, nil
}

func (s *PostgresStore) RemoveReaction(ctx context.Context, messageID, userID, emoji string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM message_reactions WHERE message_id=$1 AND user_id=$2 AND emoji=$3
	`, messageID, userID, emoji)
	if err != nil {
		return false, fmt.Errorf("remove reaction: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove reaction rows: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetMessageByID(ctx, messageID); err != nil {
			return false, err
		}
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListReactions(ctx context.Context, messageIDs []string) (map[string][]Reaction, error) {
	out := map[string][]Reaction{}
	if len(messageIDs) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, user_id, emoji, created_at FROM message_reactions
		WHERE message_id = ANY($1)
		ORDER BY created_at, user_id, emoji
	`, messageIDs)
	if err != nil {
		return nil, fmt.Errorf("list reactions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r Reaction
		if err := rows.Scan(&r.MessageID, &r.UserID, &r.Emoji, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reaction: %w", err)
		}
		r.CreatedAt = r.CreatedAt.UTC()
		out[r.MessageID] = append(out[r.MessageID], r)
	}
	return out, rows.Err()
}

const notificationColumns = `id, app_id, recipient_id, sender_ids, template, attachment, COALESCE(thread_id, ''), group_id, type, read_at, metadata, created_at`

func scanNotification(row rowScanner) (Notification, error) {
	var n Notification
	var senders, attachment, metadata []byte
	var readAt sql.NullTime
	if err := row.Scan(&n.ID, &n.AppID, &n.RecipientID, &senders, &n.Template, &attachment, &n.ThreadID, &n.GroupID, &n.Type, &readAt, &metadata, &n.CreatedAt); err != nil {
		return Notification{}, err
	}
	if len(senders) > 0 {
		if err := json.Unmarshal(senders, &n.SenderIDs); err != nil {
			return Notification{}, fmt.Errorf("decode sender ids: %w", err)
		}
	}
	if len(attachment) > 0 && string(attachment) != "null" {
		n.Attachment = &NotificationAttachment{}
		if err := json.Unmarshal(attachment, n.Attachment); err != nil {
			return Notification{}, fmt.Errorf("decode attachment: %w", err)
		}
	}
	var err error
	if n.Metadata, err = decodeMap(metadata); err != nil {
		return Notification{}, err
	}
	if readAt.Valid {
		t := readAt.Time.UTC()
		n.ReadAt = &t
	}
	n.CreatedAt = n.CreatedAt.UTC()
	return n, nil
}

func (s *PostgresStore) InsertNotification(ctx context.Context, n Notification) (Notification, error) {
	senders, err := marshalJSON(n.SenderIDs, "[]")
	if err != nil {
		return Notification{}, err
	}
	var attachment any
	if n.Attachment != nil {
		raw, err := json.Marshal(n.Attachment)
		if err != nil {
			return Notification{}, fmt.Errorf("marshal attachment: %w", err)
		}
		attachment = string(raw)
	}
	metadata, err := marshalJSON(n.Metadata, "{}")
	if err != nil {
		return Notification{}, err
	}
	var threadID any
	if n.ThreadID != "" {
		threadID = n.ThreadID
	}
	createdAt := n.CreatedAt
	if createdAt.IsZero() {
		createdAt = Now()
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO notifications (id, app_id, recipient_id, sender_ids, template, attachment, thread_id, group_id, type, metadata, created_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6::jsonb, $7, $8, $9, $10::jsonb, $11)
		RETURNING `+notificationColumns,
		n.ID, n.AppID, n.RecipientID, senders, n.Template, attachment, threadID, n.GroupID, n.Type, metadata, createdAt)
	saved, err := scanNotification(row)
	if err != nil {
		return Notification{}, mapErr("insert notification", err)
	}
	return saved, nil
}

func (s *PostgresStore) GetNotification(ctx context.Context, appID, notificationID string) (Notification, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE app_id=$1 AND id=$2`, appID, notificationID)
	n, err := scanNotification(row)
	if err != nil {
		return Notification{}, mapErr("get notification", err)
	}
	return n, nil
}

func (s *PostgresStore) SetNotificationRead(ctx context.Context, appID, recipientID, notificationID string, read bool, at time.Time) (Notification, bool, error) {
	var readAt any
	cond := "read_at IS NOT NULL"
	if read {
		readAt = at.UTC()
		cond = "read_at IS NULL"
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE notifications SET read_at=$4
		WHERE app_id=$1 AND recipient_id=$2 AND id=$3 AND `+cond+`
		RETURNING `+notificationColumns, appID, recipientID, notificationID, readAt)
	n, err := scanNotification(row)
	if err == nil {
		return n, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Notification{}, false, fmt.Errorf("set notification read: %w", err)
	}
	existing, err := s.GetNotification(ctx, appID, notificationID)
	if err != nil {
		return Notification{}, false, err
	}
	if existing.RecipientID != recipientID {
		return Notification{}, false, fmt.Errorf("set notification read: %w", ErrNotFound)
	}
	return existing, false, nil
}

func (s *PostgresStore) notificationWhere(filter NotificationFilter) (*whereBuilder, error) {
	w := &whereBuilder{}
	w.add("n.app_id = ?", filter.AppID)
	w.add("n.recipient_id = ?", filter.RecipientID)
	if filter.UnreadOnly {
		w.add("n.read_at IS NULL")
	}
	if len(filter.Metadata) > 0 {
		raw, err := marshalJSON(location.Normalize(filter.Metadata), "{}")
		if err != nil {
			return nil, err
		}
		w.add("n.metadata @> ?::jsonb", raw)
	}
	if filter.GroupID != "" {
		w.add("n.group_id = ?", filter.GroupID)
	}
	if len(filter.Location) > 0 {
		inner := &whereBuilder{args: w.args}
		if err := addLocation(inner, "t.location", filter.Location, filter.PartialMatch); err != nil {
			return nil, err
		}
		w.args = inner.args
		w.clauses = append(w.clauses, "EXISTS (SELECT 1 FROM threads t WHERE t.id = n.thread_id AND "+inner.sql()+")")
	}
	return w, nil
}

func (s *PostgresStore) MarkAllNotificationsRead(ctx context.Context, filter NotificationFilter, at time.Time) ([]Notification, error) {
	filter.UnreadOnly = true
	w, err := s.notificationWhere(filter)
	if err != nil {
		return nil, err
	}
	w.args = append(w.args, at.UTC())
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		UPDATE notifications n SET read_at=$%d
		WHERE %s
		RETURNING %s
	`, len(w.args), w.sql(), prefixed("n", notificationColumns)), w.args...)
	if err != nil {
		return nil, fmt.Errorf("mark all notifications read: %w", err)
	}
	defer rows.Close()
	out := []Notification{}
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) DeleteNotification(ctx context.Context, appID, notificationID string) (Notification, error) {
	row := s.db.QueryRowContext(ctx, `
		DELETE FROM notifications WHERE app_id=$1 AND id=$2 RETURNING `+notificationColumns, appID, notificationID)
	n, err := scanNotification(row)
	if err != nil {
		return Notification{}, mapErr("delete notification", err)
	}
	return n, nil
}

func (s *PostgresStore) ListNotifications(ctx context.Context, filter NotificationFilter, req pagination.Request) (pagination.Page[Notification], error) {
	w, err := s.notificationWhere(filter)
	if err != nil {
		return pagination.Page[Notification]{}, err
	}
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications n WHERE `+w.sql(), w.args...).Scan(&total); err != nil {
		return pagination.Page[Notification]{}, fmt.Errorf("count notifications: %w", err)
	}
	if err := addCursor(w, "n.created_at", "n.id", req.Token, pagination.Descending); err != nil {
		return pagination.Page[Notification]{}, err
	}
	limit := pagination.NormalizeLimit(req.Limit)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM notifications n
		WHERE %s
		ORDER BY n.created_at DESC, n.id DESC
		LIMIT %d
	`, prefixed("n", notificationColumns), w.sql(), limit+1), w.args...)
	if err != nil {
		return pagination.Page[Notification]{}, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()
	items := make([]Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return pagination.Page[Notification]{}, fmt.Errorf("scan notification: %w", err)
		}
		items = append(items, n)
	}
	if err := rows.Err(); err != nil {
		return pagination.Page[Notification]{}, fmt.Errorf("iterate notifications: %w", err)
	}
	return pagination.Finish(items, Notification.Cursor, limit, total), nil
}

func (s *PostgresStore) CountNotifications(ctx context.Context, filter NotificationFilter) (int, error) {
	w, err := s.notificationWhere(filter)
	if err != nil {
		return 0, err
	}
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications n WHERE `+w.sql(), w.args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count notifications: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) PurgeReadNotifications(ctx context.Context, readBefore time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE read_at IS NOT NULL AND read_at < $1`, readBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge notifications: %w", err)
	}
	return result.RowsAffected()
}

func (s *PostgresStore) InsertFile(ctx context.Context, f File) (File, error) {
	status := f.Status
	if status == "" {
		status = FileStatusUploading
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO files (id, app_id, uploader_id, name, mime_type, size, storage_key, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING status, created_at
	`, f.ID, f.AppID, f.UploaderID, f.Name, f.MimeType, f.Size, f.StorageKey, status).Scan(&f.Status, &f.CreatedAt)
	if err != nil {
		return File{}, mapErr("insert file", err)
	}
	return f, nil
}

func (s *PostgresStore) GetFile(ctx context.Context, appID, fileID string) (File, error) {
	var f File
	err := s.db.QueryRowContext(ctx, `
		SELECT id, app_id, uploader_id, name, mime_type, size, storage_key, status, created_at
		FROM files WHERE app_id=$1 AND id=$2
	`, appID, fileID).Scan(&f.ID, &f.AppID, &f.UploaderID, &f.Name, &f.MimeType, &f.Size, &f.StorageKey, &f.Status, &f.CreatedAt)
	if err != nil {
		return File{}, mapErr("get file", err)
	}
	return f, nil
}

func (s *PostgresStore) SetFileStatus(ctx context.Context, appID, fileID, status string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE files SET status=$3 WHERE app_id=$1 AND id=$2`, appID, fileID, status)
	if err != nil {
		return fmt.Errorf("set file status: %w", err)
	}
	return expectAffected("set file status", result)
}
