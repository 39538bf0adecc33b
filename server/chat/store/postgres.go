package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"chat_server/server/chat/domain"
)

const pgUniqueViolation = "23505"

// PostgresStore persists sessions in Postgres via pgxpool. The active-pair
// invariant is enforced by a partial unique index over the normalized pair;
// appends take a row lock on the session inside a transaction, with a
// process-local keyed mutex in front so one instance never queues more than
// one append per session at the database.
type PostgresStore struct {
	pool  *pgxpool.Pool
	locks *KeyedMutex
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, locks: NewKeyedMutex()}
}

const schema = `
CREATE TABLE IF NOT EXISTS chat_sessions (
	session_id       UUID PRIMARY KEY,
	donation_id      TEXT NOT NULL,
	participant_lo   TEXT NOT NULL,
	participant_hi   TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'active',
	message_count    BIGINT NOT NULL DEFAULT 0,
	last_activity_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_chat_sessions_active_pair
	ON chat_sessions(donation_id, participant_lo, participant_hi)
	WHERE status = 'active';
CREATE INDEX IF NOT EXISTS idx_chat_sessions_activity
	ON chat_sessions(last_activity_at DESC, session_id DESC);
CREATE TABLE IF NOT EXISTS chat_messages (
	session_id UUID NOT NULL REFERENCES chat_sessions(session_id),
	seq        BIGINT NOT NULL,
	sender_id  TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY(session_id, seq)
);
CREATE TABLE IF NOT EXISTS chat_message_reads (
	session_id UUID NOT NULL,
	seq        BIGINT NOT NULL,
	user_id    TEXT NOT NULL,
	read_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY(session_id, seq, user_id),
	FOREIGN KEY(session_id, seq) REFERENCES chat_messages(session_id, seq)
);
`

// EnsureSchema creates the tables and indexes when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure chat schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, donationID string, participants domain.Participants) (domain.Session, error) {
	if donationID == "" {
		return domain.Session{}, domain.ValidationError("donation id is required")
	}
	if participants[0] == "" || participants[1] == "" || participants[0] == participants[1] {
		return domain.Session{}, domain.ValidationError("a session needs two distinct participants")
	}

	sess := domain.Session{
		ID:           uuid.NewString(),
		DonationID:   donationID,
		Participants: participants,
		Status:       domain.SessionActive,
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO chat_sessions(session_id, donation_id, participant_lo, participant_hi)
		VALUES($1, $2, $3, $4)
		RETURNING last_activity_at, created_at
	`, sess.ID, donationID, participants[0], participants[1]).Scan(&sess.LastActivityAt, &sess.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return domain.Session{}, domain.ConflictError("active session already exists for this donation and pair")
		}
		return domain.Session{}, domain.TransportError(err, "create session")
	}
	return sess, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	return s.getSession(ctx, s.pool, sessionID, false)
}

func (s *PostgresStore) FindSession(ctx context.Context, donationID string, participants domain.Participants) (domain.Session, bool, error) {
	var sess domain.Session
	err := s.pool.QueryRow(ctx, `
		SELECT session_id, donation_id, participant_lo, participant_hi, status, message_count, last_activity_at, created_at
		FROM chat_sessions
		WHERE donation_id=$1 AND participant_lo=$2 AND participant_hi=$3 AND status='active'
	`, donationID, participants[0], participants[1]).Scan(
		&sess.ID, &sess.DonationID, &sess.Participants[0], &sess.Participants[1],
		&sess.Status, &sess.MessageCount, &sess.LastActivityAt, &sess.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Session{}, false, nil
	}
	if err != nil {
		return domain.Session{}, false, domain.TransportError(err, "find session")
	}
	return sess, true, nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, sessionID, senderID, content string) (domain.Message, error) {
	content, err := normalizeContent(content)
	if err != nil {
		return domain.Message{}, err
	}

	unlock := s.locks.Lock(sessionID)
	defer unlock()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Message{}, domain.TransportError(err, "begin append")
	}
	defer tx.Rollback(ctx)

	sess, err := s.getSession(ctx, tx, sessionID, true)
	if err != nil {
		return domain.Message{}, err
	}
	if err := validateSender(sess, senderID); err != nil {
		return domain.Message{}, err
	}
	if err := checkAppendable(sess); err != nil {
		return domain.Message{}, err
	}

	msg := domain.Message{
		SessionID: sessionID,
		Seq:       sess.MessageCount + 1,
		SenderID:  senderID,
		Content:   content,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO chat_messages(session_id, seq, sender_id, content)
		VALUES($1, $2, $3, $4)
		RETURNING created_at
	`, sessionID, msg.Seq, senderID, content).Scan(&msg.CreatedAt)
	if err != nil {
		return domain.Message{}, domain.TransportError(err, "insert message")
	}
	if _, err := tx.Exec(ctx, `
		UPDATE chat_sessions
		SET message_count=$2, last_activity_at=$3
		WHERE session_id=$1
	`, sessionID, msg.Seq, msg.CreatedAt); err != nil {
		return domain.Message{}, domain.TransportError(err, "bump session activity")
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Message{}, domain.TransportError(err, "commit append")
	}
	return msg, nil
}

func (s *PostgresStore) MarkRead(ctx context.Context, sessionID, readerID string) (int64, error) {
	sess, err := s.getSession(ctx, s.pool, sessionID, false)
	if err != nil {
		return 0, err
	}
	if !sess.Participants.Contains(readerID) {
		return 0, domain.ForbiddenError("not a session participant")
	}
	cmd, err := s.pool.Exec(ctx, `
		INSERT INTO chat_message_reads(session_id, seq, user_id)
		SELECT m.session_id, m.seq, $2
		FROM chat_messages m
		WHERE m.session_id=$1 AND m.sender_id <> $2
		ON CONFLICT (session_id, seq, user_id) DO NOTHING
	`, sessionID, readerID)
	if err != nil {
		return 0, domain.TransportError(err, "mark read")
	}
	return cmd.RowsAffected(), nil
}

func (s *PostgresStore) UnreadCount(ctx context.Context, sessionID, userID string) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*)::BIGINT
		FROM chat_messages m
		WHERE m.session_id=$1
		  AND m.sender_id <> $2
		  AND NOT EXISTS (
			SELECT 1 FROM chat_message_reads r
			WHERE r.session_id=m.session_id AND r.seq=m.seq AND r.user_id=$2
		  )
	`, sessionID, userID).Scan(&count)
	if err != nil {
		return 0, domain.TransportError(err, "unread count")
	}
	return count, nil
}

func (s *PostgresStore) ListSessionsForUser(ctx context.Context, userID string, limit int, cursor string) ([]domain.SessionSummary, string, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	query := `
		SELECT
			cs.session_id, cs.donation_id, cs.participant_lo, cs.participant_hi,
			cs.status, cs.last_activity_at,
			lm.seq, lm.sender_id, lm.content, lm.created_at,
			COALESCE((
				SELECT COUNT(*)::BIGINT
				FROM chat_messages m
				WHERE m.session_id = cs.session_id
				  AND m.sender_id <> $1
				  AND NOT EXISTS (
					SELECT 1 FROM chat_message_reads r
					WHERE r.session_id=m.session_id AND r.seq=m.seq AND r.user_id=$1
				  )
			), 0) AS unread_count
		FROM chat_sessions cs
		LEFT JOIN LATERAL (
			SELECT m.seq, m.sender_id, m.content, m.created_at
			FROM chat_messages m
			WHERE m.session_id = cs.session_id
			ORDER BY m.seq DESC
			LIMIT 1
		) lm ON true
		WHERE cs.status='active' AND (cs.participant_lo=$1 OR cs.participant_hi=$1)`

	args := []any{userID}
	if cursor != "" {
		cursorAt, cursorID, err := decodeListCursor(cursor)
		if err != nil {
			return nil, "", err
		}
		query += `
		  AND (cs.last_activity_at < $2 OR (cs.last_activity_at = $2 AND cs.session_id < $3))
		ORDER BY cs.last_activity_at DESC, cs.session_id DESC
		LIMIT $4`
		args = append(args, cursorAt, cursorID, limit+1)
	} else {
		query += `
		ORDER BY cs.last_activity_at DESC, cs.session_id DESC
		LIMIT $2`
		args = append(args, limit+1)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", domain.TransportError(err, "list sessions")
	}
	defer rows.Close()

	items := make([]domain.SessionSummary, 0, limit)
	for rows.Next() {
		var (
			sum       domain.SessionSummary
			lmSeq     *int64
			lmSender  *string
			lmContent *string
			lmAt      *time.Time
		)
		if err := rows.Scan(
			&sum.SessionID, &sum.DonationID, &sum.Participants[0], &sum.Participants[1],
			&sum.Status, &sum.LastActivityAt,
			&lmSeq, &lmSender, &lmContent, &lmAt,
			&sum.UnreadCount,
		); err != nil {
			return nil, "", domain.TransportError(err, "scan session summary")
		}
		if lmSeq != nil {
			sum.LastMessage = &domain.Message{
				SessionID: sum.SessionID,
				Seq:       *lmSeq,
				SenderID:  *lmSender,
				Content:   *lmContent,
				CreatedAt: *lmAt,
			}
		}
		items = append(items, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, "", domain.TransportError(err, "list sessions")
	}

	next := ""
	if len(items) > limit {
		items = items[:limit]
		last := items[limit-1]
		next = encodeListCursor(last.LastActivityAt, last.SessionID)
	}
	return items, next, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, sessionID string, page, limit int) (domain.MessagePage, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	sess, err := s.getSession(ctx, s.pool, sessionID, false)
	if err != nil {
		return domain.MessagePage{}, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT m.seq, m.sender_id, m.content, m.created_at,
			COALESCE((
				SELECT array_agg(r.user_id ORDER BY r.user_id)
				FROM chat_message_reads r
				WHERE r.session_id=m.session_id AND r.seq=m.seq
			), '{}') AS read_by
		FROM chat_messages m
		WHERE m.session_id=$1
		ORDER BY m.seq DESC
		LIMIT $2 OFFSET $3
	`, sessionID, limit, (page-1)*limit)
	if err != nil {
		return domain.MessagePage{}, domain.TransportError(err, "list messages")
	}
	defer rows.Close()

	out := make([]domain.Message, 0, limit)
	for rows.Next() {
		m := domain.Message{SessionID: sessionID}
		if err := rows.Scan(&m.Seq, &m.SenderID, &m.Content, &m.CreatedAt, &m.ReadBy); err != nil {
			return domain.MessagePage{}, domain.TransportError(err, "scan message")
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return domain.MessagePage{}, domain.TransportError(err, "list messages")
	}
	return domain.MessagePage{
		Messages: out,
		HasMore:  int64(page*limit) < sess.MessageCount,
		Total:    sess.MessageCount,
	}, nil
}

func (s *PostgresStore) CloseSession(ctx context.Context, sessionID string) error {
	cmd, err := s.pool.Exec(ctx, `
		UPDATE chat_sessions SET status='closed' WHERE session_id=$1 AND status='active'
	`, sessionID)
	if err != nil {
		return domain.TransportError(err, "close session")
	}
	if cmd.RowsAffected() == 0 {
		// Either already closed (a no-op) or missing.
		if _, err := s.getSession(ctx, s.pool, sessionID, false); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) ActiveSessionsForDonation(ctx context.Context, donationID string) ([]domain.Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, donation_id, participant_lo, participant_hi, status, message_count, last_activity_at, created_at
		FROM chat_sessions
		WHERE donation_id=$1 AND status='active'
	`, donationID)
	if err != nil {
		return nil, domain.TransportError(err, "sessions for donation")
	}
	defer rows.Close()

	out := make([]domain.Session, 0)
	for rows.Next() {
		var sess domain.Session
		if err := rows.Scan(
			&sess.ID, &sess.DonationID, &sess.Participants[0], &sess.Participants[1],
			&sess.Status, &sess.MessageCount, &sess.LastActivityAt, &sess.CreatedAt,
		); err != nil {
			return nil, domain.TransportError(err, "scan session")
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) getSession(ctx context.Context, q querier, sessionID string, forUpdate bool) (domain.Session, error) {
	query := `
		SELECT session_id, donation_id, participant_lo, participant_hi, status, message_count, last_activity_at, created_at
		FROM chat_sessions
		WHERE session_id=$1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var sess domain.Session
	err := q.QueryRow(ctx, query, sessionID).Scan(
		&sess.ID, &sess.DonationID, &sess.Participants[0], &sess.Participants[1],
		&sess.Status, &sess.MessageCount, &sess.LastActivityAt, &sess.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Session{}, domain.NotFoundError("session %s not found", sessionID)
	}
	if err != nil {
		return domain.Session{}, domain.TransportError(err, "get session")
	}
	return sess, nil
}
