package capture

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/rdsync/internal/buffer"
	"github.com/roach88/rdsync/internal/rdid"
)

// ErrSessionNotFound is returned for an unknown session id.
var ErrSessionNotFound = errors.New("capture: session not found")

// Frame is one recorded frame.
type Frame struct {
	Seq       int64
	Direction string
	EntityID  rdid.RdId
	Size      int
	Data      []byte
}

// ContextCount returns the number of context values in the frame header, or
// -1 if the frame is too short.
func (f Frame) ContextCount() int {
	b := buffer.FromBytes(f.Data)
	rdid.Read(b)
	n := b.ReadInt16()
	if b.Err() != nil {
		return -1
	}
	return int(n)
}

// FrameFilter narrows ReadFrames. Zero values match everything.
type FrameFilter struct {
	Direction string
	EntityID  rdid.RdId
	Limit     int
}

// Sessions returns all sessions, oldest first.
func (s *Store) Sessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, role, started_at
		FROM sessions
		ORDER BY started_at ASC, id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// ReadSession returns one session.
func (s *Store) ReadSession(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, role, started_at FROM sessions WHERE id = ?
	`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (Session, error) {
	var sess Session
	var started int64
	if err := row.Scan(&sess.ID, &sess.Name, &sess.Role, &started); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, err
		}
		return Session{}, fmt.Errorf("scan session: %w", err)
	}
	sess.StartedAt = time.UnixMilli(started).UTC()
	return sess, nil
}

// ReadFrames returns a session's frames in seq order.
func (s *Store) ReadFrames(ctx context.Context, sessionID string, f FrameFilter) ([]Frame, error) {
	query := `
		SELECT seq, direction, entity_id, size, frame
		FROM frames
		WHERE session_id = ?`
	args := []any{sessionID}
	if f.Direction != "" {
		query += ` AND direction = ?`
		args = append(args, f.Direction)
	}
	if !f.EntityID.IsNull() {
		query += ` AND entity_id = ?`
		args = append(args, int64(f.EntityID))
	}
	query += ` ORDER BY seq ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query frames: %w", err)
	}
	defer rows.Close()

	frames := []Frame{}
	for rows.Next() {
		var fr Frame
		var id int64
		if err := rows.Scan(&fr.Seq, &fr.Direction, &id, &fr.Size, &fr.Data); err != nil {
			return nil, fmt.Errorf("scan frame: %w", err)
		}
		fr.EntityID = rdid.RdId(id)
		frames = append(frames, fr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate frames: %w", err)
	}
	return frames, nil
}

// EntityStat summarizes traffic for one entity id.
type EntityStat struct {
	EntityID rdid.RdId
	Sent     int
	Received int
	Bytes    int64
}

// Stats groups a session's frames by entity id, busiest first.
func (s *Store) Stats(ctx context.Context, sessionID string) ([]EntityStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id,
		       SUM(CASE WHEN direction = 'sent' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN direction = 'received' THEN 1 ELSE 0 END),
		       SUM(size)
		FROM frames
		WHERE session_id = ?
		GROUP BY entity_id
		ORDER BY COUNT(*) DESC, entity_id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	stats := []EntityStat{}
	for rows.Next() {
		var st EntityStat
		var id int64
		if err := rows.Scan(&id, &st.Sent, &st.Received, &st.Bytes); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		st.EntityID = rdid.RdId(id)
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stats: %w", err)
	}
	return stats, nil
}
