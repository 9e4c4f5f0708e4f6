package capture

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/roach88/rdsync/internal/rdid"
)

// Direction values stored in frames.direction.
const (
	Sent     = "sent"
	Received = "received"
)

// Recorder appends observed frames to one session.
//
// Thread-safety: safe for concurrent use. Frames are numbered in the order
// their observer callbacks acquire the recorder lock.
type Recorder struct {
	store   *Store
	session Session
	logger  *slog.Logger

	mu     sync.Mutex
	seq    int64
	err    error
	closed bool
}

// NewRecorder starts a session named name and returns its recorder.
func (s *Store) NewRecorder(ctx context.Context, name, role string, logger *slog.Logger) (*Recorder, error) {
	sess, err := s.CreateSession(ctx, name, role)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: s, session: sess, logger: logger.With("capture_session", sess.ID)}, nil
}

// Session returns the recorder's session.
func (r *Recorder) Session() Session {
	return r.session
}

// FrameSent implements rd.FrameObserver.
func (r *Recorder) FrameSent(id rdid.RdId, frame []byte) {
	r.record(Sent, id, frame)
}

// FrameReceived implements rd.FrameObserver.
func (r *Recorder) FrameReceived(id rdid.RdId, frame []byte) {
	r.record(Received, id, frame)
}

func (r *Recorder) record(direction string, id rdid.RdId, frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.err != nil {
		return
	}
	r.seq++
	_, err := r.store.db.ExecContext(context.Background(), `
		INSERT INTO frames (session_id, seq, direction, entity_id, size, frame)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.session.ID, r.seq, direction, int64(id), len(frame), slices.Clone(frame))
	if err != nil {
		r.err = fmt.Errorf("record frame %d: %w", r.seq, err)
		r.seq--
		r.logger.Warn("capture stopped", "error", r.err)
	}
}

// Count returns the number of frames recorded so far.
func (r *Recorder) Count() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// Err returns the write error that stopped recording, if any.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Close stops recording. Later frames are ignored.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return r.err
}
