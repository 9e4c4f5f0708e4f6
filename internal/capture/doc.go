// Package capture records wire frames to SQLite for offline inspection.
//
// A Recorder is an rd.FrameObserver. Attach it to a FrameWire with
// rd.WithObserver and every frame the wire sends or receives is appended to
// the frames table under the recorder's session.
//
// # Ordering
//
// Frames are ordered by seq, a per-session counter assigned as frames are
// observed. Queries always ORDER BY seq ASC so that reading a session back
// is deterministic.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads while a recorder writes
//   - synchronous=NORMAL
//   - busy_timeout=5000
//   - foreign_keys=ON: frames are removed with their session
package capture
