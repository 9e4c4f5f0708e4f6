package capture

import (
	"context"
	"fmt"
)

// Receiver accepts inbound frames. *rd.FrameWire satisfies it.
type Receiver interface {
	Receive(frame []byte)
}

// Replay feeds a session's received frames, in order, into w. Binding the
// same static entities on w's protocol beforehand reconstructs the state
// the recorded peer saw. It returns the number of frames replayed.
func (s *Store) Replay(ctx context.Context, sessionID string, w Receiver) (int, error) {
	if _, err := s.ReadSession(ctx, sessionID); err != nil {
		return 0, fmt.Errorf("replay: %w", err)
	}
	frames, err := s.ReadFrames(ctx, sessionID, FrameFilter{Direction: Received})
	if err != nil {
		return 0, fmt.Errorf("replay: %w", err)
	}
	for i, f := range frames {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		w.Receive(f.Data)
	}
	return len(frames), nil
}
