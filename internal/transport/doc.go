// Package transport carries rd frames between two processes.
//
// A Link is an rd.Transport that can also pump inbound frames. Two kinds exist:
//
//   - StreamLink frames each message as [int32 length][frame] on a byte
//     stream (TCP). A length of -2 is a heartbeat with no body.
//   - WebSocketLink sends one binary message per frame and uses WebSocket
//     ping/pong for heartbeats.
//
// Attach connects a link to an rd.FrameWire for as long as the link lives.
// Reconnector keeps a client wire attached across link failures, redialing
// with exponential backoff. Frames sent while no link is attached wait in the
// wire's backlog; frames already handed to a link that then fails are lost.
package transport
