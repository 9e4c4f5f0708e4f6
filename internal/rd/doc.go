// Package rd implements the entity synchronization protocol.
//
// A Protocol joins one peer's entity tree to a Wire. Entities (Property,
// List, Map, Set, Signal, Call and Endpoint) are identified with an RdId,
// bound under a parent, and from then on mirror every local change to the
// peer as a small delta addressed to their id. Received deltas are applied on
// the entity's scheduler.
//
// ARCHITECTURE:
//
// Binding:
// Identify assigns the id. PreBind records the parent, location and
// lifetime and subscribes to the wire. Bind emits any state accumulated
// before binding and starts mirroring. Terminating the bind lifetime
// unsubscribes and returns the entity to the unbound state.
//
// Message flow:
//  1. A local change writes [id][context header][payload] through Wire.Send
//  2. The peer's MessageBroker reads the id and routes to the subscriber
//  3. The broker decodes the context header into a MessageContext
//  4. The entity decodes the payload and dispatches the apply onto its
//     scheduler, with the message's context values installed
//
// Conflict rules:
//   - Property: the master side rejects versions older than its own.
//   - List: every delta carries the next sequential version; a gap is fatal.
//   - Map: master writes are versioned and acknowledged; a master drops
//     unversioned writes for keys it has pending.
//   - Set: no conflict resolution, the last delta to arrive wins.
//
// Contexts:
// Context values (request ids, tenants) set on the sending side travel in
// every message header and are installed around the receiving apply. Heavy
// contexts intern their values so that repeated values cost four bytes.
//
// ERRORS:
//
// Invariant violations panic with *ProtocolError. Recoverable conditions
// (stale versions, late task results, unknown ids) are logged and dropped.
package rd
