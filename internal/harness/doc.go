// Package harness runs scripted sync scenarios against a client and a server
// protocol and records what each side observed.
//
// A scenario declares a set of entities (properties, lists, maps, sets,
// signals and calls), a list of steps that mutate them on one side or pump
// the in-memory wire, and assertions over the final state and the event log.
// Both peers are real rd.Protocol instances joined by testwire, so every
// change travels through the same framing, broker and versioning the network
// transports use.
//
// # Event log
//
// Every entity is advised on both sides before any step runs. Each change
// a subscriber sees is appended to a testutil.EventLog as
//
//	0007 server.entries: Update a:1
//
// Step markers ("step: client set status=ready", "step: flush") and protocol
// violations ("violation: VERSION_CONFLICT") are logged in the same stream.
// The log depends only on the scenario, so it is compared byte for byte
// against a golden file:
//
//	go test ./internal/harness -update
//
// regenerates testdata/golden/*.golden.
//
// # Determinism
//
// Both protocols run on scheduler.Synchronous and frames move only on flush
// steps. A flush always drains client-to-server frames before
// server-to-client ones. Values of a set are unordered, so scenarios that
// bind a set with more than one pending element have no stable log.
package harness
