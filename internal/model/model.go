// Package model is the sample entity model shared by "rdsync serve" and
// "rdsync connect".
package model

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/roach88/rdsync/internal/rd"
)

// Static entity names.
const (
	StatusName  = "status"
	EntriesName = "entries"
	EventsName  = "events"
	EchoName    = "echo"
	CallsName   = "calls"
)

// Contexts carried in message headers.
var (
	// RequestID tags each echo call. It changes on every call, so it is
	// sent inline.
	RequestID = rd.NewContext("request-id", false, rd.UUID)

	// Tenant is usually constant for a connection and is interned.
	Tenant = rd.NewContext("tenant", true, rd.String)
)

// ContextOption registers RequestID and Tenant with a protocol.
func ContextOption() rd.Option {
	return rd.WithContexts(RequestID, Tenant)
}

// Model is a status property, a string map, an event signal, an echo call
// and a per-tenant count of echo calls kept by the server.
type Model struct {
	Status  *rd.Property[string]
	Entries *rd.Map[string, string]
	Events  *rd.Signal[string]
	Echo    *rd.Call[string, string]
	Calls   *rd.PerContextMap[string, *rd.Property[int32]]
}

// New creates an unbound model. Status starts as "starting" on both sides.
func New() *Model {
	return &Model{
		Status:  rd.NewProperty(rd.String, "starting"),
		Entries: rd.NewMap(rd.String, rd.String),
		Events:  rd.NewSignal(rd.String),
		Echo:    rd.NewCall(rd.String, rd.String),
		Calls:   rd.NewPerContextMap(Tenant, func(master bool) *rd.Property[int32] {
			p := rd.NewProperty(rd.Int32, 0)
			p.SetMaster(master)
			return p
		}),
	}
}

// Bind binds every entity under its static name. It must run on the
// protocol's scheduler.
func (m *Model) Bind(proto *rd.Protocol) {
	proto.BindStatic(m.Status, StatusName)
	proto.BindStatic(m.Entries, EntriesName)
	proto.BindStatic(m.Events, EventsName)
	proto.BindStatic(m.Echo, EchoName)
	proto.BindStatic(m.Calls, CallsName)
}

// ServeEcho answers echo calls with the request, prefixed by the caller's
// tenant when one is set, and logs the request id. Calls with a tenant bump
// that tenant's counter.
func (m *Model) ServeEcho(logger *slog.Logger) {
	m.Echo.SetHandler(func(req string) (string, error) {
		id, _ := RequestID.Value()
		tenant, hasTenant := Tenant.Value()
		logger.Info("echo", "request", req, "request_id", id, "tenant", tenant)
		if hasTenant {
			if n, err := m.Calls.ForCurrentContext(); err == nil {
				n.Set(n.Value() + 1)
			} else {
				logger.Warn("no call counter for tenant", "tenant", tenant, "error", err)
			}
			return fmt.Sprintf("%s: %s", tenant, req), nil
		}
		return req, nil
	})
}

// NewRequestID returns a time-ordered request id.
func NewRequestID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}
