package rd

import (
	"log/slog"

	"github.com/roach88/rdsync/internal/buffer"
	"github.com/roach88/rdsync/internal/lifetime"
	"github.com/roach88/rdsync/internal/scheduler"
)

// reactiveBase is embedded by every entity that talks to the wire.
type reactiveBase struct {
	bindableBase

	masterOverride *bool
	master         bool
	wireScheduler  scheduler.Scheduler

	// ownMessages are protocol bookkeeping and carry no context header.
	ownMessages bool

	log *slog.Logger
}

// SetMaster overrides the protocol role for conflict resolution. It takes
// effect at the next bind.
func (r *reactiveBase) SetMaster(master bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.masterOverride = &master
}

// IsMaster reports the role resolved at bind time.
func (r *reactiveBase) IsMaster() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.master
}

// preInitReactive resolves the role and subscribes to the wire.
func (r *reactiveBase) preInitReactive(lt *lifetime.Lifetime, proto *Protocol) {
	r.mu.Lock()
	if r.masterOverride != nil {
		r.master = *r.masterOverride
	} else {
		r.master = proto.IsMaster()
	}
	r.log = proto.logger.With("location", r.location, "id", r.id)
	r.mu.Unlock()

	proto.wire.Advise(lt, r.hooks.(Wireable))
}

func (r *reactiveBase) logger() *slog.Logger {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.log == nil {
		return slog.Default()
	}
	return r.log
}

// scheduler returns where received changes are applied.
func (r *reactiveBase) scheduler(proto *Protocol) scheduler.Scheduler {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.wireScheduler != nil {
		return r.wireScheduler
	}
	return proto.scheduler
}

// send writes one message addressed to this entity.
func (r *reactiveBase) send(proto *Protocol, write func(*buffer.Buffer)) {
	id := r.RdID()
	if r.ownMessages {
		proto.wire.SendWithoutContexts(id, write)
		return
	}
	proto.wire.Send(id, write)
}

// sendIfBound sends only once Bind has completed; earlier changes are
// emitted by init.
func (r *reactiveBase) sendIfBound(write func(*buffer.Buffer)) bool {
	_, _, state, proto, _ := r.snapshot()
	if state != Bound || proto == nil {
		return false
	}
	r.send(proto, write)
	return true
}

// decodeFailed logs and reports a malformed message.
func (r *reactiveBase) decodeFailed(b *buffer.Buffer) bool {
	if err := b.Err(); err != nil {
		r.logger().Error("dropping malformed message", "error", err)
		return true
	}
	return false
}
