// Package command implements the Command Queue & Processor (spec.md C5):
// a FIFO of inbound command requests producing tagged-variant responses,
// with idempotent de-duplication by command UID. Generalized from the
// teacher's internal/control/handler.go (commands chan Command,
// processCommands loop, drop-if-full enqueue) from MQTT-sourced commands to
// IGTL-sourced CommandRequests.
package command

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/visiona/igtlserver/internal/health"
	"github.com/visiona/igtlserver/internal/model"
	"github.com/visiona/igtlserver/internal/registry"
)

// ClearPreviousCommandsTimeout bounds dedupe-state growth, per spec.md §4.3
// and the original's CLEAR_PREVIOUS_COMMANDS_TIMEOUT_SEC.
const ClearPreviousCommandsTimeout = 30 * time.Second

// queueDepth is the inbound channel's capacity; a full queue drops new
// requests with a warning rather than blocking the Data Receiver, mirroring
// the teacher's messageHandler.
const queueDepth = 256

// Handler executes one command request and produces its response. Command
// execution itself is treated as opaque per spec.md §4.3; this module only
// guarantees FIFO ordering, dedupe, and routing.
type Handler interface {
	Execute(ctx context.Context, req model.CommandRequest) model.CommandResponse
}

// AuditSink records every accepted request/response pair for diagnostics
// (SPEC_FULL.md's internal/audit wiring). Nil disables auditing.
type AuditSink interface {
	Record(req model.CommandRequest, resp model.CommandResponse)
}

// Processor is the FIFO command queue plus its single worker goroutine.
type Processor struct {
	log      *slog.Logger
	registry *registry.Registry
	handler  Handler
	audit    AuditSink
	metrics  *health.Metrics

	requests chan model.CommandRequest

	mu        sync.Mutex
	responses []model.CommandResponse

	running atomic.Bool
}

// New creates a Processor. handler may be nil, in which case every request
// gets a generic FAIL StringResponse (useful for command-only smoke tests).
// metrics may be nil, disabling the commands-dropped counter.
func New(log *slog.Logger, reg *registry.Registry, handler Handler, audit AuditSink, metrics *health.Metrics) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		log:      log,
		registry: reg,
		handler:  handler,
		audit:    audit,
		metrics:  metrics,
		requests: make(chan model.CommandRequest, queueDepth),
	}
}

// Enqueue accepts an inbound command request, applying the dedupe rule from
// spec.md §4.3: if uid is non-empty and already recorded for this client,
// the request is dropped with a warning. Also applies the 30s dedupe-state
// clear.
func (p *Processor) Enqueue(req model.CommandRequest) {
	now := time.Now()
	_ = p.registry.TouchCommandTime(req.ClientID, now, ClearPreviousCommandsTimeout)

	if p.registry.HasSeenUID(req.ClientID, req.UID) {
		p.log.Warn("duplicate command ignored",
			slog.Uint64("client_id", req.ClientID), slog.String("uid", req.UID))
		if p.metrics != nil {
			p.metrics.CommandsDropped.Inc()
		}
		return
	}
	p.registry.RecordUID(req.ClientID, req.UID, now)

	select {
	case p.requests <- req:
	default:
		p.log.Warn("command queue full, dropping request",
			slog.Uint64("client_id", req.ClientID), slog.String("uid", req.UID))
		if p.metrics != nil {
			p.metrics.CommandsDropped.Inc()
		}
	}
}

// Run drives the single processing goroutine until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) {
	p.running.Store(true)
	defer p.running.Store(false)
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-p.requests:
			p.execute(ctx, req)
		}
	}
}

func (p *Processor) execute(ctx context.Context, req model.CommandRequest) {
	var resp model.CommandResponse
	if p.handler != nil {
		resp = p.handler.Execute(ctx, req)
	} else {
		resp = model.CommandResponse{
			Kind:       model.ResponseString,
			ClientID:   req.ClientID,
			Status:     false,
			Message:    "no command handler configured",
			DeviceName: req.DevicePrefix,
		}
	}

	p.mu.Lock()
	p.responses = append(p.responses, resp)
	p.mu.Unlock()

	if p.audit != nil {
		p.audit.Record(req, resp)
	}
}

// DrainResponses returns and clears the pending response queue, called each
// sender tick per spec.md §4.5 step 2.
func (p *Processor) DrainResponses() []model.CommandResponse {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.responses) == 0 {
		return nil
	}
	out := p.responses
	p.responses = nil
	return out
}

// Running reports whether the processor's goroutine is currently live, for
// the supervisor's liveness checks (spec.md §4.7).
func (p *Processor) Running() bool { return p.running.Load() }
