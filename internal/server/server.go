// Package server implements the Connection Acceptor (C6), Data Sender (C7),
// Data Receiver (C8) and the §4.7 Supervisor/Lifecycle, grounded on
// original_source/PlusLib/src/PlusServer/vtkPlusOpenIGTLinkServer.cxx and,
// for the Go idiom (goroutines, WaitGroup draining, ordered shutdown), on
// the teacher's internal/core/orion.go.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/visiona/igtlserver/internal/channel"
	"github.com/visiona/igtlserver/internal/command"
	"github.com/visiona/igtlserver/internal/config"
	"github.com/visiona/igtlserver/internal/health"
	"github.com/visiona/igtlserver/internal/message"
	"github.com/visiona/igtlserver/internal/registry"
)

// Timing constants grounded on vtkPlusOpenIGTLinkServer.cxx's static
// consts: DELAY_ON_SENDING_ERROR_SEC, DELAY_ON_NO_NEW_FRAMES_SEC,
// CLIENT_SOCKET_TIMEOUT_MSEC, SAMPLING_SKIPPING_MARGIN_SEC.
const (
	ClientSocketTimeout        = 500 * time.Millisecond
	KeepAliveInterval          = ClientSocketTimeout / 2
	DelayOnSendingError        = 20 * time.Millisecond
	DelayOnNoNewFrames         = 5 * time.Millisecond
	SamplingSkippingMargin     = 0.1 // seconds
	NumberOfRetryAttempts      = 10
	DelayBetweenRetryAttempts  = 100 * time.Millisecond
	NoClientsPollInterval      = 200 * time.Millisecond
	SupervisorStopPollInterval = 200 * time.Millisecond
)

// Server owns the client registry, the three supervised worker threads and
// the (separately lifecycled, "opaque") command processor, per spec.md §5.
type Server struct {
	log      *slog.Logger
	cfg      config.DomainConfig
	registry *registry.Registry
	channel  channel.Channel
	factory  message.Factory
	repo     message.TransformRepository
	metrics  *health.Metrics

	listener net.Listener

	acceptorRequested atomic.Bool
	acceptorRunning   atomic.Bool
	senderRequested   atomic.Bool
	senderRunning     atomic.Bool
	receiverRequested atomic.Bool
	receiverRunning   atomic.Bool

	processor      *command.Processor
	processorCtx   context.Context
	processorStop  context.CancelFunc

	wg sync.WaitGroup

	state senderState
}

// senderState holds the Data Sender's own mutable bookkeeping (spec.md
// §4.5), isolated in its own mutex so Status() can read it without
// contending with the registry or the channel.
type senderState struct {
	mu                           sync.Mutex
	lastSentTimestamp            float64
	lastProcessingTimePerFrameMs float64
	broadcastStartTime           time.Time
	gracePeriodWarn              bool
	localTimeOffsetSec           float64
	framesSent                   uint64
	clientsEvicted               uint64
	keepAlivesSent               uint64
}

// Options configures a new Server.
type Options struct {
	Log      *slog.Logger
	Channel  channel.Channel
	Factory  message.Factory
	Repo     message.TransformRepository
	Handler  command.Handler
	Audit    command.AuditSink
	Metrics  *health.Metrics
}

// New constructs a Server that has not yet started any threads.
func New(cfg config.DomainConfig, opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	factory := opts.Factory
	if factory == nil {
		factory = message.DefaultFactory{}
	}
	reg := registry.New()

	s := &Server{
		log:      log,
		cfg:      cfg,
		registry: reg,
		channel:  opts.Channel,
		factory:  factory,
		repo:     opts.Repo,
		metrics:  opts.Metrics,
	}
	s.processor = command.New(log, reg, opts.Handler, opts.Audit, opts.Metrics)
	return s
}

// Start spawns the acceptor, sender, receiver and command processor
// goroutines, per spec.md §4.7: start() "spawns threads and sets
// requested=true; each thread sets running=true upon entry."
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.ListeningPort))
	if err != nil {
		return fmt.Errorf("server: listen on port %d: %w", s.cfg.ListeningPort, err)
	}
	s.listener = ln
	s.log.Info("igtl server started", slog.Int("port", s.cfg.ListeningPort))
	s.logDefaultClientInfo()

	s.state.mu.Lock()
	s.state.broadcastStartTime = time.Now()
	s.state.mu.Unlock()

	s.processorCtx, s.processorStop = context.WithCancel(context.Background())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.processor.Run(s.processorCtx)
	}()

	s.acceptorRequested.Store(true)
	s.wg.Add(1)
	go s.runAcceptor()

	s.senderRequested.Store(true)
	s.wg.Add(1)
	go s.runSender()

	s.receiverRequested.Store(true)
	s.wg.Add(1)
	go s.runReceiver()

	return nil
}

// logDefaultClientInfo reproduces the original's startup log lines naming
// the configured default message types/transform names/string names/image
// streams (SPEC_FULL.md's supplemented feature).
func (s *Server) logDefaultClientInfo() {
	d := s.cfg.DefaultClientInfo
	if len(d.MessageTypes) > 0 {
		s.log.Info("server default message types to send", slog.Any("types", d.MessageTypes))
	}
	if len(d.TransformNames) > 0 {
		s.log.Info("server default transform names to send", slog.Any("names", d.TransformNames))
	}
	if len(d.StringNames) > 0 {
		s.log.Info("server default string names to send", slog.Any("names", d.StringNames))
	}
	if len(d.ImageStreams) > 0 {
		s.log.Info("server default images to send", slog.Any("streams", d.ImageStreams))
	}
}

// Stop implements spec.md §4.7's shutdown order: receiver -> sender ->
// acceptor (reverse of dependency), spinning on each "running" flag with
// 200ms sleeps until it falls, then stopping the command processor.
func (s *Server) Stop(ctx context.Context) error {
	s.receiverRequested.Store(false)
	s.spinUntilFalse(&s.receiverRunning)

	s.senderRequested.Store(false)
	s.spinUntilFalse(&s.senderRunning)

	s.acceptorRequested.Store(false)
	s.spinUntilFalse(&s.acceptorRunning)

	if s.processorStop != nil {
		s.processorStop()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.log.Info("igtl server stopped")
	return nil
}

func (s *Server) spinUntilFalse(flag *atomic.Bool) {
	for flag.Load() {
		time.Sleep(SupervisorStopPollInterval)
	}
}

// Status returns a liveness/stat snapshot for the health endpoint.
func (s *Server) Status() map[string]any {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	return map[string]any{
		"acceptor_running":   s.acceptorRunning.Load(),
		"sender_running":     s.senderRunning.Load(),
		"receiver_running":   s.receiverRunning.Load(),
		"clients_connected":  s.registry.NumConnected(),
		"frames_sent":        s.state.framesSent,
		"clients_evicted":    s.state.clientsEvicted,
		"keep_alives_sent":   s.state.keepAlivesSent,
		"last_sent_ts":       s.state.lastSentTimestamp,
	}
}
