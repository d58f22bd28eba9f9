package server

import (
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
)

// runAcceptor is the Connection Acceptor (C6), grounded on
// vtkPlusOpenIGTLinkServer.cxx's ConnectionReceiverThread: loop on Accept
// with a short deadline so the requested flag can be polled, register each
// accepted connection, and on shutdown close every live connection before
// closing the listener.
func (s *Server) runAcceptor() {
	defer s.wg.Done()
	s.acceptorRunning.Store(true)
	defer s.acceptorRunning.Store(false)

	tcpLn, hasDeadline := s.listener.(*net.TCPListener)

	for s.acceptorRequested.Load() {
		if hasDeadline {
			_ = tcpLn.SetDeadline(time.Now().Add(ClientSocketTimeout))
		}
		conn, err := s.listener.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if !s.acceptorRequested.Load() {
				return
			}
			s.log.Warn("acceptor: accept failed", slog.String("error", err.Error()))
			continue
		}

		traceID := uuid.NewString()
		id := s.registry.Add(conn, traceID)
		s.log.Info("client connected",
			slog.Uint64("client_id", id),
			slog.String("remote_addr", conn.RemoteAddr().String()),
			slog.String("trace_id", traceID))
		if s.metrics != nil {
			s.metrics.ClientsConnected.Set(float64(s.registry.NumConnected()))
		}
	}

	s.closeAllClients()
	_ = s.listener.Close()
}

// closeAllClients drops every registered connection, per §4.7's shutdown
// ordering: by the time the acceptor itself stops, sender and receiver have
// already stopped, so this is the sole remaining owner of client sockets.
func (s *Server) closeAllClients() {
	for _, snap := range s.registry.Snapshot() {
		_ = snap.Conn.Close()
		s.registry.Remove(snap.Client.ID)
	}
	if s.metrics != nil {
		s.metrics.ClientsConnected.Set(0)
	}
}
