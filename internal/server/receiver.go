package server

import (
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/visiona/igtlserver/internal/igtl"
	"github.com/visiona/igtlserver/internal/message"
	"github.com/visiona/igtlserver/internal/model"
	"github.com/visiona/igtlserver/internal/registry"
)

// runReceiver is the Data Receiver (C8), grounded on
// vtkPlusOpenIGTLinkServer.cxx's DataReceiverThread: for every connected
// client, try to read one header with a short deadline; a timeout just
// moves on to the next client, any other read error evicts the client.
// Recognized device types are dispatched inline (CLIENTINFO, GET_STATUS) or
// forwarded to the command processor (STRING, GET_IMGMETA, GET_IMAGE).
func (s *Server) runReceiver() {
	defer s.wg.Done()
	s.receiverRunning.Store(true)
	defer s.receiverRunning.Store(false)

	for s.receiverRequested.Load() {
		clients := s.registry.Snapshot()
		if len(clients) == 0 {
			time.Sleep(NoClientsPollInterval)
			continue
		}
		for _, snap := range clients {
			s.receiveOne(snap)
		}
	}
}

func (s *Server) receiveOne(snap registry.Snapshot) {
	_ = snap.Conn.SetReadDeadline(time.Now().Add(ClientSocketTimeout))
	h, body, err := readMessage(snap.Conn)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return
		}
		s.evictClient(snap.Client.ID, snap.Conn)
		return
	}

	if s.cfg.IgtlMessageCrcCheckEnabled && !igtl.VerifyCRC(h, body) {
		s.log.Warn("receiver: CRC mismatch, dropping message",
			slog.Uint64("client_id", snap.Client.ID), slog.String("device_type", h.DeviceType))
		return
	}

	s.dispatch(snap, h, body)
}

func readMessage(conn net.Conn) (igtl.Header, []byte, error) {
	headerBuf := make([]byte, igtl.HeaderSize)
	if _, err := io.ReadFull(conn, headerBuf); err != nil {
		return igtl.Header{}, nil, err
	}
	h, err := igtl.DecodeHeader(headerBuf)
	if err != nil {
		return igtl.Header{}, nil, err
	}
	if h.BodySize == 0 {
		return h, nil, nil
	}
	body := make([]byte, h.BodySize)
	if _, err := io.ReadFull(conn, body); err != nil {
		return igtl.Header{}, nil, err
	}
	return h, body, nil
}

// dispatch routes one decoded inbound message, per spec.md §4.6.
func (s *Server) dispatch(snap registry.Snapshot, h igtl.Header, body []byte) {
	prefix, uid := igtl.SplitDeviceName(h.DeviceName)

	switch h.DeviceType {
	case "CLIENTINFO":
		sub := decodeSubscription(body)
		if err := s.registry.ApplySubscription(snap.Client.ID, sub); err != nil {
			s.log.Warn("receiver: apply subscription failed",
				slog.Uint64("client_id", snap.Client.ID), slog.String("error", err.Error()))
		}

	case "GET_STATUS":
		wm := message.WireMessage{DeviceType: "STATUS", DeviceName: h.DeviceName, Body: []byte("OK")}
		if !s.sendWithRetry(snap.Client.ID, snap.Conn, wm, 0) {
			s.evictClient(snap.Client.ID, snap.Conn)
		}

	case "STRING", "GET_IMGMETA", "GET_IMAGE":
		req := model.CommandRequest{
			ClientID:     snap.Client.ID,
			CommandXML:   string(body),
			DevicePrefix: prefix,
			UID:          uid,
			ReceivedAt:   time.Now(),
		}
		s.processor.Enqueue(req)

	default:
		s.log.Debug("receiver: unrecognized device type",
			slog.Uint64("client_id", snap.Client.ID), slog.String("device_type", h.DeviceType))
	}
}

// decodeSubscription parses a CLIENTINFO body, per spec.md §4.6: one
// semicolon-separated section per field, each a comma-separated list, in
// the fixed order messageTypes;transformNames;imageStreams;stringNames.
func decodeSubscription(body []byte) model.Subscription {
	sections := strings.Split(string(body), ";")
	var sub model.Subscription
	for i, section := range sections {
		names := splitNonEmpty(section, ',')
		switch i {
		case 0:
			sub.MessageTypes = names
		case 1:
			sub.TransformNames = names
		case 2:
			sub.ImageStreams = names
		case 3:
			sub.StringNames = names
		}
	}
	return sub
}

func splitNonEmpty(s string, sep byte) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
