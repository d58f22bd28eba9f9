package server

import (
	"log/slog"
	"net"
	"time"

	"github.com/visiona/igtlserver/internal/igtl"
	"github.com/visiona/igtlserver/internal/message"
	"github.com/visiona/igtlserver/internal/model"
)

// runSender is the Data Sender (C7), grounded step-by-step on
// vtkPlusOpenIGTLinkServer.cxx's DataSenderThread/SendTrackedFrame/
// KeepAlive. Each iteration: drains pending command responses, checks
// input availability against the missing-input grace period, computes an
// adaptive batch size from the last tick's processing time, pulls that many
// tracked frames from the channel (skipping ahead on producer overrun), and
// fans each one out to every subscribed client.
func (s *Server) runSender() {
	defer s.wg.Done()
	s.senderRunning.Store(true)
	defer s.senderRunning.Store(false)

	s.state.mu.Lock()
	s.state.lastProcessingTimePerFrameMs = 1.0
	s.state.localTimeOffsetSec = s.channel.LocalTimeOffsetSec()
	lastKeepAlive := time.Now()
	s.state.mu.Unlock()

	for s.senderRequested.Load() {
		if s.registry.NumConnected() == 0 {
			s.state.mu.Lock()
			s.state.lastSentTimestamp = 0
			s.state.mu.Unlock()
			time.Sleep(NoClientsPollInterval)
			continue
		}

		s.routeCommandResponses()

		if s.metrics != nil {
			s.metrics.BufferDepth.Set(float64(s.channel.BufferDepth()))
		}

		if !s.inputAvailable() {
			s.logMissingInput()
			if time.Since(lastKeepAlive) >= KeepAliveInterval {
				s.sendKeepAlives()
				lastKeepAlive = time.Now()
			}
			time.Sleep(DelayOnNoNewFrames)
			continue
		}

		frames, err := s.pullNextBatch()
		if err != nil {
			s.log.Debug("sender: no frames available", slog.String("error", err.Error()))
			time.Sleep(DelayOnSendingError)
			continue
		}
		if len(frames) == 0 {
			if time.Since(lastKeepAlive) >= KeepAliveInterval {
				s.sendKeepAlives()
				lastKeepAlive = time.Now()
			}
			time.Sleep(DelayOnNoNewFrames)
			continue
		}

		start := time.Now()
		for _, frame := range frames {
			s.broadcastFrame(frame)
			s.state.mu.Lock()
			s.state.lastSentTimestamp = frame.Timestamp
			s.state.framesSent++
			s.state.mu.Unlock()
			if s.metrics != nil {
				s.metrics.FramesSent.Inc()
			}
		}
		elapsed := time.Since(start)

		s.state.mu.Lock()
		s.state.lastProcessingTimePerFrameMs = float64(elapsed.Milliseconds()) / float64(len(frames))
		if s.state.lastProcessingTimePerFrameMs <= 0 {
			s.state.lastProcessingTimePerFrameMs = 1.0
		}
		s.state.mu.Unlock()
	}
}

// inputAvailable mirrors spec.md §4.5's availability check: a video source,
// if present, must have produced at least one frame, and tracking must have
// produced at least one transform.
func (s *Server) inputAvailable() bool {
	if s.channel.HasVideoSource() && !s.channel.VideoDataAvailable() {
		return false
	}
	return s.channel.TrackingDataAvailable()
}

// logMissingInput promotes from Debug to Error once the configured grace
// period has elapsed since the broadcast loop started, per spec.md §4.5.
func (s *Server) logMissingInput() {
	s.state.mu.Lock()
	elapsed := time.Since(s.state.broadcastStartTime)
	alreadyWarned := s.state.gracePeriodWarn
	grace := s.cfg.MissingInputGracePeriodSec
	if elapsed.Seconds() > grace && !alreadyWarned {
		s.state.gracePeriodWarn = true
	}
	promote := elapsed.Seconds() > grace
	s.state.mu.Unlock()

	if promote {
		s.log.Error("no new input data available past grace period", slog.Float64("elapsed_sec", elapsed.Seconds()))
	} else {
		s.log.Debug("waiting for input data")
	}
}

// pullNextBatch implements spec.md §4.5's adaptive frame-batching and
// producer-overrun skip-ahead.
func (s *Server) pullNextBatch() ([]*model.TrackedFrame, error) {
	s.state.mu.Lock()
	lastSent := s.state.lastSentTimestamp
	perFrameMs := s.state.lastProcessingTimePerFrameMs
	s.state.mu.Unlock()

	numberOfFramesToGet := int(s.cfg.MaxTimeSpentWithProcessingMs / perFrameMs)
	if numberOfFramesToGet < 1 {
		numberOfFramesToGet = 1
	}
	if numberOfFramesToGet > s.cfg.MaxNumberOfIgtlMessagesToSend {
		numberOfFramesToGet = s.cfg.MaxNumberOfIgtlMessagesToSend
	}

	oldest, err := s.channel.OldestTimestamp()
	if err != nil {
		return nil, err
	}
	if lastSent < oldest {
		skipped := lastSent
		lastSent = oldest + SamplingSkippingMargin
		s.log.Warn("producer overrun, skipping ahead",
			slog.Float64("from", skipped), slog.Float64("to", lastSent))
		s.state.mu.Lock()
		s.state.lastSentTimestamp = lastSent
		s.state.mu.Unlock()
	}

	return s.channel.TrackedFrameList(lastSent, numberOfFramesToGet)
}

// broadcastFrame sends one tracked frame to every currently subscribed
// client, per spec.md §4.5 step 8.
func (s *Server) broadcastFrame(frame *model.TrackedFrame) {
	for _, snap := range s.registry.Snapshot() {
		sub := s.registry.EffectiveSubscription(snap.Client.ID, s.cfg.DefaultClientInfo)
		messageTypes := sub.MessageTypes
		if len(messageTypes) == 0 {
			messageTypes = s.cfg.DefaultClientInfo.MessageTypes
		}
		msgs, err := s.factory.PackMessages(messageTypes, frame, sub, s.cfg.SendValidTransformsOnly, s.repo)
		if err != nil {
			s.log.Warn("sender: pack failed", slog.Uint64("client_id", snap.Client.ID), slog.String("error", err.Error()))
			continue
		}
		for _, wm := range msgs {
			if !s.sendWithRetry(snap.Client.ID, snap.Conn, wm, frame.Timestamp) {
				s.evictClient(snap.Client.ID, snap.Conn)
				break
			}
		}
	}
}

// routeCommandResponses drains the command processor and routes each
// response per spec.md §3: ResponseImage is always broadcast, the other
// two kinds are unicast to the requesting client.
func (s *Server) routeCommandResponses() {
	for _, resp := range s.processor.DrainResponses() {
		wm := encodeCommandResponse(resp)
		if resp.Kind == model.ResponseImage {
			for _, snap := range s.registry.Snapshot() {
				if !s.sendWithRetry(snap.Client.ID, snap.Conn, wm, 0) {
					s.evictClient(snap.Client.ID, snap.Conn)
				}
			}
			continue
		}
		conn, err := s.registry.ConnFor(resp.ClientID)
		if err != nil {
			continue
		}
		if !s.sendWithRetry(resp.ClientID, conn, wm, 0) {
			s.evictClient(resp.ClientID, conn)
		}
	}
}

// sendKeepAlives sends a STATUS_OK message to every client, per spec.md
// §4.5's keep-alive cadence (used to detect half-open sockets even when no
// tracked frames are flowing).
func (s *Server) sendKeepAlives() {
	wm := message.WireMessage{DeviceType: "STATUS", DeviceName: "KeepAlive", Body: []byte("OK")}
	for _, snap := range s.registry.Snapshot() {
		if s.sendWithRetry(snap.Client.ID, snap.Conn, wm, 0) {
			s.state.mu.Lock()
			s.state.keepAlivesSent++
			s.state.mu.Unlock()
			if s.metrics != nil {
				s.metrics.KeepAlivesSent.Inc()
			}
		} else {
			s.evictClient(snap.Client.ID, snap.Conn)
		}
	}
}

// sendWithRetry writes one wire message, retrying up to
// NumberOfRetryAttempts times with DelayBetweenRetryAttempts between
// attempts, mirroring the original's numberOfErrors<=10 retry loop. Go's
// net.Conn.Write on a TCP connection either writes the full buffer or
// returns an error, so there is no "partial send" case to special-case.
func (s *Server) sendWithRetry(clientID uint64, conn net.Conn, wm message.WireMessage, ts float64) bool {
	var lastErr error
	for attempt := 0; attempt < NumberOfRetryAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(DelayBetweenRetryAttempts)
		}
		if err := s.writeWireMessage(conn, wm, ts); err != nil {
			lastErr = err
			continue
		}
		return true
	}
	s.log.Warn("sender: giving up on client after repeated send failures",
		slog.Uint64("client_id", clientID), slog.String("error", errString(lastErr)))
	return false
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// writeWireMessage frames wm with an igtl.Header and writes header+body. ts
// is the frame's local-monotonic-clock timestamp; it is converted to a UTC
// wall-clock value for the wire only, per spec.md §4.5 step 8(b)/§6 ("wall
// = local + offset"). The buffer itself keeps the local value.
func (s *Server) writeWireMessage(conn net.Conn, wm message.WireMessage, ts float64) error {
	_ = conn.SetWriteDeadline(time.Now().Add(ClientSocketTimeout))
	s.state.mu.Lock()
	offset := s.state.localTimeOffsetSec
	s.state.mu.Unlock()
	h := igtl.Header{
		Version:    igtl.ProtocolVersion,
		DeviceType: wm.DeviceType,
		DeviceName: wm.DeviceName,
		Timestamp:  igtl.TimestampToFixedPoint(ts + offset),
		BodySize:   uint64(len(wm.Body)),
	}
	if s.cfg.IgtlMessageCrcCheckEnabled {
		h.CRC = igtl.ChecksumBody(wm.Body)
	}
	if _, err := conn.Write(h.Encode()); err != nil {
		return err
	}
	if len(wm.Body) == 0 {
		return nil
	}
	_, err := conn.Write(wm.Body)
	return err
}

// evictClient closes and drops a client that has failed to accept writes,
// per spec.md §4.2's slow-client eviction.
func (s *Server) evictClient(id uint64, conn net.Conn) {
	_ = conn.Close()
	s.registry.Remove(id)
	s.log.Warn("client evicted", slog.Uint64("client_id", id))
	s.state.mu.Lock()
	s.state.clientsEvicted++
	s.state.mu.Unlock()
	if s.metrics != nil {
		s.metrics.ClientsEvicted.Inc()
		s.metrics.ClientsConnected.Set(float64(s.registry.NumConnected()))
	}
}

// encodeCommandResponse packs a tagged CommandResponse into a single wire
// message, per spec.md §3/§9.
func encodeCommandResponse(resp model.CommandResponse) message.WireMessage {
	switch resp.Kind {
	case model.ResponseImage:
		body := []byte{}
		if resp.ImageData != nil {
			body = message.EncodeImageBody(resp.ImageData)
		}
		return message.WireMessage{DeviceType: "IMAGE", DeviceName: resp.ImageName, Body: body}
	case model.ResponseImageMeta:
		return message.WireMessage{DeviceType: "IMGMETA", DeviceName: resp.DeviceName, Body: encodeImageMetaBody(resp.MetaItems)}
	default:
		status := "0"
		if resp.Status {
			status = "1"
		}
		return message.WireMessage{DeviceType: "STRING", DeviceName: resp.DeviceName, Body: []byte(status + "\x00" + resp.Message)}
	}
}

func encodeImageMetaBody(items []model.ImageMetaItem) []byte {
	var buf []byte
	for _, it := range items {
		buf = append(buf, []byte(it.Name)...)
		buf = append(buf, 0)
	}
	return buf
}
