// Package audit keeps a rolling, length-prefixed msgpack log of every
// command request/response pair for postmortem diagnostics. Grounded on the
// teacher's internal/worker/person_detector_python.go, which frames msgpack
// payloads over a pipe with a 4-byte big-endian length prefix via
// encoding/binary; the same framing is reused here, just against an
// io.Writer instead of a subprocess pipe.
package audit

import (
	"encoding/binary"
	"io"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/visiona/igtlserver/internal/model"
)

// Entry is one audited command round-trip.
type Entry struct {
	At           time.Time `msgpack:"at"`
	ClientID     uint64    `msgpack:"client_id"`
	UID          string    `msgpack:"uid"`
	DevicePrefix string    `msgpack:"device_prefix"`
	CommandXML   string    `msgpack:"command_xml"`
	ResponseKind int       `msgpack:"response_kind"`
	Status       bool      `msgpack:"status"`
	Message      string    `msgpack:"message"`
}

// Log writes Entry records to an io.Writer, each framed with a 4-byte
// big-endian length prefix ahead of its msgpack encoding.
type Log struct {
	mu sync.Mutex
	w  io.Writer
}

// New wraps w (typically a rotated file, but any io.Writer works) as an
// audit Log.
func New(w io.Writer) *Log {
	return &Log{w: w}
}

// Record implements command.AuditSink.
func (l *Log) Record(req model.CommandRequest, resp model.CommandResponse) {
	entry := Entry{
		At:           time.Now(),
		ClientID:     req.ClientID,
		UID:          req.UID,
		DevicePrefix: req.DevicePrefix,
		CommandXML:   req.CommandXML,
		ResponseKind: int(resp.Kind),
		Status:       resp.Status,
		Message:      resp.Message,
	}

	payload, err := msgpack.Marshal(entry)
	if err != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(payload)))
	if _, err := l.w.Write(lenPrefix[:]); err != nil {
		return
	}
	_, _ = l.w.Write(payload)
}

// ReadAll decodes every framed entry from r until EOF, for tooling that
// needs to replay the audit log.
func ReadAll(r io.Reader) ([]Entry, error) {
	var out []Entry
	for {
		var lenPrefix [4]byte
		if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
			if err == io.EOF {
				break
			}
			return out, err
		}
		n := binary.BigEndian.Uint32(lenPrefix[:])
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			return out, err
		}
		var e Entry
		if err := msgpack.Unmarshal(payload, &e); err != nil {
			return out, err
		}
		out = append(out, e)
	}
	return out, nil
}
