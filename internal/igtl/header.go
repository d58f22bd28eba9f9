// Package igtl implements the fixed-size OpenIGTLink-style header spec.md
// §6 describes: a header (fixed size, network byte order) followed by a
// body whose length the header declares. The concrete encoding of message
// *bodies* is out of scope (spec.md §1) and is treated as an opaque byte
// blob produced by the Message Factory; only the header — which the
// Connection Acceptor/Data Receiver/Data Sender all need to parse or
// produce regardless of body contents — is implemented concretely here.
package igtl

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc64"
)

const (
	deviceTypeLen = 12
	deviceNameLen = 20

	// HeaderSize is the fixed wire size of a Header: version(2) +
	// deviceType(12) + deviceName(20) + timestamp(8) + bodySize(8) + crc(8).
	HeaderSize = 2 + deviceTypeLen + deviceNameLen + 8 + 8 + 8

	// ProtocolVersion is the only version this server speaks.
	ProtocolVersion uint16 = 2
)

var crcTable = crc64.MakeTable(crc64.ISO)

// ErrMalformedHeader is returned when a header cannot be decoded, e.g. a
// short read that isn't the protocol's explicit "no data" sentinel.
var ErrMalformedHeader = errors.New("igtl: malformed header")

// Header is the fixed-size unit that precedes every OpenIGTLink-style
// message body, per spec.md §6.
type Header struct {
	Version    uint16
	DeviceType string // truncated/padded to 12 bytes on the wire
	DeviceName string // truncated/padded to 20 bytes on the wire
	Timestamp  uint64 // fixed-point seconds since Unix epoch (Q32.32)
	BodySize   uint64
	CRC        uint64
}

// Encode writes the header in network byte order.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], h.Version)
	copy(buf[2:2+deviceTypeLen], padTrunc(h.DeviceType, deviceTypeLen))
	copy(buf[2+deviceTypeLen:2+deviceTypeLen+deviceNameLen], padTrunc(h.DeviceName, deviceNameLen))
	off := 2 + deviceTypeLen + deviceNameLen
	binary.BigEndian.PutUint64(buf[off:off+8], h.Timestamp)
	binary.BigEndian.PutUint64(buf[off+8:off+16], h.BodySize)
	binary.BigEndian.PutUint64(buf[off+16:off+24], h.CRC)
	return buf
}

// DecodeHeader parses exactly HeaderSize bytes into a Header.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) != HeaderSize {
		return Header{}, ErrMalformedHeader
	}
	var h Header
	h.Version = binary.BigEndian.Uint16(buf[0:2])
	h.DeviceType = unpad(buf[2 : 2+deviceTypeLen])
	h.DeviceName = unpad(buf[2+deviceTypeLen : 2+deviceTypeLen+deviceNameLen])
	off := 2 + deviceTypeLen + deviceNameLen
	h.Timestamp = binary.BigEndian.Uint64(buf[off : off+8])
	h.BodySize = binary.BigEndian.Uint64(buf[off+8 : off+16])
	h.CRC = binary.BigEndian.Uint64(buf[off+16 : off+24])
	return h, nil
}

func padTrunc(s string, n int) []byte {
	b := make([]byte, n)
	copy(b, s)
	return b
}

func unpad(b []byte) string {
	return string(bytes.TrimRight(b, "\x00"))
}

// ChecksumBody computes the CRC64 checksum of a message body, used to
// populate Header.CRC and to verify it when IgtlMessageCrcCheckEnabled is
// set (spec.md §6's CRC toggle; the check itself is a supplemented feature
// recovered from the original's Unpack(crccheck) calls — see SPEC_FULL.md).
func ChecksumBody(body []byte) uint64 {
	return crc64.Checksum(body, crcTable)
}

// VerifyCRC checks a header's CRC field against the body it precedes.
func VerifyCRC(h Header, body []byte) bool {
	return h.CRC == ChecksumBody(body)
}

// TimestampToFixedPoint encodes a float64 seconds value as the Q32.32
// fixed-point representation used on the wire.
func TimestampToFixedPoint(sec float64) uint64 {
	whole := uint64(sec)
	frac := uint64((sec - float64(whole)) * 4294967296.0)
	return whole<<32 | frac
}

// FixedPointToTimestamp decodes a Q32.32 wire timestamp back to float64
// seconds.
func FixedPointToTimestamp(fp uint64) float64 {
	whole := fp >> 32
	frac := fp & 0xFFFFFFFF
	return float64(whole) + float64(frac)/4294967296.0
}
