// Package message defines the Message Factory contract (spec.md C4): packs
// a tracked frame into zero or more outbound wire messages given a client's
// subscription. The concrete OpenIGTLink body encoding is out of scope
// (spec.md §1); each message is treated as an opaque packed byte blob, per
// the tagged-variant note in spec.md §9.
package message

import (
	"github.com/visiona/igtlserver/internal/model"
)

// WireMessage is one packed outbound unit: a device type/name pair plus an
// opaque body, ready to be framed with an igtl.Header and sent.
type WireMessage struct {
	DeviceType string
	DeviceName string
	Body       []byte
}

// TransformRepository is the out-of-scope external collaborator the Data
// Sender optionally injects so the factory can resolve derived transforms
// (spec.md §1, §4.5 step 8(a)).
type TransformRepository interface {
	SetTransforms(frame *model.TrackedFrame) error
}

// Factory packs a tracked frame into wire messages for one client's
// effective subscription. Implementations decide which of
// IMAGE/TRANSFORM/POSITION/STRING/IMGMETA to emit, in the emission order
// that spec.md §5 requires be preserved per frame.
type Factory interface {
	PackMessages(
		messageTypes []string,
		frame *model.TrackedFrame,
		sub model.Subscription,
		sendValidTransformsOnly bool,
		repo TransformRepository,
	) ([]WireMessage, error)
}
