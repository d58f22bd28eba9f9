package message

import (
	"encoding/binary"
	"math"

	"github.com/visiona/igtlserver/internal/model"
)

// DefaultFactory is the in-module Message Factory used by tests and demos
// (the production wire-body encoding is out of scope per spec.md §1; this
// implementation supplies a concrete, self-consistent body format so the
// server is exercisable end to end without an external IGTL library).
type DefaultFactory struct{}

// PackMessages implements Factory, following spec.md §4.5 step 8(c): for
// each requested message type, emit at most one message per matching
// stream, in the order the caller supplied messageTypes.
func (DefaultFactory) PackMessages(
	messageTypes []string,
	frame *model.TrackedFrame,
	sub model.Subscription,
	sendValidTransformsOnly bool,
	repo TransformRepository,
) ([]WireMessage, error) {
	if repo != nil {
		if err := repo.SetTransforms(frame); err != nil {
			return nil, err
		}
	}

	var out []WireMessage
	for _, mt := range messageTypes {
		switch mt {
		case "IMAGE":
			if frame.Image == nil {
				continue
			}
			out = append(out, WireMessage{
				DeviceType: "IMAGE",
				DeviceName: "PlusServerImage",
				Body:       encodeImageBody(frame.Image),
			})
		case "TRANSFORM":
			for _, name := range effectiveNames(sub.TransformNames) {
				tx, ok := frame.Transforms[name]
				if !ok {
					if sendValidTransformsOnly {
						continue
					}
					tx = model.Identity()
				}
				out = append(out, WireMessage{
					DeviceType: "TRANSFORM",
					DeviceName: name,
					Body:       encodeTransformBody(tx),
				})
			}
		case "STRING":
			for k, v := range frame.Custom {
				out = append(out, WireMessage{
					DeviceType: "STRING",
					DeviceName: k,
					Body:       []byte(v),
				})
			}
		}
	}
	return out, nil
}

func effectiveNames(names []string) []string {
	if len(names) == 0 {
		return []string{"ProbeToReference"}
	}
	return names
}

func encodeImageBody(img *model.Image) []byte {
	return EncodeImageBody(img)
}

func encodeTransformBody(t model.Transform) []byte {
	return EncodeTransformBody(t)
}

// EncodeImageBody is the default image body encoding: a 12-byte
// width/height/numberOfComponents header followed by the raw pixel bytes.
// Exported so the server can reuse it when packing IMAGE command responses
// (spec.md §3's ResponseImage variant is always broadcast outside the
// regular per-frame packing path).
func EncodeImageBody(img *model.Image) []byte {
	header := make([]byte, 12)
	binary.BigEndian.PutUint32(header[0:4], uint32(img.Format.Width))
	binary.BigEndian.PutUint32(header[4:8], uint32(img.Format.Height))
	binary.BigEndian.PutUint32(header[8:12], uint32(img.Format.NumberOfComponents))
	return append(header, img.Pixels...)
}

// EncodeTransformBody is the default transform body encoding: 16 float64s,
// row-major, big-endian.
func EncodeTransformBody(t model.Transform) []byte {
	buf := make([]byte, 16*8)
	for i, v := range t {
		binary.BigEndian.PutUint64(buf[i*8:i*8+8], math.Float64bits(v))
	}
	return buf
}
