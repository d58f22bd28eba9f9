// Package channel defines the Channel contract (spec.md C2): an external
// collaborator that aggregates a video source and/or tracking sources and
// exposes oldest/most-recent timestamps plus a batched range query. Only the
// contract is specified here; the concrete production channel lives outside
// this module's scope (it is the data collector's job). A synthetic
// implementation for tests and demos lives in the mock subpackage.
package channel

import "github.com/visiona/igtlserver/internal/model"

// Channel is the Data Sender's (C7) only dependency on the data-acquisition
// side, per spec.md §4.5.
type Channel interface {
	// HasVideoSource reports whether this channel carries an image source.
	HasVideoSource() bool
	// VideoDataAvailable reports whether the video source has produced at
	// least one frame yet.
	VideoDataAvailable() bool
	// TrackingDataAvailable reports whether any tracking source has
	// produced at least one transform yet.
	TrackingDataAvailable() bool
	// OldestTimestamp returns the oldest timestamp still retrievable.
	OldestTimestamp() (float64, error)
	// MostRecentTimestamp returns the most recently produced timestamp.
	MostRecentTimestamp() (float64, error)
	// TrackedFrameList returns up to max tracked frames strictly after
	// afterTs, oldest first.
	TrackedFrameList(afterTs float64, max int) ([]*model.TrackedFrame, error)
	// LocalTimeOffsetSec returns the offset that converts this channel's
	// frame.Timestamp (the local monotonic clock) to UTC wall-clock
	// seconds, per spec.md §6: "universal = local + offset".
	LocalTimeOffsetSec() float64
	// BufferDepth reports how many tracked frames are currently retained
	// and retrievable, for the igtlserver_buffer_depth gauge.
	BufferDepth() int
}
