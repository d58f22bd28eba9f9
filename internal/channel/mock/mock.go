// Package mock provides a synthetic Channel implementation for tests and
// local demos, grounded on the teacher's ticker-driven synthetic frame
// generator (internal/stream/mock.go's MockStream), adapted from raw video
// frames to tracked frames (image + transform) per spec.md C2.
package mock

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/visiona/igtlserver/internal/model"
)

// Channel generates synthetic tracked frames at a fixed rate until Stop is
// called. It keeps its own bounded history so OldestTimestamp/
// MostRecentTimestamp/TrackedFrameList behave like a real data collector's
// output channel.
type Channel struct {
	mu       sync.Mutex
	log      *slog.Logger
	fps      float64
	width    int
	height   int
	history  []*model.TrackedFrame
	capacity int

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	seq       int64
	startWall time.Time
}

// New creates a mock Channel that produces frames at fps Hz, retaining up to
// capacity of them (mirroring a real circular-buffer-backed channel).
func New(log *slog.Logger, fps float64, width, height, capacity int) *Channel {
	if log == nil {
		log = slog.Default()
	}
	if capacity <= 0 {
		capacity = 30
	}
	return &Channel{log: log, fps: fps, width: width, height: height, capacity: capacity}
}

// Start begins generating frames in a background goroutine.
func (c *Channel) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.startWall = time.Now()
	c.wg.Add(1)
	go c.run(ctx)
}

// Stop halts frame generation and waits for the goroutine to exit.
func (c *Channel) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Channel) run(ctx context.Context) {
	defer c.wg.Done()
	period := time.Duration(float64(time.Second) / c.fps)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.emit(time.Since(c.startWall).Seconds())
		}
	}
}

// LocalTimeOffsetSec returns the wall-clock epoch seconds at Start, the
// offset that converts this channel's elapsed-since-start Timestamp values
// to UTC wall-clock seconds.
func (c *Channel) LocalTimeOffsetSec() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return float64(c.startWall.UnixNano()) / 1e9
}

func (c *Channel) emit(ts float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seq := c.seq
	c.seq++

	angle := ts * 0.5
	frame := &model.TrackedFrame{
		Timestamp: ts,
		TraceID:   uuid.New().String(),
		Image: &model.Image{
			Format: model.ImageFormat{Width: c.width, Height: c.height, NumberOfComponents: 1, PixelType: "UCHAR"},
			Pixels: make([]byte, c.width*c.height),
		},
		Transforms: map[string]model.Transform{
			"ProbeToReference": rotatingTransform(angle),
		},
		Custom: map[string]string{"seq": strconv.FormatInt(seq, 10)},
	}

	c.history = append(c.history, frame)
	if len(c.history) > c.capacity {
		c.history = c.history[len(c.history)-c.capacity:]
	}
}

func rotatingTransform(angle float64) model.Transform {
	c, s := math.Cos(angle), math.Sin(angle)
	return model.Transform{
		c, -s, 0, 0,
		s, c, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

func (c *Channel) HasVideoSource() bool { return c.width > 0 && c.height > 0 }

func (c *Channel) VideoDataAvailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.history) > 0
}

func (c *Channel) TrackingDataAvailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.history) > 0
}

func (c *Channel) OldestTimestamp() (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.history) == 0 {
		return 0, errNoData
	}
	return c.history[0].Timestamp, nil
}

func (c *Channel) MostRecentTimestamp() (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.history) == 0 {
		return 0, errNoData
	}
	return c.history[len(c.history)-1].Timestamp, nil
}

// BufferDepth returns how many frames are currently retained in history.
func (c *Channel) BufferDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.history)
}

func (c *Channel) TrackedFrameList(afterTs float64, max int) ([]*model.TrackedFrame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*model.TrackedFrame, 0, max)
	for _, f := range c.history {
		if f.Timestamp <= afterTs {
			continue
		}
		out = append(out, f)
		if len(out) >= max {
			break
		}
	}
	return out, nil
}
