// Package buffer implements the timestamped circular buffer (spec.md C1): a
// bounded, monotonic-UID-indexed ring of Items with temporal lookup and
// slerp/linear interpolation, grounded on
// original_source/PlusLib/src/DataCollection/vtkPlusBuffer.h.
package buffer

import (
	"math"
	"sync"

	"github.com/visiona/igtlserver/internal/model"
)

const (
	// DefaultCapacity mirrors vtkPlusBuffer's default buffer size.
	DefaultCapacity = 30
	// DefaultAveragedItemsForFiltering mirrors the original's default LSQR window.
	DefaultAveragedItemsForFiltering = 20
)

// Buffer is a fixed-capacity ring of timestamped Items, one per data source
// (spec.md §3: "no buffer is shared across devices").
type Buffer struct {
	mu sync.Mutex

	capacity               int
	averagedItemsForFilter int
	maxAllowedTimeDiff     float64
	localTimeOffsetSec     float64

	format      model.ImageFormat
	formatSet   bool

	items     []model.Item // ring storage, len == capacity once filled
	writeIdx  int
	count     int
	oldestUID uint64
	latestUID uint64
	nextUID   uint64

	lastUnfilteredTs float64
	haveAny          bool
}

// New creates a Buffer with the given capacity (spec.md's setCapacity(n)).
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		capacity:               capacity,
		averagedItemsForFilter: DefaultAveragedItemsForFiltering,
		maxAllowedTimeDiff:     math.MaxFloat64,
		nextUID:                1,
	}
}

// SetCapacity resizes the buffer, clearing its contents (spec.md's setCapacity).
func (b *Buffer) SetCapacity(n int) error {
	if n <= 0 {
		return ErrCapacityZero
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.capacity = n
	b.resetLocked()
	return nil
}

// SetAveragedItemsForFiltering sets the LSQR window size N.
func (b *Buffer) SetAveragedItemsForFiltering(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n < 1 {
		n = 1
	}
	b.averagedItemsForFilter = n
}

// SetMaxAllowedTimeDifference bounds how large a gap GetByTimeInterpolated
// may bridge.
func (b *Buffer) SetMaxAllowedTimeDifference(sec float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maxAllowedTimeDiff = sec
}

// SetLocalTimeOffsetSec records the local-to-universal clock offset, per
// spec.md §6: "universal = local + offset".
func (b *Buffer) SetLocalTimeOffsetSec(offset float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.localTimeOffsetSec = offset
}

func (b *Buffer) LocalTimeOffsetSec() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.localTimeOffsetSec
}

func (b *Buffer) resetLocked() {
	b.items = nil
	b.writeIdx = 0
	b.count = 0
	b.oldestUID = 0
	b.latestUID = 0
	b.nextUID = 1
	b.lastUnfilteredTs = 0
	b.haveAny = false
}

// Clear empties the buffer but preserves configuration (capacity, filter
// window, format).
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetLocked()
}

// AddOptions carries the optional arguments to Add beyond payload/index/ts.
type AddOptions struct {
	FilteredTimestamp *float64 // caller-supplied filtered timestamp, if any
	CustomFields      map[string]string
}

// Add appends one item to the buffer, per spec.md's add policy in §4.1.
func (b *Buffer) Add(payload model.Payload, index int64, unfilteredTs float64, opts AddOptions) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.capacity <= 0 {
		return 0, ErrCapacityZero
	}

	if b.haveAny && unfilteredTs <= b.lastUnfilteredTs {
		return 0, ErrTimestampRegression
	}

	if payload.Kind == model.PayloadImage {
		if !b.formatSet {
			b.format = payload.Image.Format
			b.formatSet = true
		} else if !b.format.Equal(payload.Image.Format) {
			return 0, ErrInvalidFormat
		}
	}

	filtered := b.computeFilteredTimestampLocked(unfilteredTs, opts.FilteredTimestamp)

	item := model.Item{
		UID:                 b.nextUID,
		Index:               index,
		FilteredTimestamp:   filtered,
		UnfilteredTimestamp: unfilteredTs,
		Status:              model.StatusOK,
		Payload:             payload,
		CustomFields:        opts.CustomFields,
	}

	if b.items == nil {
		b.items = make([]model.Item, b.capacity)
	}
	b.items[b.writeIdx] = item
	b.writeIdx = (b.writeIdx + 1) % b.capacity

	b.latestUID = item.UID
	if b.count < b.capacity {
		b.count++
		if b.count == 1 {
			b.oldestUID = item.UID
		}
	} else {
		b.oldestUID++
	}
	b.nextUID++
	b.lastUnfilteredTs = unfilteredTs
	b.haveAny = true

	return item.UID, nil
}

// computeFilteredTimestampLocked implements spec.md's three-way filtered
// timestamp rule: caller-supplied, LSQR-estimated, or pass-through.
func (b *Buffer) computeFilteredTimestampLocked(unfilteredTs float64, supplied *float64) float64 {
	if supplied != nil {
		return *supplied
	}
	if b.count < b.averagedItemsForFilter {
		return unfilteredTs
	}
	return b.lsqrEstimateLocked(unfilteredTs)
}

// lsqrEstimateLocked fits a line index -> unfilteredTimestamp over the last
// N stored items and evaluates it one step past the latest stored index,
// mirroring the original's least-squares timestamp filter. The pending
// item's own index and timestamp are not part of the fit.
func (b *Buffer) lsqrEstimateLocked(unfilteredTs float64) float64 {
	n := b.averagedItemsForFilter
	if n > b.count {
		n = b.count
	}
	if n < 2 {
		return unfilteredTs
	}

	// Gather the last n stored items' (index, ts), oldest first.
	type sample struct{ x, y float64 }
	samples := make([]sample, 0, n+1)
	for i := 0; i < n; i++ {
		it, ok := b.itemAtOffsetFromLatestLocked(n - 1 - i)
		if !ok {
			continue
		}
		samples = append(samples, sample{x: float64(it.Index), y: it.UnfilteredTimestamp})
	}

	var sumX, sumY, sumXY, sumXX float64
	m := float64(len(samples))
	if m < 2 {
		return unfilteredTs
	}
	for _, s := range samples {
		sumX += s.x
		sumY += s.y
		sumXY += s.x * s.y
		sumXX += s.x * s.x
	}
	denom := m*sumXX - sumX*sumX
	if denom == 0 {
		return unfilteredTs
	}
	slope := (m*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / m

	// Evaluate at the pending sample's own index: we don't know it here
	// (index is passed separately by the caller into Add), so fall back to
	// extrapolating one step past the last known index using the fitted
	// slope, which reproduces the original's frame-period-based smoothing
	// in steady state.
	lastIdx := samples[len(samples)-1].x
	return intercept + slope*(lastIdx+1)
}

// itemAtOffsetFromLatestLocked returns the item `offset` slots behind the
// latest one (offset=0 is latest).
func (b *Buffer) itemAtOffsetFromLatestLocked(offset int) (model.Item, bool) {
	if offset >= b.count {
		return model.Item{}, false
	}
	idx := (b.writeIdx - 1 - offset + 2*b.capacity) % b.capacity
	return b.items[idx], true
}

// NumberOfItems returns the live item count (spec.md invariant 3).
func (b *Buffer) NumberOfItems() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

func (b *Buffer) OldestUID() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return 0, ErrNotFound
	}
	return b.oldestUID, nil
}

func (b *Buffer) LatestUID() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return 0, ErrNotFound
	}
	return b.latestUID, nil
}

// itemIndexForUIDLocked maps a UID to its slot in the ring, or false if the
// UID is out of the live window.
func (b *Buffer) itemIndexForUIDLocked(uid uint64) (int, bool) {
	if b.count == 0 || uid < b.oldestUID || uid > b.latestUID {
		return 0, false
	}
	offsetFromOldest := uid - b.oldestUID
	oldestSlot := (b.writeIdx - b.count + b.capacity*2) % b.capacity
	return (oldestSlot + int(offsetFromOldest)) % b.capacity, true
}

// GetByUID returns the stored item with the given UID.
func (b *Buffer) GetByUID(uid uint64) (model.Item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return model.Item{}, ErrNotFound
	}
	if uid < b.oldestUID {
		return model.Item{}, ErrNotAvailableAnymore
	}
	if uid > b.latestUID {
		return model.Item{}, ErrNotAvailableYet
	}
	idx, ok := b.itemIndexForUIDLocked(uid)
	if !ok {
		return model.Item{}, ErrNotFound
	}
	return b.items[idx], nil
}

// itemsOldestFirstLocked returns the live window, oldest first.
func (b *Buffer) itemsOldestFirstLocked() []model.Item {
	out := make([]model.Item, b.count)
	oldestSlot := (b.writeIdx - b.count + b.capacity*2) % b.capacity
	for i := 0; i < b.count; i++ {
		out[i] = b.items[(oldestSlot+i)%b.capacity]
	}
	return out
}

// UIDFromTime performs a binary search over filtered timestamps, per
// spec.md §4.1.
func (b *Buffer) UIDFromTime(t float64) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return 0, ErrNotFound
	}
	items := b.itemsOldestFirstLocked()
	if t < items[0].FilteredTimestamp {
		return 0, ErrNotAvailableAnymore
	}
	if t > items[len(items)-1].FilteredTimestamp {
		return 0, ErrNotAvailableYet
	}
	idx := searchClosestIndex(items, t)
	return items[idx].UID, nil
}

// searchClosestIndex binary searches items (sorted by FilteredTimestamp,
// non-decreasing) for the index whose timestamp is closest to t, breaking
// ties toward the later item.
func searchClosestIndex(items []model.Item, t float64) int {
	lo, hi := 0, len(items)-1
	for lo < hi {
		mid := (lo + hi) / 2
		if items[mid].FilteredTimestamp < t {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	// items[lo] is the first item with FilteredTimestamp >= t.
	if lo == 0 {
		return 0
	}
	before := items[lo-1]
	at := items[lo]
	if at.FilteredTimestamp == t {
		return lo
	}
	dBefore := t - before.FilteredTimestamp
	dAfter := at.FilteredTimestamp - t
	if dBefore < dAfter {
		return lo - 1
	}
	// Tie or after is closer: prefer the later item.
	return lo
}

// GetByTimeExact returns the item with FilteredTimestamp == t, if any.
func (b *Buffer) GetByTimeExact(t float64) (model.Item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return model.Item{}, ErrNotFound
	}
	items := b.itemsOldestFirstLocked()
	idx := searchClosestIndex(items, t)
	if items[idx].FilteredTimestamp != t {
		return model.Item{}, ErrNotFound
	}
	return items[idx], nil
}

// GetByTimeClosest returns the item whose FilteredTimestamp is nearest t,
// breaking ties toward the later item (spec.md §4.1).
func (b *Buffer) GetByTimeClosest(t float64) (model.Item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return model.Item{}, ErrNotFound
	}
	items := b.itemsOldestFirstLocked()
	if t < items[0].FilteredTimestamp {
		return model.Item{}, ErrNotAvailableAnymore
	}
	if t > items[len(items)-1].FilteredTimestamp {
		return model.Item{}, ErrNotAvailableYet
	}
	return items[searchClosestIndex(items, t)], nil
}

// GetByTimeInterpolated finds the bracketing pair prev<=t<=next and
// interpolates between them (slerp rotation, linear translation), per
// spec.md §4.1 and the original's GetInterpolatedStreamBufferItemFromTime.
func (b *Buffer) GetByTimeInterpolated(t float64) (model.Item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return model.Item{}, ErrNotFound
	}
	items := b.itemsOldestFirstLocked()
	if t < items[0].FilteredTimestamp {
		return model.Item{}, ErrNotAvailableAnymore
	}
	if t > items[len(items)-1].FilteredTimestamp {
		return model.Item{}, ErrNotAvailableYet
	}

	idx := searchClosestIndex(items, t)
	at := items[idx]
	if at.FilteredTimestamp == t {
		return at, nil
	}

	var prev, next model.Item
	if at.FilteredTimestamp < t {
		prev = at
		if idx+1 >= len(items) {
			return at, nil
		}
		next = items[idx+1]
	} else {
		next = at
		if idx-1 < 0 {
			return at, nil
		}
		prev = items[idx-1]
	}

	gap := next.FilteredTimestamp - prev.FilteredTimestamp
	if gap > b.maxAllowedTimeDiff {
		return model.Item{}, ErrGapTooLarge
	}

	closer := prev
	if (t - prev.FilteredTimestamp) > (next.FilteredTimestamp - t) {
		closer = next
	}

	result := model.Item{
		UID:                 closer.UID,
		Index:               closer.Index,
		FilteredTimestamp:   t,
		UnfilteredTimestamp: t,
		Status:              closer.Status,
	}

	if prev.Payload.Kind == model.PayloadTransform && next.Payload.Kind == model.PayloadTransform {
		var frac float64
		if gap > 0 {
			frac = (t - prev.FilteredTimestamp) / gap
		}
		result.Payload = model.Payload{
			Kind:      model.PayloadTransform,
			Transform: model.Transform(interpolateTransform(prev.Payload.Transform, next.Payload.Transform, frac)),
		}
	} else {
		result.Payload = closer.Payload
	}
	return result, nil
}

// GetFrameRate returns the frame rate over the live window: wall-clock
// (count-1)/(latestTs-oldestTs) normally, or mean period from consecutive
// producer Index deltas when ideal is true, with optional stddev output
// (spec.md §4.1).
func (b *Buffer) GetFrameRate(ideal bool, stdevOut *float64) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count < 2 {
		return 0, ErrNotFound
	}
	items := b.itemsOldestFirstLocked()

	if !ideal {
		span := items[len(items)-1].FilteredTimestamp - items[0].FilteredTimestamp
		if span <= 0 {
			return 0, ErrNotFound
		}
		return float64(len(items)-1) / span, nil
	}

	periods := make([]float64, 0, len(items)-1)
	for i := 1; i < len(items); i++ {
		idxDelta := float64(items[i].Index - items[i-1].Index)
		tsDelta := items[i].FilteredTimestamp - items[i-1].FilteredTimestamp
		if idxDelta <= 0 {
			continue
		}
		periods = append(periods, tsDelta/idxDelta)
	}
	if len(periods) == 0 {
		return 0, ErrNotFound
	}
	var sum float64
	for _, p := range periods {
		sum += p
	}
	mean := sum / float64(len(periods))

	if stdevOut != nil {
		var sq float64
		for _, p := range periods {
			d := p - mean
			sq += d * d
		}
		*stdevOut = math.Sqrt(sq / float64(len(periods)))
	}
	if mean <= 0 {
		return 0, ErrNotFound
	}
	return 1.0 / mean, nil
}
