package buffer

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/visiona/igtlserver/internal/model"
)

func transformPayload(tx model.Transform) model.Payload {
	return model.Payload{Kind: model.PayloadTransform, Transform: tx}
}

func TestAdd_UIDMonotonicity(t *testing.T) {
	b := New(5)
	var lastUID uint64
	for i := 0; i < 4; i++ {
		uid, err := b.Add(transformPayload(model.Identity()), int64(i), float64(i), AddOptions{})
		require.NoError(t, err)
		require.Greater(t, uid, lastUID)
		lastUID = uid
	}
}

func TestAdd_RejectsTimestampRegression(t *testing.T) {
	b := New(5)
	_, err := b.Add(transformPayload(model.Identity()), 0, 1.0, AddOptions{})
	require.NoError(t, err)

	_, err = b.Add(transformPayload(model.Identity()), 1, 1.0, AddOptions{})
	require.ErrorIs(t, err, ErrTimestampRegression)

	_, err = b.Add(transformPayload(model.Identity()), 1, 0.5, AddOptions{})
	require.ErrorIs(t, err, ErrTimestampRegression)
}

func TestAdd_CapacityBound(t *testing.T) {
	b := New(3)
	var latest uint64
	for i := 0; i < 10; i++ {
		uid, err := b.Add(transformPayload(model.Identity()), int64(i), float64(i), AddOptions{})
		require.NoError(t, err)
		latest = uid
	}
	require.Equal(t, 3, b.NumberOfItems())
	oldest, err := b.OldestUID()
	require.NoError(t, err)
	require.Equal(t, latest-3+1, oldest)
}

func TestAdd_RejectsFormatMismatch(t *testing.T) {
	b := New(5)
	imgA := model.Image{Format: model.ImageFormat{Width: 100, Height: 100, NumberOfComponents: 1}}
	imgB := model.Image{Format: model.ImageFormat{Width: 200, Height: 200, NumberOfComponents: 1}}

	_, err := b.Add(model.Payload{Kind: model.PayloadImage, Image: imgA}, 0, 1.0, AddOptions{})
	require.NoError(t, err)

	_, err = b.Add(model.Payload{Kind: model.PayloadImage, Image: imgB}, 1, 2.0, AddOptions{})
	require.ErrorIs(t, err, ErrInvalidFormat)
}

func TestGetByTimeInterpolated_IdentityAtKnownTimestamp(t *testing.T) {
	b := New(10)
	tx := model.Transform{
		1, 0, 0, 5,
		0, 1, 0, 6,
		0, 0, 1, 7,
		0, 0, 0, 1,
	}
	uid, err := b.Add(transformPayload(tx), 0, 3.0, AddOptions{})
	require.NoError(t, err)
	item, err := b.GetByUID(uid)
	require.NoError(t, err)

	_, err = b.Add(transformPayload(model.Identity()), 1, 4.0, AddOptions{})
	require.NoError(t, err)

	got, err := b.GetByTimeInterpolated(item.FilteredTimestamp)
	require.NoError(t, err)
	require.Equal(t, model.PayloadTransform, got.Payload.Kind)
	require.Equal(t, tx, got.Payload.Transform)
}

func TestUIDFromTime_OutOfRangeErrors(t *testing.T) {
	b := New(5)
	_, err := b.UIDFromTime(1.0)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = b.Add(transformPayload(model.Identity()), 0, 1.0, AddOptions{})
	require.NoError(t, err)
	_, err = b.Add(transformPayload(model.Identity()), 1, 2.0, AddOptions{})
	require.NoError(t, err)

	_, err = b.UIDFromTime(0.0)
	require.ErrorIs(t, err, ErrNotAvailableAnymore)

	_, err = b.UIDFromTime(10.0)
	require.ErrorIs(t, err, ErrNotAvailableYet)
}

func TestGetFrameRate_WallClock(t *testing.T) {
	b := New(10)
	for i := 0; i < 5; i++ {
		_, err := b.Add(transformPayload(model.Identity()), int64(i), float64(i)*0.1, AddOptions{})
		require.NoError(t, err)
	}
	rate, err := b.GetFrameRate(false, nil)
	require.NoError(t, err)
	require.InDelta(t, 10.0, rate, 0.001)
}
