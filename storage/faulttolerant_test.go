package storage

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("flaky engine")

// flaky fails the first failures calls of every data operation.
type flaky struct {
	*Memory
	failures int32
	calls    atomic.Int32
	starts   atomic.Int32
	stops    atomic.Int32
}

func newFlaky(failures int32) *flaky {
	return &flaky{Memory: NewMemory(), failures: failures}
}

func (f *flaky) fail() error {
	if f.calls.Add(1) <= f.failures {
		return errFlaky
	}
	return nil
}

func (f *flaky) Start() error {
	f.starts.Add(1)
	return f.Memory.Start()
}

func (f *flaky) Stop(waitToFinish bool) error {
	f.stops.Add(1)
	return f.Memory.Stop(waitToFinish)
}

func (f *flaky) StoreMessage(r *MessageRecord) (int64, error) {
	if err := f.fail(); err != nil {
		return 0, err
	}
	return f.Memory.StoreMessage(r)
}

func (f *flaky) RemoveMessage(id int64) (int, error) {
	if err := f.fail(); err != nil {
		return 0, err
	}
	return f.Memory.RemoveMessage(id)
}

func TestFaultTolerantRecovers(t *testing.T) {
	inner := newFlaky(3)
	ft := NewFaultTolerant(inner, FaultToleranceSettings{
		Timeout:         5 * time.Second,
		RetryDelay:      10 * time.Millisecond,
		RestartOnError:  true,
		RestartInterval: time.Hour,
	})
	require.NoError(t, ft.Start())
	defer ft.Stop(true)

	id, err := ft.StoreMessage(testRecord("s2", "s2", "a", "x"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	assert.Equal(t, int32(4), inner.calls.Load())

	// restarted once, the interval suppresses the other two
	assert.Equal(t, 1, ft.Restarts())
	assert.Equal(t, int32(2), inner.starts.Load())
	assert.Equal(t, int32(1), inner.stops.Load())

	list, err := ft.GetWaitingMessagesOfServer("s2", 0, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestFaultTolerantTimeout(t *testing.T) {
	inner := newFlaky(1 << 30)
	ft := NewFaultTolerant(inner, FaultToleranceSettings{
		Timeout:    100 * time.Millisecond,
		RetryDelay: 10 * time.Millisecond,
	})
	require.NoError(t, ft.Start())

	st := time.Now()
	_, err := ft.RemoveMessage(1)
	elapsed := time.Since(st)

	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, "RemoveMessage", fatal.Op)
	assert.Greater(t, fatal.Attempts, 1)
	assert.ErrorIs(t, err, errFlaky)

	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)

	// restarts are off
	assert.Equal(t, 0, ft.Restarts())
	assert.Equal(t, int32(1), inner.starts.Load())
}

func TestFaultTolerantRestartInterval(t *testing.T) {
	inner := newFlaky(4)
	ft := NewFaultTolerant(inner, FaultToleranceSettings{
		Timeout:         10 * time.Minute,
		RetryDelay:      time.Millisecond,
		RestartOnError:  true,
		RestartInterval: time.Minute,
	})

	now := time.Now()
	ft.now = func() time.Time { return now }
	ft.sleep = func(d time.Duration) { now = now.Add(30 * time.Second) }

	require.NoError(t, ft.Start())

	_, err := ft.StoreMessage(testRecord("s2", "s2", "a", "x"))
	require.NoError(t, err)

	// failures at t=0s, 30s, 60s, 90s: restarts at 0s and 60s
	assert.Equal(t, 2, ft.Restarts())
}

func TestFaultTolerantInvalidMessage(t *testing.T) {
	ft := NewFaultTolerant(NewMemory(), FaultToleranceSettings{Timeout: time.Hour})
	require.NoError(t, ft.Start())

	_, err := ft.StoreMessage(&MessageRecord{})
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestFaultToleranceDefaults(t *testing.T) {
	var s FaultToleranceSettings
	s.SetDefault()

	assert.Equal(t, 90*time.Second, s.Timeout)
	assert.Equal(t, time.Second, s.RetryDelay)
	assert.Equal(t, 60*time.Second, s.RestartInterval)
	assert.True(t, DefaultFaultToleranceSettings().RestartOnError)
}
