package framebridge

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-call/internal/media"
)

func frameN(n int) media.Frame {
	data := make([]byte, media.I420Size(2, 2))
	data[0] = byte(n)
	return media.Frame{
		Width:     2,
		Height:    2,
		Format:    media.PixelFormatI420,
		Data:      data,
		Timestamp: time.Duration(n),
	}
}

func TestBridge_OverflowKeepsMostRecentInOrder(t *testing.T) {
	for _, capacity := range []int{1, DefaultLocalCapacity, DefaultRemoteCapacity} {
		for _, total := range []int{capacity, capacity + 1, capacity*3 + 2} {
			b := New(media.DirectionRemote, capacity)
			for i := 0; i < total; i++ {
				b.Enqueue(frameN(i))
			}

			for i := total - capacity; i < total; i++ {
				f, ok := b.TryServe()
				require.True(t, ok, "capacity=%d total=%d", capacity, total)
				assert.Equal(t, time.Duration(i), f.Timestamp, "capacity=%d total=%d", capacity, total)
			}
			_, ok := b.TryServe()
			assert.False(t, ok)

			st := b.Stats()
			assert.EqualValues(t, total, st.Enqueued)
			assert.EqualValues(t, total-capacity, st.Dropped)
			assert.EqualValues(t, capacity, st.Served)
		}
	}
}

func TestBridge_EnqueueReportsDrop(t *testing.T) {
	b := New(media.DirectionLocal, 2)
	assert.False(t, b.Enqueue(frameN(0)))
	assert.False(t, b.Enqueue(frameN(1)))
	assert.True(t, b.Enqueue(frameN(2)))
	assert.Equal(t, 2, b.Len())
}

func TestBridge_EmptyServeReturnsNoData(t *testing.T) {
	b := New(media.DirectionLocal, DefaultLocalCapacity)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, ok := b.TryServe()
		assert.False(t, ok)
		_, ok, err := b.TryServeInto(make([]byte, 16))
		assert.False(t, ok)
		assert.NoError(t, err)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		require.FailNow(t, "TryServe blocked on an empty bridge")
	}
	assert.EqualValues(t, 2, b.Stats().Misses)
}

func TestBridge_TryServeIntoCopiesPlanes(t *testing.T) {
	b := New(media.DirectionRemote, DefaultRemoteCapacity)
	b.Enqueue(frameN(7))

	_, ok, err := b.TryServeInto(make([]byte, 5))
	require.ErrorIs(t, err, ErrShortBuffer)
	require.False(t, ok)
	require.Equal(t, 1, b.Len(), "short buffer must not consume the frame")

	dst := make([]byte, media.I420Size(2, 2))
	f, ok, err := b.TryServeInto(dst)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, byte(7), dst[0])
	assert.Equal(t, 2, f.Width)
	assert.Equal(t, 0, b.Len())
}

func TestBridge_TryServeIntoZeroesUncoveredBytes(t *testing.T) {
	b := New(media.DirectionRemote, 2)
	dst := make([]byte, media.I420Size(2, 2))
	for i := range dst {
		dst[i] = 0xAA
	}

	short := frameN(3)
	short.Data = short.Data[:2]
	b.Enqueue(short)

	f, ok, err := b.TryServeInto(dst)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, f.Width)
	assert.Equal(t, []byte{3, 0}, dst[:2])
	assert.Equal(t, make([]byte, len(dst)-2), dst[2:])
}

func TestBridge_Reset(t *testing.T) {
	b := New(media.DirectionLocal, 3)
	b.Enqueue(frameN(1))
	b.Enqueue(frameN(2))
	b.Reset()
	_, ok := b.TryServe()
	assert.False(t, ok)
	b.Enqueue(frameN(3))
	f, ok := b.TryServe()
	require.True(t, ok)
	assert.Equal(t, time.Duration(3), f.Timestamp)
}

func TestBridge_DirectionAndCapacityFixed(t *testing.T) {
	b := New(media.DirectionRemote, DefaultRemoteCapacity)
	assert.Equal(t, media.DirectionRemote, b.Direction())
	assert.Equal(t, DefaultRemoteCapacity, b.Capacity())
	assert.Panics(t, func() { New(media.DirectionLocal, 0) })
}

func TestBridge_ConcurrentProducersSingleConsumer(t *testing.T) {
	const (
		producers = 8
		capacity  = DefaultRemoteCapacity
	)
	b := New(media.DirectionRemote, capacity)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				b.Enqueue(frameN(p*1000 + i))
			}
		}(p)
	}

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		dst := make([]byte, media.I420Size(2, 2))
		for {
			select {
			case <-stop:
				return
			default:
			}
			if _, _, err := b.TryServeInto(dst); !assert.NoError(t, err) {
				return
			}
			if !assert.LessOrEqual(t, b.Len(), capacity) {
				return
			}
		}
	}()

	time.Sleep(200 * time.Millisecond)
	close(stop)
	wg.Wait()
	<-consumerDone

	assert.LessOrEqual(t, b.Len(), capacity)
	st := b.Stats()
	assert.Equal(t, st.Enqueued, st.Served+st.Dropped+uint64(b.Len()))
}
