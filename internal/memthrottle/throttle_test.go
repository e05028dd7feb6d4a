package memthrottle

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
)

type fakeProbe struct {
	max  uint64
	used atomic.Uint64
}

func (p *fakeProbe) Max() uint64  { return p.max }
func (p *fakeProbe) Used() uint64 { return p.used.Load() }

func TestAwait(t *testing.T) {
	ctx := context.Background()

	t.Run("returns immediately with headroom", func(t *testing.T) {
		p := &fakeProbe{max: 1000}
		p.used.Store(100)
		gcs := 0
		th := New(WithProbe(p), WithTimeout(time.Hour), WithGC(func() { gcs++ }))

		start := time.Now()
		assert.NoError(t, th.Await(ctx, 500))
		assert.True(t, time.Since(start) < time.Second)
		assert.Equal(t, 0, gcs)
	})

	t.Run("fails with the requested size after timeout", func(t *testing.T) {
		p := &fakeProbe{max: 1000}
		p.used.Store(900)
		gcs := 0
		th := New(WithProbe(p), WithTimeout(20*time.Millisecond), WithInterval(time.Millisecond), WithGC(func() { gcs++ }))

		err := th.Await(ctx, 500)
		assert.True(t, errors.Is(err, ErrMemoryExhausted))
		assert.True(t, strings.Contains(err.Error(), "500 bytes"))
		assert.True(t, gcs > 0)
	})

	t.Run("waits until memory is released", func(t *testing.T) {
		p := &fakeProbe{max: 1000}
		p.used.Store(900)
		th := New(WithProbe(p), WithTimeout(5*time.Second), WithInterval(time.Millisecond), WithGC(func() {
			p.used.Store(100)
		}))
		assert.NoError(t, th.Await(ctx, 500))
	})

	t.Run("unlimited heap", func(t *testing.T) {
		p := &fakeProbe{max: math.MaxUint64}
		th := New(WithProbe(p), WithTimeout(time.Millisecond))
		assert.NoError(t, th.Await(ctx, math.MaxInt64))
	})

	t.Run("context cancellation", func(t *testing.T) {
		p := &fakeProbe{max: 10}
		p.used.Store(10)
		th := New(WithProbe(p), WithTimeout(time.Hour), WithInterval(time.Millisecond), WithGC(func() {}))
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := th.Await(cctx, 5)
		assert.True(t, errors.Is(err, context.Canceled))
	})
}

func TestLineThrottle(t *testing.T) {
	p := &fakeProbe{max: 1000}
	p.used.Store(0)
	lt := NewLineThrottle(New(WithProbe(p)), 64)
	assert.Equal(t, int64(64), lt.Estimate())

	lt.Observe(10)
	lt.Observe(30)
	assert.Equal(t, int64(20), lt.Estimate())

	p.used.Store(990)
	th := New(WithProbe(p), WithTimeout(5*time.Millisecond), WithInterval(time.Millisecond), WithGC(func() {}))
	lt = NewLineThrottle(th, 64)
	assert.True(t, errors.Is(lt.Await(context.Background()), ErrMemoryExhausted))
}
