package warehouse

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand-io/stagehand/pkg/loaderr"
)

// fakeSession is an in-memory Session for pool tests.
type fakeSession struct {
	id      string
	healthy atomic.Bool
	closed  atomic.Bool
	pings   atomic.Int32
}

func newFakeSession(id string) *fakeSession {
	s := &fakeSession{id: id}
	s.healthy.Store(true)
	return s
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) Exec(context.Context, string, ...any) error { return nil }

func (s *fakeSession) QueryRow(context.Context, string, ...any) Row { return nil }

func (s *fakeSession) Query(context.Context, string, ...any) (Rows, error) { return nil, nil }

func (s *fakeSession) SubmitCopy(context.Context, string) (CopyResult, error) {
	return CopyResult{Status: CopySuccess}, nil
}

func (s *fakeSession) SubmitCopyAsync(context.Context, string, time.Time) (*CopyTicket, error) {
	return &CopyTicket{QueryID: "q-" + s.id}, nil
}

func (s *fakeSession) PollCopy(context.Context, *CopyTicket) (CopyResult, error) {
	return CopyResult{Status: CopySuccess}, nil
}

func (s *fakeSession) LookupCopy(context.Context, *CopyTicket) (CopyResult, error) {
	return CopyResult{Status: CopySuccess}, nil
}

func (s *fakeSession) Ping(context.Context) error {
	s.pings.Add(1)
	return nil
}

func (s *fakeSession) Healthy() bool { return s.healthy.Load() }

func (s *fakeSession) Close(context.Context) error {
	s.closed.Store(true)
	return nil
}

// countingDialer hands out fakeSessions with sequential ids.
func countingDialer(dialed *atomic.Int32) Dialer {
	return func(ctx context.Context) (Session, error) {
		n := dialed.Add(1)
		return newFakeSession(fmt.Sprintf("s%d", n)), nil
	}
}

func TestPoolDialsLazilyUpToCapacity(t *testing.T) {
	var dialed atomic.Int32
	p, err := NewPool(PoolConfig{Capacity: 2, Dial: countingDialer(&dialed)})
	require.NoError(t, err)
	defer p.Close(context.Background())

	l1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	l2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), dialed.Load())

	l1.Release()
	l2.Release()

	// Reuse, not redial.
	l3, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer l3.Release()
	assert.Equal(t, int32(2), dialed.Load())
}

func TestPoolCapacityOne(t *testing.T) {
	var dialed atomic.Int32
	p, err := NewPool(PoolConfig{Capacity: 1, AcquireTimeout: 5 * time.Second, Dial: countingDialer(&dialed)})
	require.NoError(t, err)
	defer p.Close(context.Background())

	l1, err := p.Acquire(context.Background())
	require.NoError(t, err)

	acquired := make(chan *Lease, 1)
	go func() {
		l, err := p.Acquire(context.Background())
		require.NoError(t, err)
		acquired <- l
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should block while the session is leased")
	case <-time.After(50 * time.Millisecond):
	}

	l1.Release()
	select {
	case l := <-acquired:
		l.Release()
	case <-time.After(time.Second):
		t.Fatal("waiter never got the released session")
	}
	assert.Equal(t, int32(1), dialed.Load())
}

func TestPoolAcquireTimeout(t *testing.T) {
	var dialed atomic.Int32
	p, err := NewPool(PoolConfig{Capacity: 1, AcquireTimeout: 50 * time.Millisecond, Dial: countingDialer(&dialed)})
	require.NoError(t, err)
	defer p.Close(context.Background())

	l1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer l1.Release()

	_, err = p.Acquire(context.Background())
	require.Error(t, err)
	assert.Equal(t, loaderr.KindTimeout, loaderr.KindOf(err))
}

func TestPoolFIFOWaiterOrder(t *testing.T) {
	var dialed atomic.Int32
	p, err := NewPool(PoolConfig{Capacity: 1, AcquireTimeout: 5 * time.Second, Dial: countingDialer(&dialed)})
	require.NoError(t, err)
	defer p.Close(context.Background())

	l, err := p.Acquire(context.Background())
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			lease, err := p.Acquire(context.Background())
			require.NoError(t, err)
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			lease.Release()
		}(i)
		// Space out submissions so the queue order is deterministic.
		time.Sleep(30 * time.Millisecond)
	}

	l.Release()
	wg.Wait()

	assert.Equal(t, []int{1, 2, 3}, order, "waiters must be served in arrival order")
}

func TestPoolReplacesUnhealthySession(t *testing.T) {
	var dialed atomic.Int32
	p, err := NewPool(PoolConfig{Capacity: 1, Dial: countingDialer(&dialed)})
	require.NoError(t, err)
	defer p.Close(context.Background())

	l1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	bad := l1.Session.(*fakeSession)
	bad.healthy.Store(false)
	l1.Release()

	l2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer l2.Release()

	assert.True(t, bad.closed.Load(), "unhealthy session must be closed")
	assert.NotEqual(t, bad.ID(), l2.ID())
	assert.Equal(t, int32(2), dialed.Load())
}

func TestPoolCloseFailsWaiters(t *testing.T) {
	var dialed atomic.Int32
	p, err := NewPool(PoolConfig{Capacity: 1, AcquireTimeout: 5 * time.Second, Dial: countingDialer(&dialed)})
	require.NoError(t, err)

	l, err := p.Acquire(context.Background())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, p.Close(context.Background()))

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Equal(t, loaderr.KindConnectionLost, loaderr.KindOf(err))
	case <-time.After(time.Second):
		t.Fatal("waiter not released by Close")
	}

	l.Release()
	assert.True(t, l.Session.(*fakeSession).closed.Load(), "leased session closed on release after Close")
}

func TestPoolKeepalivePingsLeasedSession(t *testing.T) {
	var dialed atomic.Int32
	p, err := NewPool(PoolConfig{
		Capacity:          1,
		KeepaliveInterval: 20 * time.Millisecond,
		Dial:              countingDialer(&dialed),
	})
	require.NoError(t, err)
	defer p.Close(context.Background())

	l, err := p.Acquire(context.Background())
	require.NoError(t, err)
	s := l.Session.(*fakeSession)

	time.Sleep(120 * time.Millisecond)
	pingsWhileLeased := s.pings.Load()
	assert.GreaterOrEqual(t, pingsWhileLeased, int32(3))

	l.Release()
	time.Sleep(100 * time.Millisecond)
	assert.LessOrEqual(t, s.pings.Load(), pingsWhileLeased+1, "keepalive must stop after release")
}

func TestPoolRejectsZeroCapacity(t *testing.T) {
	_, err := NewPool(PoolConfig{Capacity: 0, Dial: countingDialer(&atomic.Int32{})})
	require.Error(t, err)
	assert.Equal(t, loaderr.KindConfigInvalid, loaderr.KindOf(err))
}

func TestPoolAcquireCancelled(t *testing.T) {
	var dialed atomic.Int32
	p, err := NewPool(PoolConfig{Capacity: 1, Dial: countingDialer(&dialed)})
	require.NoError(t, err)
	defer p.Close(context.Background())

	l, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer l.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	_, err = p.Acquire(ctx)
	require.Error(t, err)
	assert.Equal(t, loaderr.KindCancelled, loaderr.KindOf(err))
}
