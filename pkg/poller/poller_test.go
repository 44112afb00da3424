package poller

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"provisioner/pkg/proto"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestStopsOnReady(t *testing.T) {
	var calls atomic.Int32
	check := func(ctx context.Context) (proto.Status, error) {
		if calls.Add(1) >= 3 {
			return proto.Status{Ready: true, URL: "https://y"}, nil
		}
		return proto.Status{Ready: false, Stage: proto.StageDomainVerifying}, nil
	}

	statuses := make(chan proto.Status, 8)
	p := New(10*time.Millisecond, 5*time.Second)
	defer p.Wait()

	require.NoError(t, p.Start(context.Background(), check, func(st proto.Status) { statuses <- st }, nil))

	var last proto.Status
	for {
		select {
		case st := <-statuses:
			last = st
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for ready status")
		}
		if last.Ready {
			break
		}
	}

	assert.Equal(t, "https://y", last.URL)
	p.Wait()
	assert.Equal(t, int32(3), calls.Load(), "poller must stop once ready is observed")
}

func TestNoOverlappingChecks(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	check := func(ctx context.Context) (proto.Status, error) {
		cur := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			prev := maxInFlight.Load()
			if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond) // three tick periods
		return proto.Status{Ready: false}, nil
	}

	p := New(10*time.Millisecond, 200*time.Millisecond)
	done := make(chan struct{})
	require.NoError(t, p.Start(context.Background(), check, nil, func() { close(done) }))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected timeout callback")
	}
	p.Wait()

	assert.Equal(t, int32(1), maxInFlight.Load(), "a slow check must not be overlapped")
}

func TestTimeoutAfterMaxWindow(t *testing.T) {
	check := func(ctx context.Context) (proto.Status, error) {
		return proto.Status{Ready: false}, nil
	}

	var timedOut atomic.Bool
	p := New(5*time.Millisecond, 40*time.Millisecond)
	require.NoError(t, p.Start(context.Background(), check, nil, func() { timedOut.Store(true) }))
	p.Wait()

	assert.True(t, timedOut.Load())
}

func TestTransientFailuresDoNotStopPolling(t *testing.T) {
	var calls atomic.Int32
	check := func(ctx context.Context) (proto.Status, error) {
		n := calls.Add(1)
		if n <= 2 {
			return proto.Status{}, errors.New("connection refused")
		}
		return proto.Status{Ready: true, URL: "https://y"}, nil
	}

	statuses := make(chan proto.Status, 8)
	p := New(5*time.Millisecond, 5*time.Second)
	require.NoError(t, p.Start(context.Background(), check, func(st proto.Status) { statuses <- st }, nil))

	var sawFailure, sawReady bool
	for !sawReady {
		select {
		case st := <-statuses:
			if st.Err != nil {
				assert.False(t, st.Ready)
				sawFailure = true
			}
			if st.Ready {
				sawReady = true
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out")
		}
	}
	p.Wait()

	assert.True(t, sawFailure, "transient failures should surface as non-ready statuses")
	assert.Equal(t, 0, p.Failures(), "failure streak resets on success")
}

func TestStopIsIdempotent(t *testing.T) {
	p := New(5*time.Millisecond, time.Second)
	require.NoError(t, p.Start(context.Background(), func(ctx context.Context) (proto.Status, error) {
		return proto.Status{}, nil
	}, nil, nil))

	p.Stop()
	p.Stop()
	p.Wait()
}

func TestStartTwiceFails(t *testing.T) {
	p := New(5*time.Millisecond, time.Second)
	check := func(ctx context.Context) (proto.Status, error) { return proto.Status{}, nil }

	require.NoError(t, p.Start(context.Background(), check, nil, nil))
	assert.ErrorIs(t, p.Start(context.Background(), check, nil, nil), ErrAlreadyStarted)
	p.Stop()
	p.Wait()
}

func TestContextCancellationStopsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var timedOut atomic.Bool

	p := New(5*time.Millisecond, time.Second)
	require.NoError(t, p.Start(ctx, func(ctx context.Context) (proto.Status, error) {
		return proto.Status{}, nil
	}, nil, func() { timedOut.Store(true) }))

	cancel()
	p.Wait()
	assert.False(t, timedOut.Load(), "cancellation is not a poll timeout")
}
