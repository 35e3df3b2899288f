package gcrequest

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestWakesWaiter(t *testing.T) {
	r := NewRequester()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, full, stop := r.wait()
		assert.False(t, stop)
		assert.False(t, full)
	}()
	r.Request()
	<-done
}

func TestConcurrentRequestsCoalesce(t *testing.T) {
	r := NewRequester()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Request()
		}()
	}
	wg.Wait()

	// All sixteen requests coalesce into a single pending wakeup.
	_, _, stop := r.wait()
	require.False(t, stop)

	woke := make(chan struct{})
	go func() {
		r.wait()
		close(woke)
	}()
	select {
	case <-woke:
		t.Fatal("a second wait must block: the coalesced requests were already consumed")
	case <-time.After(20 * time.Millisecond):
	}
	r.Shutdown()
	<-woke
}

func TestFullHeapFlagCoalescesWithOr(t *testing.T) {
	r := NewRequester()
	r.Request()
	r.RequestFull()
	r.Request()

	_, full, stop := r.wait()
	require.False(t, stop)
	assert.True(t, full, "one full-heap request among coalesced ones must force the full flag")
}

func TestFullHeapFlagClearsAfterWait(t *testing.T) {
	r := NewRequester()
	r.RequestFull()
	_, full, _ := r.wait()
	require.True(t, full)

	r.Request()
	_, full, _ = r.wait()
	assert.False(t, full, "a plain request after the full one must not inherit the stale flag")
}

func TestShutdownUnblocksWaiter(t *testing.T) {
	r := NewRequester()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, stop := r.wait()
		assert.True(t, stop)
	}()
	r.Shutdown()
	<-done
}
