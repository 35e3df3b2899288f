package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// funcPacket adapts a closure into a Packet.
type funcPacket func(ctx *WorkerContext)

func (f funcPacket) Execute(ctx *WorkerContext) { f(ctx) }

func startWorkers(s *Scheduler) *sync.WaitGroup {
	var wg sync.WaitGroup
	for i := 0; i < s.NumWorkers(); i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			s.RunWorker(id)
		}(i)
	}
	return &wg
}

func TestBucketsDrainInTotalOrder(t *testing.T) {
	s := New(4)
	wg := startWorkers(s)
	defer func() { s.Stop(); wg.Wait() }()

	var order []Bucket
	var mu sync.Mutex
	record := func(b Bucket) funcPacket {
		return func(*WorkerContext) {
			mu.Lock()
			order = append(order, b)
			mu.Unlock()
		}
	}

	for _, b := range []Bucket{BucketPrepare, BucketClosure, BucketRelease} {
		packets := []Packet{record(b), record(b), record(b)}
		s.RunBucket(b, packets)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 9)
	for i := 1; i < len(order); i++ {
		assert.LessOrEqual(t, order[i-1], order[i], "no packet from a later bucket may run before an earlier bucket drains")
	}
}

func TestSameBucketChildPacketsRunBeforeDrain(t *testing.T) {
	s := New(2)
	wg := startWorkers(s)
	defer func() { s.Stop(); wg.Wait() }()

	var executed int32
	var spawn funcPacket
	spawn = func(ctx *WorkerContext) {
		n := atomic.AddInt32(&executed, 1)
		if n < 64 {
			ctx.Post(BucketClosure, spawn)
		}
	}

	s.RunBucket(BucketClosure, []Packet{spawn})
	assert.EqualValues(t, 64, atomic.LoadInt32(&executed), "RunBucket must not return until transitively posted packets drain")
}

func TestCrossBucketPostWaitsForActivation(t *testing.T) {
	s := New(2)
	wg := startWorkers(s)
	defer func() { s.Stop(); wg.Wait() }()

	var releaseRan atomic.Bool
	var sawEarly atomic.Bool
	poster := funcPacket(func(ctx *WorkerContext) {
		ctx.Post(BucketRelease, funcPacket(func(*WorkerContext) {
			releaseRan.Store(true)
		}))
	})

	s.RunBucket(BucketClosure, []Packet{poster})
	if releaseRan.Load() {
		sawEarly.Store(true)
	}
	s.RunBucket(BucketRelease, nil)

	assert.False(t, sawEarly.Load(), "a packet posted into a later bucket must wait for that bucket")
	assert.True(t, releaseRan.Load(), "activating the later bucket must run the deferred packet")
}

func TestWorkSpreadsAcrossWorkers(t *testing.T) {
	const workers = 4
	s := New(workers)
	wg := startWorkers(s)
	defer func() { s.Stop(); wg.Wait() }()

	seen := make([]int32, workers)
	var packets []Packet
	for i := 0; i < 256; i++ {
		packets = append(packets, funcPacket(func(ctx *WorkerContext) {
			atomic.AddInt32(&seen[ctx.WorkerID], 1)
		}))
	}
	s.RunBucket(BucketClosure, packets)

	var total int32
	for _, n := range seen {
		total += n
	}
	assert.EqualValues(t, 256, total)
}

func TestRunCoordinatorPacketRunsInline(t *testing.T) {
	s := New(1)
	ran := false
	s.RunCoordinatorPacket(funcPacket(func(ctx *WorkerContext) {
		ran = true
		assert.Equal(t, -1, ctx.WorkerID, "coordinator packets run off-worker")
	}))
	assert.True(t, ran)
}
