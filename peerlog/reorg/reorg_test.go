package reorg_test

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/peerlog/peerlog"
	"github.com/zhukovaskychina/peerlog/peerlog/reorg"
)

type noopStats struct{}

func (noopStats) IncPuts(uint64)                {}
func (noopStats) IncBytesIngested(uint64)       {}
func (noopStats) IncPriorityFlush()             {}
func (noopStats) IncTimerFlush()                {}
func (noopStats) IncThresholdFlush()            {}
func (noopStats) SetRingFillBytes(uint64)       {}
func (noopStats) IncSecondaryWrites(uint64)     {}
func (noopStats) IncPrimaryWrites(uint64)       {}
func (noopStats) IncReorgRuns()                 {}
func (noopStats) IncReorgReclaimedBytes(uint64) {}
func (noopStats) IncCorruption()                {}

type fakeTarget struct {
	mu         sync.Mutex
	key        peerlog.RangeKey
	candidates []int // segments still needing reorg, consumed in order
	reorgCalls int
	locked     bool
}

func (f *fakeTarget) Key() peerlog.RangeKey { return f.key }

func (f *fakeTarget) MostInvalidatedSegment(threshold float64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.candidates) == 0 {
		return -1
	}
	return f.candidates[0]
}

func (f *fakeTarget) LockForReorg()   { f.locked = true }
func (f *fakeTarget) UnlockForReorg() { f.locked = false }

func (f *fakeTarget) ReorganiseSegment(segIdx int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = f.candidates[1:]
	f.reorgCalls++
	return 1024, nil
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func TestRoundRobinVisitsCompactsMostInvalidatedSegment(t *testing.T) {
	target := &fakeTarget{key: peerlog.RangeKey{OwnerID: 1, RangeID: 1}, candidates: []int{3}}
	thread := reorg.New(0.6, 4, testLogger(), noopStats{})
	thread.AddTarget(target)
	thread.Start()
	defer thread.Stop()

	require.Eventually(t, func() bool {
		target.mu.Lock()
		defer target.mu.Unlock()
		return target.reorgCalls == 1
	}, time.Second, time.Millisecond)
}

func TestEnqueuePrioritisesTargetAheadOfRoundRobin(t *testing.T) {
	idle := &fakeTarget{key: peerlog.RangeKey{OwnerID: 1, RangeID: 1}}
	urgent := &fakeTarget{key: peerlog.RangeKey{OwnerID: 1, RangeID: 2}, candidates: []int{0, 1}}
	thread := reorg.New(0.6, 4, testLogger(), noopStats{})
	thread.AddTarget(idle)
	thread.AddTarget(urgent)
	thread.Enqueue(urgent.key)
	thread.Start()
	defer thread.Stop()

	require.Eventually(t, func() bool {
		urgent.mu.Lock()
		defer urgent.mu.Unlock()
		return len(urgent.candidates) == 0
	}, time.Second, time.Millisecond)
}

func TestWorkBudgetBoundsSegmentsPerVisit(t *testing.T) {
	target := &fakeTarget{key: peerlog.RangeKey{OwnerID: 1, RangeID: 1}, candidates: []int{0, 1, 2, 3, 4, 5}}
	thread := reorg.New(0.6, 2, testLogger(), noopStats{})
	thread.AddTarget(target)
	thread.Start()
	defer thread.Stop()

	// One 50ms tick has fired by now; the second is not due until 100ms.
	time.Sleep(75 * time.Millisecond)
	target.mu.Lock()
	calls := target.reorgCalls
	target.mu.Unlock()
	assert.LessOrEqual(t, calls, 2, "one visit must not exceed the work budget")
}

func TestGrantAccessToCurrentLogStopsEarly(t *testing.T) {
	target := &fakeTarget{key: peerlog.RangeKey{OwnerID: 1, RangeID: 1}, candidates: []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}}
	thread := reorg.New(0.6, 100, testLogger(), noopStats{})
	thread.AddTarget(target)
	thread.Start()
	defer thread.Stop()

	// Simulate the processing thread calling the cooperative yield point
	// on every ring flush, frequently enough to interrupt a long visit.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				thread.GrantAccessToCurrentLog()
			}
		}
	}()

	time.Sleep(30 * time.Millisecond)
	target.mu.Lock()
	calls := target.reorgCalls
	target.mu.Unlock()
	assert.Less(t, calls, 10, "frequent yield requests should cut a long work budget short")
}
