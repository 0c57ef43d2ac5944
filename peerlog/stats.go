package peerlog

import "sync/atomic"

// Stats is the metrics sink every component takes at construction instead
// of reaching for a thread-local or process-wide counter pool. Passing an
// explicit sink (rather than a singleton) means two Stores in one process
// never share counters, and tests can assert against a private instance.
type Stats interface {
	IncPuts(n uint64)
	IncBytesIngested(n uint64)
	IncPriorityFlush()
	IncTimerFlush()
	IncThresholdFlush()
	SetRingFillBytes(n uint64)
	IncSecondaryWrites(n uint64)
	IncPrimaryWrites(n uint64)
	IncReorgRuns()
	IncReorgReclaimedBytes(n uint64)
	IncCorruption()
}

// AtomicStats is the default in-memory Stats implementation: a flat set
// of atomic counters, snapshotted with Snapshot for export.
type AtomicStats struct {
	puts                uint64
	bytesIngested       uint64
	priorityFlushes     uint64
	timerFlushes        uint64
	thresholdFlushes    uint64
	ringFillBytes       uint64
	secondaryWrites     uint64
	primaryWrites       uint64
	reorgRuns           uint64
	reorgReclaimedBytes uint64
	corruptionEvents    uint64
}

func NewAtomicStats() *AtomicStats { return &AtomicStats{} }

func (s *AtomicStats) IncPuts(n uint64)              { atomic.AddUint64(&s.puts, n) }
func (s *AtomicStats) IncBytesIngested(n uint64)     { atomic.AddUint64(&s.bytesIngested, n) }
func (s *AtomicStats) IncPriorityFlush()             { atomic.AddUint64(&s.priorityFlushes, 1) }
func (s *AtomicStats) IncTimerFlush()                { atomic.AddUint64(&s.timerFlushes, 1) }
func (s *AtomicStats) IncThresholdFlush()            { atomic.AddUint64(&s.thresholdFlushes, 1) }
func (s *AtomicStats) SetRingFillBytes(n uint64)     { atomic.StoreUint64(&s.ringFillBytes, n) }
func (s *AtomicStats) IncSecondaryWrites(n uint64)   { atomic.AddUint64(&s.secondaryWrites, n) }
func (s *AtomicStats) IncPrimaryWrites(n uint64)     { atomic.AddUint64(&s.primaryWrites, n) }
func (s *AtomicStats) IncReorgRuns()                 { atomic.AddUint64(&s.reorgRuns, 1) }
func (s *AtomicStats) IncReorgReclaimedBytes(n uint64) {
	atomic.AddUint64(&s.reorgReclaimedBytes, n)
}
func (s *AtomicStats) IncCorruption() { atomic.AddUint64(&s.corruptionEvents, 1) }

// Snapshot is a point-in-time copy of every counter, safe to read from
// another goroutine (e.g. a stats-export collaborator outside this
// package's scope).
type Snapshot struct {
	Puts, BytesIngested                              uint64
	PriorityFlushes, TimerFlushes, ThresholdFlushes   uint64
	RingFillBytes, SecondaryWrites, PrimaryWrites     uint64
	ReorgRuns, ReorgReclaimedBytes, CorruptionEvents  uint64
}

func (s *AtomicStats) Snapshot() Snapshot {
	return Snapshot{
		Puts:                atomic.LoadUint64(&s.puts),
		BytesIngested:       atomic.LoadUint64(&s.bytesIngested),
		PriorityFlushes:     atomic.LoadUint64(&s.priorityFlushes),
		TimerFlushes:        atomic.LoadUint64(&s.timerFlushes),
		ThresholdFlushes:    atomic.LoadUint64(&s.thresholdFlushes),
		RingFillBytes:       atomic.LoadUint64(&s.ringFillBytes),
		SecondaryWrites:     atomic.LoadUint64(&s.secondaryWrites),
		PrimaryWrites:       atomic.LoadUint64(&s.primaryWrites),
		ReorgRuns:           atomic.LoadUint64(&s.reorgRuns),
		ReorgReclaimedBytes: atomic.LoadUint64(&s.reorgReclaimedBytes),
		CorruptionEvents:    atomic.LoadUint64(&s.corruptionEvents),
	}
}

// noopStats discards everything; used where a caller doesn't pass one.
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

// NoopStats is the default Stats sink for a Store that was not given one
// explicitly.
var NoopStats Stats = noopStats{}
