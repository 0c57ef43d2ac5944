// Package writerpool implements the writer pool of spec.md §4.10: two
// fixed, power-of-two-sized job queues (one per job kind) each drained
// by a single consumer goroutine, giving the processing thread
// backpressure for free whenever a queue fills. Grounded on the
// teacher's manager.BufferPoolManager flush-list consumer
// (server/innodb/manager/buffer_pool_manager.go in the reference
// corpus), generalised from one dirty-page flusher to two job kinds
// with distinct targets.
package writerpool

import (
	"sync"

	jerrors "github.com/juju/errors"
	"github.com/sirupsen/logrus"

	"github.com/zhukovaskychina/peerlog/peerlog"
	"github.com/zhukovaskychina/peerlog/peerlog/bufpool"
)

// Kind distinguishes the two job shapes spec.md §4.9 can submit.
type Kind int

const (
	WriteSecondary Kind = iota
	WritePrimary
)

// NotPooled marks a Job.Buf that was not obtained from the bufpool
// (e.g. a seclogbuf spill or an accumulated primary-log batch, both
// plain append-built slices): the consumer skips returning it to the
// pool once the write completes, since pushing an arbitrarily-sized
// buffer onto a fixed-size free list would hand a future Get caller a
// buffer of the wrong length.
const NotPooled bufpool.SizeClass = -1

func (k Kind) String() string {
	if k == WriteSecondary {
		return "write_secondary"
	}
	return "write_primary"
}

// SecondaryTarget is the capability a WriteSecondary job needs from its
// range's secondary log.
type SecondaryTarget interface {
	SegmentForInsert(length int64) (int, error)
	AppendSegment(segIdx int, buf []byte, writePos int64, length int, accessedByReorg bool) error
	UsedBytes(segIdx int) int64
}

// PrimaryTarget is the capability a WritePrimary job needs from the
// primary log.
type PrimaryTarget interface {
	AppendBatch(data []byte, ranges []peerlog.RangeKey) error
}

// Job is one unit of writer-pool work. Buf is a bufpool buffer unless
// Class is NotPooled; the consumer returns a pooled Buf to pool once the
// write completes, whether or not it succeeded, and leaves a NotPooled
// one alone.
type Job struct {
	Kind   Kind
	Range  peerlog.RangeKey   // WriteSecondary target
	Ranges []peerlog.RangeKey // WritePrimary contributing ranges
	Buf    []byte
	Class  bufpool.SizeClass
	Length int
}

// Pool runs the two job-kind consumers. PushJob blocks the caller (the
// processing thread) once the relevant queue is full, which is the
// whole of spec.md §4.10's backpressure story.
type Pool struct {
	secQueue chan Job
	priQueue chan Job

	secMu      sync.RWMutex
	secTargets map[peerlog.RangeKey]SecondaryTarget
	primary    PrimaryTarget
	bufs       *bufpool.Pool

	log   *logrus.Logger
	stats peerlog.Stats

	wg   sync.WaitGroup
	done chan struct{}
}

// New starts the pool's two consumer goroutines. queueSlots must be a
// power of two (spec.md §4.10); secTargets maps every initialised range
// to its secondary log so a WriteSecondary job can find its target.
func New(queueSlots int, secTargets map[peerlog.RangeKey]SecondaryTarget, primary PrimaryTarget, bufs *bufpool.Pool, log *logrus.Logger, stats peerlog.Stats) (*Pool, error) {
	if queueSlots <= 0 || queueSlots&(queueSlots-1) != 0 {
		return nil, jerrors.Errorf("writerpool: queueSlots must be a power of two, got %d", queueSlots)
	}
	if secTargets == nil {
		secTargets = make(map[peerlog.RangeKey]SecondaryTarget)
	}
	p := &Pool{
		secQueue:   make(chan Job, queueSlots),
		priQueue:   make(chan Job, queueSlots),
		secTargets: secTargets,
		primary:    primary,
		bufs:       bufs,
		log:        log,
		stats:      stats,
		done:       make(chan struct{}),
	}
	p.wg.Add(2)
	go p.consumeSecondary()
	go p.consumePrimary()
	return p, nil
}

// AddSecondaryTarget registers (or replaces) the secondary log a
// WriteSecondary job for key is routed to. Called by a Store when a
// range is initialised, since the pool's consumer goroutines start
// before any range exists.
func (p *Pool) AddSecondaryTarget(key peerlog.RangeKey, target SecondaryTarget) {
	p.secMu.Lock()
	defer p.secMu.Unlock()
	p.secTargets[key] = target
}

// RemoveSecondaryTarget drops key, used by remove_backup_range.
func (p *Pool) RemoveSecondaryTarget(key peerlog.RangeKey) {
	p.secMu.Lock()
	defer p.secMu.Unlock()
	delete(p.secTargets, key)
}

// PushJob enqueues job onto the queue matching its Kind, blocking if
// that queue is full. Returns an error only once the pool has been
// closed.
func (p *Pool) PushJob(job Job) error {
	queue := p.secQueue
	if job.Kind == WritePrimary {
		queue = p.priQueue
	}
	select {
	case queue <- job:
		return nil
	case <-p.done:
		return jerrors.Trace(peerlog.ErrShutdown)
	}
}

func (p *Pool) consumeSecondary() {
	defer p.wg.Done()
	for {
		select {
		case job := <-p.secQueue:
			p.runSecondary(job)
		case <-p.done:
			return
		}
	}
}

func (p *Pool) consumePrimary() {
	defer p.wg.Done()
	for {
		select {
		case job := <-p.priQueue:
			p.runPrimary(job)
		case <-p.done:
			return
		}
	}
}

func (p *Pool) runSecondary(job Job) {
	if job.Class != NotPooled {
		defer p.bufs.Return(job.Class, job.Buf, job.Length, 0)
	}

	p.secMu.RLock()
	target, ok := p.secTargets[job.Range]
	p.secMu.RUnlock()
	if !ok {
		p.log.WithField("range", job.Range.String()).Error("writerpool: write_secondary for unknown range")
		return
	}
	segIdx, err := target.SegmentForInsert(int64(job.Length))
	if err != nil {
		p.log.WithError(err).WithField("range", job.Range.String()).Error("writerpool: segment_for_insert failed")
		return
	}
	writePos := target.UsedBytes(segIdx)
	if err := target.AppendSegment(segIdx, job.Buf, writePos, job.Length, true); err != nil {
		p.log.WithError(err).WithField("range", job.Range.String()).Error("writerpool: append_segment failed")
	}
}

func (p *Pool) runPrimary(job Job) {
	if job.Class != NotPooled {
		defer p.bufs.Return(job.Class, job.Buf, job.Length, 0)
	}
	if err := p.primary.AppendBatch(job.Buf[:job.Length], job.Ranges); err != nil {
		p.log.WithError(err).Error("writerpool: append_batch failed")
	}
}

// Close stops both consumers once their current job (if any) finishes
// and waits for them to exit.
func (p *Pool) Close() {
	close(p.done)
	p.wg.Wait()
}
