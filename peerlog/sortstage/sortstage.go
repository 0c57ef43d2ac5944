// Package sortstage implements the processing/sort stage of spec.md
// §4.9: the single goroutine that drains the primary write buffer,
// classifies each range's pending bytes as tentative-primary or
// secondary-direct, and dispatches writer-pool jobs. Grounded on the
// teacher's checkpoint/flush coordinator shape
// (server/innodb/manager/buffer_pool_manager.go's flushList drain loop
// in the reference corpus), generalised from one dirty-page list to
// many concurrently-growing per-range buffers drained from a ring.
package sortstage

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zhukovaskychina/peerlog/peerlog"
	"github.com/zhukovaskychina/peerlog/peerlog/bufpool"
	"github.com/zhukovaskychina/peerlog/peerlog/header"
	"github.com/zhukovaskychina/peerlog/peerlog/seclogbuf"
	"github.com/zhukovaskychina/peerlog/peerlog/writerpool"
)

// Ring is the capability the sort stage drains. Satisfied by
// *ring.Ring; kept as an interface so tests can drive the stage against
// a small fake.
type Ring interface {
	Wake() <-chan struct{}
	BytesPending() uint32
	PriorityFlush() bool
	StealRangeSizeMap() map[peerlog.RangeKey]int64
	ReadAt(offset uint32, dst []byte)
	AdvanceReadPointer(n uint32)
}

// ReorgNotifiee is the cooperative yield point the reorganisation
// thread exposes; the sort stage calls it once per flush (spec.md
// §4.11 step 6). Optional: a nil ReorgNotifiee (via NopReorgNotifiee)
// is fine when no reorganisation thread is wired up, e.g. in tests.
type ReorgNotifiee interface {
	GrantAccessToCurrentLog()
}

type nopReorgNotifiee struct{}

func (nopReorgNotifiee) GrantAccessToCurrentLog() {}

// NopReorgNotifiee is the default ReorgNotifiee when none is supplied.
var NopReorgNotifiee ReorgNotifiee = nopReorgNotifiee{}

// Config sizes and times the stage's wakeup behaviour.
type Config struct {
	// SecondaryLogBufferSize is the per-range pending-bytes threshold
	// above which a range's entries are converted to secondary format
	// immediately instead of buffered as tentative-primary.
	SecondaryLogBufferSize int64
	// TwoLevelLogging, when true, also copies the bytes a range's
	// secondary log buffer absorbs into this pass's primary log batch;
	// when false they stay only in the buffer. Bytes the buffer cannot
	// absorb go to the secondary log in both modes.
	TwoLevelLogging bool
	// Timeout is processthread_timeout: how long the stage waits for a
	// wake signal before running a periodic drain anyway.
	Timeout time.Duration
}

// nodeBuf is one pool-backed (or, for PrimaryBatch accumulation,
// plain) buffer a node has filled.
type nodeBuf struct {
	buf     []byte
	class   bufpool.SizeClass
	fillLen int
}

// node accumulates one range's bytes for this drain pass, across
// however many pool buffers it takes ("overflow within a node spills
// into a new segment from the pool", spec.md §4.9 step 3).
type node struct {
	key            peerlog.RangeKey
	secondaryDirect bool
	bufs           []*nodeBuf
}

func (n *node) append(data []byte, pool *bufpool.Pool) {
	for len(data) > 0 {
		cur := n.current()
		if cur == nil {
			buf, class, err := pool.Get(len(data))
			if err != nil {
				// Larger than even the Large class: fall back to a
				// plain allocation sized exactly to what's left: rare
				// (a single chained sub-entry can never exceed
				// max_entry_size, so this only happens if the pool's
				// Large class was configured smaller than that), but
				// must not lose bytes.
				cur = &nodeBuf{buf: make([]byte, len(data)), class: writerpool.NotPooled}
			} else {
				cur = &nodeBuf{buf: buf, class: class}
			}
			n.bufs = append(n.bufs, cur)
		}
		room := len(cur.buf) - cur.fillLen
		take := room
		if take > len(data) {
			take = len(data)
		}
		copy(cur.buf[cur.fillLen:], data[:take])
		cur.fillLen += take
		data = data[take:]
	}
}

func (n *node) current() *nodeBuf {
	if len(n.bufs) == 0 {
		return nil
	}
	last := n.bufs[len(n.bufs)-1]
	if last.fillLen < len(last.buf) {
		return last
	}
	return nil
}

// Stage is the processing thread. One goroutine ever calls drainOnce;
// Start/Stop manage that goroutine's lifecycle.
type Stage struct {
	ring   Ring
	pool   *bufpool.Pool
	secBuf *seclogbuf.Registry
	writer *writerpool.Pool
	reorg  ReorgNotifiee
	cfg    Config

	log   *logrus.Logger
	stats peerlog.Stats

	done chan struct{}
	wg   sync.WaitGroup
}

// New wires a sort stage. secBuf must already carry an entry for every
// initialised range before that range's entries reach the ring.
func New(r Ring, pool *bufpool.Pool, secBuf *seclogbuf.Registry, writer *writerpool.Pool, reorg ReorgNotifiee, cfg Config, log *logrus.Logger, stats peerlog.Stats) *Stage {
	if reorg == nil {
		reorg = NopReorgNotifiee
	}
	return &Stage{
		ring:   r,
		pool:   pool,
		secBuf: secBuf,
		writer: writer,
		reorg:  reorg,
		cfg:    cfg,
		log:    log,
		stats:  stats,
		done:   make(chan struct{}),
	}
}

// Start runs the wakeup loop in a new goroutine.
func (s *Stage) Start() {
	s.wg.Add(1)
	go s.loop()
}

// Stop signals the loop to exit and waits for it to do so.
func (s *Stage) Stop() {
	close(s.done)
	s.wg.Wait()
}

func (s *Stage) loop() {
	defer s.wg.Done()
	timer := time.NewTimer(s.cfg.Timeout)
	defer timer.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-s.ring.Wake():
		case <-timer.C:
			s.stats.IncTimerFlush()
		}
		s.DrainOnce()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.cfg.Timeout)
	}
}

// DrainOnce runs exactly one pass of spec.md §4.9's six steps. Exported
// so tests (and a caller wanting a synchronous flush, e.g. before
// shutdown) can trigger it directly instead of waiting for a wakeup.
func (s *Stage) DrainOnce() {
	priorityFlush := s.ring.PriorityFlush()
	bytesInRing := s.ring.BytesPending()
	if bytesInRing == 0 {
		return
	}
	if priorityFlush {
		s.stats.IncPriorityFlush()
	}

	pending := s.ring.StealRangeSizeMap()

	nodes := make(map[peerlog.RangeKey]*node)
	var order []peerlog.RangeKey
	nodeFor := func(key peerlog.RangeKey) *node {
		n, ok := nodes[key]
		if !ok {
			size := pending[key]
			n = &node{key: key, secondaryDirect: size >= s.cfg.SecondaryLogBufferSize}
			nodes[key] = n
			order = append(order, key)
		}
		return n
	}

	var pos uint32
	probe := make([]byte, header.MaxSize)
	for pos < bytesInRing {
		probeLen := uint32(len(probe))
		if pos+probeLen > bytesInRing {
			probeLen = bytesInRing - pos
		}
		s.ring.ReadAt(pos, probe[:probeLen])
		size, ok := header.IsReadable(probe[:probeLen])
		if !ok {
			break
		}
		headerBuf := make([]byte, size)
		s.ring.ReadAt(pos, headerBuf)
		h, hsize, err := header.Decode(headerBuf)
		if err != nil {
			s.stats.IncCorruption()
			break
		}
		entryTotal := hsize + int(h.Length)
		entryBuf := make([]byte, entryTotal)
		s.ring.ReadAt(pos, entryBuf)

		key := peerlog.RangeKey{OwnerID: h.Owner, RangeID: h.RangeID}
		n := nodeFor(key)
		if n.secondaryDirect {
			entryBuf = convertToSecondary(h, hsize, entryBuf)
		}
		n.append(entryBuf, s.pool)

		pos += uint32(entryTotal)
	}

	var primaryBatch []byte
	var primaryRanges []peerlog.RangeKey
	seenPrimaryRange := make(map[peerlog.RangeKey]bool)

	for _, key := range order {
		n := nodes[key]
		if n.secondaryDirect {
			for _, nb := range n.bufs {
				s.submitSecondary(key, nb)
			}
			continue
		}

		buf, ok := s.secBuf.Get(key)
		if !ok {
			s.log.WithField("range", key.String()).Error("sortstage: no secondary log buffer registered for range")
			continue
		}
		for _, nb := range n.bufs {
			combined, spilled := buf.BufferData(nb.buf[:nb.fillLen])
			switch {
			case spilled:
				s.writer.PushJob(writerpool.Job{
					Kind:   writerpool.WriteSecondary,
					Range:  key,
					Buf:    combined,
					Class:  writerpool.NotPooled,
					Length: len(combined),
				})
			case s.cfg.TwoLevelLogging:
				// Absorbed into the in-memory buffer rather than written
				// to a secondary log; its only durability so far is
				// whatever this pass puts in the primary log. Copy the
				// bytes out before the pool buffer they live in gets
				// returned and possibly reused.
				primaryBatch = append(primaryBatch, nb.buf[:nb.fillLen]...)
				if !seenPrimaryRange[key] {
					seenPrimaryRange[key] = true
					primaryRanges = append(primaryRanges, key)
				}
			}
			if nb.class != writerpool.NotPooled {
				s.pool.Return(nb.class, nb.buf, nb.fillLen, 0)
			}
		}
	}

	if len(primaryBatch) > 0 {
		if err := s.writer.PushJob(writerpool.Job{
			Kind:   writerpool.WritePrimary,
			Ranges: primaryRanges,
			Buf:    primaryBatch,
			Class:  writerpool.NotPooled,
			Length: len(primaryBatch),
		}); err != nil {
			s.log.WithError(err).Error("sortstage: push write_primary failed")
		}
	}

	s.ring.AdvanceReadPointer(bytesInRing)
	s.reorg.GrantAccessToCurrentLog()
}

func (s *Stage) submitSecondary(key peerlog.RangeKey, nb *nodeBuf) {
	if err := s.writer.PushJob(writerpool.Job{
		Kind:   writerpool.WriteSecondary,
		Range:  key,
		Buf:    nb.buf,
		Class:  nb.class,
		Length: nb.fillLen,
	}); err != nil {
		s.log.WithError(err).WithField("range", key.String()).Error("sortstage: push write_secondary failed")
	}
}

// convertToSecondary rewrites entryBuf's leading primary header as a
// secondary header in place and returns the (shorter) valid slice,
// per spec.md §4.4's convert_and_put.
func convertToSecondary(h header.Header, primarySize int, entryBuf []byte) []byte {
	offset, _, err := header.ConvertAndPut(h, primarySize, entryBuf, 0)
	if err != nil {
		return entryBuf
	}
	return entryBuf[offset:]
}
