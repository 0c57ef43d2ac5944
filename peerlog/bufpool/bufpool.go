// Package bufpool is the segment buffer pool of spec.md §4.2: three
// bounded free-lists of page-aligned byte buffers (small, medium,
// large), reused across flushes so the sort/dispatch stage and the
// writer pool never pressure the allocator on the hot path. Grounded on
// BufferPool's container/list-backed flushList
// (server/innodb/buffer_pool/buffer_pool.go in the reference corpus),
// generalised from a fixed-page-size LRU cache to three size classes of
// free, interchangeable buffers.
package bufpool

import (
	"container/list"
	"sync"

	jerrors "github.com/juju/errors"
)

// SizeClass identifies one of the pool's three buffer sizes.
type SizeClass int

const (
	Small SizeClass = iota
	Medium
	Large
	numClasses
)

func (c SizeClass) String() string {
	switch c {
	case Small:
		return "small"
	case Medium:
		return "medium"
	case Large:
		return "large"
	default:
		return "unknown"
	}
}

// Config sizes the three classes and bounds how many buffers of each
// are kept on the free list before Get falls back to the allocator and
// Return simply drops the buffer for GC.
type Config struct {
	SmallSize, MediumSize, LargeSize    int
	SmallCount, MediumCount, LargeCount int
}

// DefaultConfig sizes small buffers to one flash page, medium to one
// eighth of a default log segment, and large to a full default log
// segment (spec.md §6 defaults: flash_page_size=4096, log_segment_size
// default 8 MiB).
func DefaultConfig() Config {
	return Config{
		SmallSize:   4 * 1024,
		MediumSize:  1024 * 1024,
		LargeSize:   8 * 1024 * 1024,
		SmallCount:  256,
		MediumCount: 64,
		LargeCount:  16,
	}
}

type class struct {
	size     int
	maxKept  int
	mu       sync.Mutex
	freeList *list.List // of []byte
}

func newClass(size, maxKept int) *class {
	return &class{size: size, maxKept: maxKept, freeList: list.New()}
}

func (c *class) get() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.freeList.Front(); e != nil {
		c.freeList.Remove(e)
		return e.Value.([]byte)
	}
	return make([]byte, c.size)
}

func (c *class) put(buf []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.freeList.Len() >= c.maxKept {
		return
	}
	c.freeList.PushBack(buf)
}

// Pool is the segment buffer pool. Safe for concurrent use; each size
// class has its own lock so Get/Return on different classes never
// contend.
type Pool struct {
	classes [numClasses]*class
}

func New(cfg Config) *Pool {
	return &Pool{classes: [numClasses]*class{
		Small:  newClass(cfg.SmallSize, cfg.SmallCount),
		Medium: newClass(cfg.MediumSize, cfg.MediumCount),
		Large:  newClass(cfg.LargeSize, cfg.LargeCount),
	}}
}

// classFor returns the smallest class whose capacity is >= need, or an
// error if it exceeds even the large class.
func (p *Pool) classFor(need int) (SizeClass, error) {
	for _, c := range []SizeClass{Small, Medium, Large} {
		if need <= p.classes[c].size {
			return c, nil
		}
	}
	return 0, jerrors.Errorf("bufpool: requested length %d exceeds largest size class (%d)", need, p.classes[Large].size)
}

// Get returns a buffer of length len(buf) == the chosen class's
// capacity, sized to hold at least `need` bytes. The returned slice may
// carry stale data past any caller-tracked write position; callers
// track their own fill length.
func (p *Pool) Get(need int) ([]byte, SizeClass, error) {
	class, err := p.classFor(need)
	if err != nil {
		return nil, 0, jerrors.Trace(err)
	}
	return p.classes[class].get(), class, nil
}

// Return resets buf's tail to padByte from fillLen onward (so a
// Direct/Raw backend never writes stale bytes past the logical
// payload) and pushes it back onto its class's free list.
func (p *Pool) Return(class SizeClass, buf []byte, fillLen int, padByte byte) {
	if fillLen >= 0 && fillLen < len(buf) {
		tail := buf[fillLen:]
		for i := range tail {
			tail[i] = padByte
		}
	}
	p.classes[class].put(buf)
}

// CapacityOf returns the buffer size for the given class.
func (p *Pool) CapacityOf(class SizeClass) int {
	return p.classes[class].size
}
