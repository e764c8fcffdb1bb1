package toy

import (
	"fmt"
	"sync"
	"time"
)

// CLINT register offsets, relative to the block base.
const (
	CLINTMsip     = 0x0000 // Machine Software Interrupt Pending (4 bytes per hart)
	CLINTMtimecmp = 0x4000 // Machine Timer Compare (8 bytes per hart)
	CLINTMtime    = 0xbff8 // Machine Time

	// CLINTTimebaseFreq is the mtime frequency advertised in /cpus.
	CLINTTimebaseFreq = 10_000_000
)

// TimerBlock is a per-socket timer/software-interrupt block mapped on the bus.
type TimerBlock interface {
	Device
	// Tick raises MTIP on every hart whose compare value has been reached.
	Tick()
}

// TimerFactory creates the timer block of one socket. harts is the socket's
// cluster, with register slot i belonging to harts[i].
type TimerFactory interface {
	NewTimerBlock(base, size uint64, harts []*Hart) (TimerBlock, error)
}

// TimerFactoryFunc adapts a function to TimerFactory.
type TimerFactoryFunc func(base, size uint64, harts []*Hart) (TimerBlock, error)

func (f TimerFactoryFunc) NewTimerBlock(base, size uint64, harts []*Hart) (TimerBlock, error) {
	return f(base, size, harts)
}

// DefaultTimerFactory builds CLINTs clocked from the host at CLINTTimebaseFreq.
var DefaultTimerFactory TimerFactory = TimerFactoryFunc(func(base, size uint64, harts []*Hart) (TimerBlock, error) {
	return NewCLINT(size, harts)
})

// CLINT implements the Core Local Interruptor for a cluster of harts
type CLINT struct {
	mu    sync.Mutex
	harts []*Hart
	size  uint64

	// Machine software interrupt pending, per hart
	msip []uint32

	// Machine timer compare values, per hart
	mtimecmp []uint64

	// Start time for mtime calculation
	startTime time.Time

	// Time scale (nanoseconds per tick)
	nsPerTick uint64

	now func() time.Time
}

// NewCLINT creates a CLINT of the given window size for harts.
func NewCLINT(size uint64, harts []*Hart) (*CLINT, error) {
	if len(harts) == 0 {
		return nil, fmt.Errorf("clint needs at least one hart")
	}
	if need := uint64(CLINTMtimecmp + 8*len(harts)); need > size || size < CLINTMtime+8 {
		return nil, fmt.Errorf("clint window 0x%x too small for %d harts", size, len(harts))
	}
	c := &CLINT{
		harts:     append([]*Hart(nil), harts...),
		size:      size,
		msip:      make([]uint32, len(harts)),
		mtimecmp:  make([]uint64, len(harts)),
		nsPerTick: uint64(time.Second) / CLINTTimebaseFreq,
		now:       time.Now,
	}
	for i := range c.mtimecmp {
		c.mtimecmp[i] = ^uint64(0) // no interrupt initially
	}
	c.startTime = c.now()
	return c, nil
}

// Size implements Device
func (c *CLINT) Size() uint64 {
	return c.size
}

// getMtime returns the current mtime value
func (c *CLINT) getMtime() uint64 {
	elapsed := c.now().Sub(c.startTime).Nanoseconds()
	return uint64(elapsed) / c.nsPerTick
}

// slot maps offset into a per-hart register array with the given stride.
func (c *CLINT) slot(offset, base, stride uint64) (int, uint64, bool) {
	if offset < base {
		return 0, 0, false
	}
	i := (offset - base) / stride
	if i >= uint64(len(c.harts)) {
		return 0, 0, false
	}
	return int(i), (offset - base) % stride, true
}

// Read implements Device
func (c *CLINT) Read(offset uint64, size int) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if offset >= CLINTMtime && offset < CLINTMtime+8 {
		return subword(c.getMtime(), offset-CLINTMtime, size), nil
	}
	if i, within, ok := c.slot(offset, CLINTMtimecmp, 8); ok {
		return subword(c.mtimecmp[i], within, size), nil
	}
	if i, _, ok := c.slot(offset, CLINTMsip, 4); ok && offset < CLINTMtimecmp {
		return uint64(c.msip[i]), nil
	}
	return 0, nil
}

// Write implements Device
func (c *CLINT) Write(offset uint64, size int, value uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if i, within, ok := c.slot(offset, CLINTMtimecmp, 8); ok && offset < CLINTMtime {
		switch {
		case size == 8:
			c.mtimecmp[i] = value
		case within == 0:
			c.mtimecmp[i] = (c.mtimecmp[i] &^ 0xffffffff) | (value & 0xffffffff)
		default:
			c.mtimecmp[i] = (c.mtimecmp[i] &^ 0xffffffff00000000) | ((value & 0xffffffff) << 32)
		}
		// Clear timer interrupt if new compare > current time
		c.harts[i].SetPending(MipMTIP, c.mtimecmp[i] <= c.getMtime())
		return nil
	}
	if i, _, ok := c.slot(offset, CLINTMsip, 4); ok && offset < CLINTMtimecmp {
		c.msip[i] = uint32(value & 1)
		c.harts[i].SetPending(MipMSIP, value&1 != 0)
	}
	return nil
}

// Tick updates the timer interrupt pending bits
func (c *CLINT) Tick() {
	c.mu.Lock()
	defer c.mu.Unlock()

	mtime := c.getMtime()
	for i, h := range c.harts {
		if mtime >= c.mtimecmp[i] {
			h.SetPending(MipMTIP, true)
		}
	}
}

func subword(v uint64, within uint64, size int) uint64 {
	v >>= within * 8
	if size < 8 {
		v &= (1 << (uint(size) * 8)) - 1
	}
	return v
}

var _ TimerBlock = (*CLINT)(nil)
