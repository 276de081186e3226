// Package disk implements the SynchDisk external collaborator of spec
// §4.9: a synchronous read_sector/write_sector interface layered over an
// asynchronous device, which parks the calling kernel thread on a
// semaphore until the device's completion "interrupt" signals it.
package disk

import (
	"fmt"
	"os"
	"time"

	"github.com/joeycumines/go-catrate"
	"golang.org/x/sys/unix"

	"github.com/nachos-go/kernel/interrupt"
	"github.com/nachos-go/kernel/klog"
	"github.com/nachos-go/kernel/ksync"
	"github.com/nachos-go/kernel/thread"
)

// SectorSize is the fixed disk I/O unit, per spec §6.
const SectorSize = 128

// ErrShortIO is returned when a logical file read/write could not supply
// or accept the full requested byte count (e.g. reading past EOF).
var ErrShortIO = fmt.Errorf("disk: short read/write")

// Latency is the simulated device service time per request; completion
// runs on its own goroutine so the caller genuinely suspends (via the
// request semaphore) rather than busy-waiting.
const Latency = 5 * time.Millisecond

// SynchDisk is the synchronous interface the filesystem relies on. Only
// this interface is part of the core per spec §4.9.
type SynchDisk interface {
	ReadSector(sector int, buf []byte) error
	WriteSector(sector int, buf []byte) error
	NumSectors() int
}

type request struct {
	sector int
	buf    []byte
	write  bool
	done   *ksync.Semaphore
	err    error
}

// FileSynchDisk is a concrete SynchDisk backed by a regular host file,
// one SectorSize-byte region per simulated sector. A single background
// worker goroutine models the asynchronous device: it serializes real
// golang.org/x/sys/unix Pread/Pwrite calls and signals each request's
// semaphore once service latency has elapsed, exactly mirroring "issue to
// an asynchronous device, park the caller on a semaphore until the
// completion interrupt signals it".
type FileSynchDisk struct {
	file       *os.File
	numSectors int

	sched *thread.Scheduler
	intr  *interrupt.Controller

	requests chan *request

	limiter *catrate.Limiter
}

// NewFileSynchDisk opens (creating if absent) a backing file sized for
// numSectors sectors and starts its device worker.
func NewFileSynchDisk(path string, numSectors int, sched *thread.Scheduler, intr *interrupt.Controller) (*FileSynchDisk, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("disk: open %q: %w", path, err)
	}
	if err := f.Truncate(int64(numSectors) * SectorSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("disk: truncate %q: %w", path, err)
	}

	d := &FileSynchDisk{
		file:       f,
		numSectors: numSectors,
		sched:      sched,
		intr:       intr,
		requests:   make(chan *request, 16),
		limiter: catrate.NewLimiter(map[time.Duration]int{
			time.Second: 1,
		}),
	}
	go d.worker()
	return d, nil
}

// NumSectors returns the disk's fixed sector count.
func (d *FileSynchDisk) NumSectors() int { return d.numSectors }

// ReadSector reads exactly SectorSize bytes for sector n into buf,
// blocking the calling kernel thread until the device completes.
func (d *FileSynchDisk) ReadSector(n int, buf []byte) error {
	return d.submit(n, buf, false)
}

// WriteSector writes exactly SectorSize bytes from buf to sector n,
// blocking the calling kernel thread until the device completes.
func (d *FileSynchDisk) WriteSector(n int, buf []byte) error {
	return d.submit(n, buf, true)
}

func (d *FileSynchDisk) submit(n int, buf []byte, write bool) error {
	if n < 0 || n >= d.numSectors {
		return fmt.Errorf("disk: sector %d out of range [0,%d)", n, d.numSectors)
	}
	if len(buf) != SectorSize {
		return fmt.Errorf("disk: buffer must be exactly %d bytes, got %d", SectorSize, len(buf))
	}

	req := &request{
		sector: n,
		buf:    buf,
		write:  write,
		done:   ksync.NewSemaphore("disk-io", 0, d.sched, d.intr),
	}

	if pending := len(d.requests); pending > cap(d.requests)/2 {
		if _, allowed := d.limiter.Allow("queue-saturation"); allowed {
			klog.L.Warning().Int("pending", pending).Log("disk request queue filling up")
		}
	}

	d.requests <- req
	req.done.P()
	return req.err
}

// worker is the simulated asynchronous device: it performs the real I/O,
// sleeps off the simulated service latency, then wakes the parked caller.
func (d *FileSynchDisk) worker() {
	for req := range d.requests {
		offset := int64(req.sector) * SectorSize
		if req.write {
			_, req.err = unix.Pwrite(int(d.file.Fd()), req.buf, offset)
		} else {
			_, req.err = unix.Pread(int(d.file.Fd()), req.buf, offset)
		}
		time.Sleep(Latency)
		req.done.V()
	}
}

// Close releases the backing file. No in-flight requests may be pending.
func (d *FileSynchDisk) Close() error {
	close(d.requests)
	return d.file.Close()
}
