package fs

import (
	"fmt"

	"github.com/nachos-go/kernel/disk"
)

// memDisk is a disk.SynchDisk backed by plain memory, for fs tests that
// don't need a real file-backed FileSynchDisk or a scheduler to drive
// it.
type memDisk struct {
	sectors [][]byte
}

func newMemDisk(numSectors int) *memDisk {
	d := &memDisk{sectors: make([][]byte, numSectors)}
	for i := range d.sectors {
		d.sectors[i] = make([]byte, disk.SectorSize)
	}
	return d
}

func (d *memDisk) NumSectors() int { return len(d.sectors) }

func (d *memDisk) ReadSector(n int, buf []byte) error {
	if n < 0 || n >= len(d.sectors) {
		return fmt.Errorf("memdisk: sector %d out of range", n)
	}
	copy(buf, d.sectors[n])
	return nil
}

func (d *memDisk) WriteSector(n int, buf []byte) error {
	if n < 0 || n >= len(d.sectors) {
		return fmt.Errorf("memdisk: sector %d out of range", n)
	}
	copy(d.sectors[n], buf)
	return nil
}

var _ disk.SynchDisk = (*memDisk)(nil)
