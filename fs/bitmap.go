// Package fs implements the filesystem subsystem of spec §4.6-4.8: a
// free-sector bitmap, multi-level indexed file headers, extensible
// directories with long-name continuation entries, and the FileSystem
// that ties them together atop a disk.SynchDisk.
package fs

import "github.com/nachos-go/kernel/disk"

// Bitmap tracks which disk sectors are in use, one bit per sector,
// persisted as a regular file (spec's Data Model entry for Bitmap).
type Bitmap struct {
	numBits int
	bits    []byte // ceil(numBits/8) bytes
}

// NewBitmap creates an all-clear bitmap for numBits sectors.
func NewBitmap(numBits int) *Bitmap {
	return &Bitmap{numBits: numBits, bits: make([]byte, (numBits+7)/8)}
}

// NumBits returns the bitmap's fixed bit count.
func (b *Bitmap) NumBits() int { return b.numBits }

// Mark sets bit i (sector i is in use).
func (b *Bitmap) Mark(i int) {
	b.bits[i/8] |= 1 << uint(i%8)
}

// Clear unsets bit i (sector i is free).
func (b *Bitmap) Clear(i int) {
	b.bits[i/8] &^= 1 << uint(i%8)
}

// Test reports whether bit i is set.
func (b *Bitmap) Test(i int) bool {
	return b.bits[i/8]&(1<<uint(i%8)) != 0
}

// Find locates the first clear bit, marks it, and returns its index, or
// -1 if every bit is set.
func (b *Bitmap) Find() int {
	for i := 0; i < b.numBits; i++ {
		if !b.Test(i) {
			b.Mark(i)
			return i
		}
	}
	return -1
}

// NumClear returns the count of unset bits.
func (b *Bitmap) NumClear() int {
	n := 0
	for i := 0; i < b.numBits; i++ {
		if !b.Test(i) {
			n++
		}
	}
	return n
}

// Bytes returns the bitmap's packed byte representation, for encoding
// into a file via OpenFile.
func (b *Bitmap) Bytes() []byte {
	return b.bits
}

// SetBytes replaces the bitmap's contents from a previously-encoded byte
// slice (sized at least (numBits+7)/8 bytes).
func (b *Bitmap) SetBytes(data []byte) {
	copy(b.bits, data)
}

// FetchFrom reads the bitmap's packed bytes from file, starting at
// offset 0.
func (b *Bitmap) FetchFrom(file *OpenFile) error {
	n, err := file.ReadAt(b.bits, 0)
	if err != nil {
		return err
	}
	if n < len(b.bits) {
		return disk.ErrShortIO
	}
	return nil
}

// WriteBack writes the bitmap's packed bytes to file, starting at offset
// 0.
func (b *Bitmap) WriteBack(file *OpenFile) error {
	_, err := file.WriteAt(b.bits, 0)
	return err
}
