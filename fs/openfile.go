package fs

import (
	"fmt"

	"github.com/nachos-go/kernel/disk"
)

// OpenFile is a file opened for reading and writing: a FileHeader paired
// with the disk it lives on and a current seek position, per spec §4.7's
// "OpenFile" data-model entry. Unlike a Unix file, writing through it never
// grows the file — WriteAt fails beyond the current length. A file grows
// only through its header (FileSystem.AllocateOneMoreSector, or a
// Directory growing its own file).
type OpenFile struct {
	header       *FileHeader
	headerSector int
	d            disk.SynchDisk

	seekPosition int
}

// NewOpenFile wraps an already-fetched header for sector on d.
func NewOpenFile(header *FileHeader, headerSector int, d disk.SynchDisk) *OpenFile {
	return &OpenFile{header: header, headerSector: headerSector, d: d}
}

// Length returns the file's current byte length.
func (f *OpenFile) Length() int { return f.header.FileLength() }

// Seek repositions the next Read/Write call's implicit offset.
func (f *OpenFile) Seek(position int) { f.seekPosition = position }

// Read reads into buf starting at the current seek position, advancing
// it by the number of bytes read.
func (f *OpenFile) Read(buf []byte) (int, error) {
	n, err := f.ReadAt(buf, f.seekPosition)
	f.seekPosition += n
	return n, err
}

// Write writes buf starting at the current seek position, advancing it
// by the number of bytes written.
func (f *OpenFile) Write(buf []byte) (int, error) {
	n, err := f.WriteAt(buf, f.seekPosition)
	f.seekPosition += n
	return n, err
}

// ReadAt reads up to len(buf) bytes starting at offset, clamped to the
// file's length; a read entirely past EOF returns (0, nil).
func (f *OpenFile) ReadAt(buf []byte, offset int) (int, error) {
	fileLength := f.header.FileLength()
	if offset >= fileLength {
		return 0, nil
	}
	length := len(buf)
	if offset+length > fileLength {
		length = fileLength - offset
	}
	if length <= 0 {
		return 0, nil
	}

	firstSector := offset / disk.SectorSize
	lastSector := (offset + length - 1) / disk.SectorSize
	numSectors := lastSector - firstSector + 1

	scratch := make([]byte, numSectors*disk.SectorSize)
	for i := 0; i < numSectors; i++ {
		sector, err := f.header.ByteToSector(disk.SectorSize*(firstSector+i), f.d)
		if err != nil {
			return 0, err
		}
		if err := f.d.ReadSector(sector, scratch[i*disk.SectorSize:(i+1)*disk.SectorSize]); err != nil {
			return 0, err
		}
	}
	copy(buf[:length], scratch[offset-firstSector*disk.SectorSize:])
	return length, nil
}

// WriteAt writes len(buf) bytes at offset, failing if any part of the
// write would fall beyond the file's current length (WriteAt never grows
// the file; growth goes through the header).
func (f *OpenFile) WriteAt(buf []byte, offset int) (int, error) {
	fileLength := f.header.FileLength()
	length := len(buf)
	if offset < 0 || offset+length > fileLength {
		return 0, fmt.Errorf("fs: write [%d,%d) exceeds file length %d", offset, offset+length, fileLength)
	}
	if length == 0 {
		return 0, nil
	}

	firstSector := offset / disk.SectorSize
	lastSector := (offset + length - 1) / disk.SectorSize
	numSectors := lastSector - firstSector + 1

	firstAligned := offset == firstSector*disk.SectorSize
	lastAligned := (offset+length)%disk.SectorSize == 0

	scratch := make([]byte, numSectors*disk.SectorSize)
	if !firstAligned || !lastAligned {
		for i := 0; i < numSectors; i++ {
			sector, err := f.header.ByteToSector(disk.SectorSize*(firstSector+i), f.d)
			if err != nil {
				return 0, err
			}
			if err := f.d.ReadSector(sector, scratch[i*disk.SectorSize:(i+1)*disk.SectorSize]); err != nil {
				return 0, err
			}
		}
	}
	copy(scratch[offset-firstSector*disk.SectorSize:], buf)

	for i := 0; i < numSectors; i++ {
		sector, err := f.header.ByteToSector(disk.SectorSize*(firstSector+i), f.d)
		if err != nil {
			return 0, err
		}
		if err := f.d.WriteSector(sector, scratch[i*disk.SectorSize:(i+1)*disk.SectorSize]); err != nil {
			return 0, err
		}
	}
	return length, nil
}

// WriteBackHeader persists this file's header to its home sector, for
// callers that mutated metadata (e.g. FileSystem.AllocateOneMoreSector).
func (f *OpenFile) WriteBackHeader() error {
	return f.header.WriteBack(f.d, f.headerSector)
}

// Header exposes the underlying FileHeader for callers (Directory,
// FileSystem) that need to inspect or grow it directly.
func (f *OpenFile) Header() *FileHeader { return f.header }

// HeaderSector returns the disk sector this file's header lives in.
func (f *OpenFile) HeaderSector() int { return f.headerSector }
