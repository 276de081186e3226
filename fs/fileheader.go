package fs

import (
	"encoding/binary"
	"fmt"

	"github.com/nachos-go/kernel/disk"
)

// Flag values for FileHeader.Flag, matching spec §6.
const (
	UserFile      = 0
	DirectoryFile = 1
)

// Sizing constants derived from disk.SectorSize per spec §6:
// NumFirstLevelDirect = NumDirect-2 where NumDirect = (SectorSize - 6*4)/4.
const (
	intSize             = 4
	numDirect           = (disk.SectorSize - 6*intSize) / intSize
	NumFirstLevelDirect = numDirect - 2
	NumIndexDirect      = disk.SectorSize / intSize

	// MaxDirectBlocks, MaxSingleIndirectBlocks and MaxDoubleIndirectBlocks
	// are the cumulative block-index boundaries of spec §4.6's table.
	MaxDirectBlocks         = NumFirstLevelDirect
	MaxSingleIndirectBlocks = MaxDirectBlocks + NumIndexDirect
	MaxDoubleIndirectBlocks = MaxSingleIndirectBlocks + NumIndexDirect*NumIndexDirect

	// MaxFileSize is the largest file this three-level index can address.
	MaxFileSize = MaxDoubleIndirectBlocks * disk.SectorSize

	fileHeaderEncodedSize = 6*intSize + NumFirstLevelDirect*intSize + 2*intSize
)

// FileHeader is the on-disk inode: file metadata plus the three-level
// block index described in spec §4.6.
type FileHeader struct {
	NumBytes   int
	NumSectors int
	Flag       int

	CreateTime       int
	LastModifiedTime int
	LastAccessTime   int

	Direct               [NumFirstLevelDirect]int
	SingleIndirectSector int
	DoubleIndirectSector int
}

// NewFileHeader creates an unallocated header stamped with curTime.
func NewFileHeader(curTime int, flag int) *FileHeader {
	return &FileHeader{
		Flag:                 flag,
		CreateTime:           curTime,
		LastModifiedTime:     curTime,
		LastAccessTime:       curTime,
		SingleIndirectSector: -1,
		DoubleIndirectSector: -1,
	}
}

// numDataSectors computes how many data sectors a file of fileSize bytes
// occupies.
func numDataSectors(fileSize int) int {
	return (fileSize + disk.SectorSize - 1) / disk.SectorSize
}

// Allocate assigns data sectors (and any index sectors they require) out
// of freeMap for a fresh file of fileSize bytes, writing every touched
// index sector to d. It fails without mutating freeMap's caller-visible
// copy on the caller's side — on failure the header is left partially
// populated and the caller must discard its in-memory freeMap rather
// than write it back, per spec §7.
func (h *FileHeader) Allocate(freeMap *Bitmap, fileSize int, d disk.SynchDisk) (bool, error) {
	h.NumBytes = fileSize
	h.NumSectors = numDataSectors(fileSize)

	if h.NumSectors > freeMap.NumClear() {
		return false, nil
	}
	if h.NumSectors > MaxDoubleIndirectBlocks {
		return false, nil
	}

	firstLevel := min(h.NumSectors, NumFirstLevelDirect)
	for i := 0; i < firstLevel; i++ {
		h.Direct[i] = freeMap.Find()
	}
	remaining := h.NumSectors - firstLevel
	if remaining == 0 {
		return true, nil
	}

	h.SingleIndirectSector = freeMap.Find()
	single := make([]int32, NumIndexDirect)
	secondLevel := min(remaining, NumIndexDirect)
	for i := 0; i < secondLevel; i++ {
		single[i] = int32(freeMap.Find())
	}
	if err := writeIndexSector(d, h.SingleIndirectSector, single); err != nil {
		return false, err
	}
	remaining -= secondLevel
	if remaining == 0 {
		return true, nil
	}

	h.DoubleIndirectSector = freeMap.Find()
	double := make([]int32, NumIndexDirect)
	numGroups := (remaining + NumIndexDirect - 1) / NumIndexDirect
	for g := 0; g < numGroups; g++ {
		groupSector := freeMap.Find()
		double[g] = int32(groupSector)
		group := make([]int32, NumIndexDirect)
		inGroup := min(remaining, NumIndexDirect)
		for i := 0; i < inGroup; i++ {
			group[i] = int32(freeMap.Find())
		}
		if err := writeIndexSector(d, groupSector, group); err != nil {
			return false, err
		}
		remaining -= inGroup
	}
	if err := writeIndexSector(d, h.DoubleIndirectSector, double); err != nil {
		return false, err
	}
	return true, nil
}

// AppendOneSector extends the file by exactly one sector, lazily
// allocating index sectors when crossing a level boundary, per spec
// §4.6. Returns the new data sector, or -1 if the disk is full.
func (h *FileHeader) AppendOneSector(freeMap *Bitmap, d disk.SynchDisk) (int, error) {
	if freeMap.NumClear() == 0 {
		return -1, nil
	}
	if h.NumSectors >= MaxDoubleIndirectBlocks {
		return -1, fmt.Errorf("fs: file index beyond 3-level limit")
	}

	n := h.NumSectors
	switch {
	case n < NumFirstLevelDirect:
		sector := freeMap.Find()
		h.Direct[n] = sector
		h.NumSectors++
		return sector, nil

	case n < MaxSingleIndirectBlocks:
		if h.SingleIndirectSector < 0 {
			h.SingleIndirectSector = freeMap.Find()
			if err := writeIndexSector(d, h.SingleIndirectSector, make([]int32, NumIndexDirect)); err != nil {
				return -1, err
			}
		}
		single, err := readIndexSector(d, h.SingleIndirectSector)
		if err != nil {
			return -1, err
		}
		idx := n - NumFirstLevelDirect
		sector := freeMap.Find()
		single[idx] = int32(sector)
		if err := writeIndexSector(d, h.SingleIndirectSector, single); err != nil {
			return -1, err
		}
		h.NumSectors++
		return sector, nil

	default:
		if h.DoubleIndirectSector < 0 {
			h.DoubleIndirectSector = freeMap.Find()
			if err := writeIndexSector(d, h.DoubleIndirectSector, make([]int32, NumIndexDirect)); err != nil {
				return -1, err
			}
		}
		double, err := readIndexSector(d, h.DoubleIndirectSector)
		if err != nil {
			return -1, err
		}
		idx := n - MaxSingleIndirectBlocks
		groupIdx := idx / NumIndexDirect
		inGroupIdx := idx % NumIndexDirect

		if double[groupIdx] == 0 {
			double[groupIdx] = int32(freeMap.Find())
			if err := writeIndexSector(d, int(double[groupIdx]), make([]int32, NumIndexDirect)); err != nil {
				return -1, err
			}
			if err := writeIndexSector(d, h.DoubleIndirectSector, double); err != nil {
				return -1, err
			}
		}
		group, err := readIndexSector(d, int(double[groupIdx]))
		if err != nil {
			return -1, err
		}
		sector := freeMap.Find()
		group[inGroupIdx] = int32(sector)
		if err := writeIndexSector(d, int(double[groupIdx]), group); err != nil {
			return -1, err
		}
		h.NumSectors++
		return sector, nil
	}
}

// Deallocate frees every data and index sector this header references,
// mirroring Allocate, per spec §4.6.
func (h *FileHeader) Deallocate(freeMap *Bitmap, d disk.SynchDisk) error {
	firstLevel := min(h.NumSectors, NumFirstLevelDirect)
	for i := 0; i < firstLevel; i++ {
		mustBeSet(freeMap, h.Direct[i])
		freeMap.Clear(h.Direct[i])
	}
	remaining := h.NumSectors - firstLevel
	if remaining == 0 {
		return nil
	}

	single, err := readIndexSector(d, h.SingleIndirectSector)
	if err != nil {
		return err
	}
	secondLevel := min(remaining, NumIndexDirect)
	for i := 0; i < secondLevel; i++ {
		mustBeSet(freeMap, int(single[i]))
		freeMap.Clear(int(single[i]))
	}
	freeMap.Clear(h.SingleIndirectSector)
	remaining -= secondLevel
	if remaining == 0 {
		return nil
	}

	double, err := readIndexSector(d, h.DoubleIndirectSector)
	if err != nil {
		return err
	}
	numGroups := (remaining + NumIndexDirect - 1) / NumIndexDirect
	for g := 0; g < numGroups; g++ {
		group, err := readIndexSector(d, int(double[g]))
		if err != nil {
			return err
		}
		inGroup := min(remaining, NumIndexDirect)
		for i := 0; i < inGroup; i++ {
			mustBeSet(freeMap, int(group[i]))
			freeMap.Clear(int(group[i]))
		}
		freeMap.Clear(int(double[g]))
		remaining -= inGroup
	}
	freeMap.Clear(h.DoubleIndirectSector)
	return nil
}

func mustBeSet(freeMap *Bitmap, sector int) {
	if !freeMap.Test(sector) {
		panic(fmt.Sprintf("fs: deallocating unmarked sector %d", sector))
	}
}

// ByteToSector converts a byte offset into the file to the disk sector
// holding that byte, per spec §4.6.
func (h *FileHeader) ByteToSector(offset int, d disk.SynchDisk) (int, error) {
	blockIndex := offset / disk.SectorSize
	if blockIndex < NumFirstLevelDirect {
		return h.Direct[blockIndex], nil
	}
	blockIndex -= NumFirstLevelDirect
	if blockIndex < NumIndexDirect {
		single, err := readIndexSector(d, h.SingleIndirectSector)
		if err != nil {
			return -1, err
		}
		return int(single[blockIndex]), nil
	}
	blockIndex -= NumIndexDirect
	groupIdx := blockIndex / NumIndexDirect
	inGroupIdx := blockIndex % NumIndexDirect

	double, err := readIndexSector(d, h.DoubleIndirectSector)
	if err != nil {
		return -1, err
	}
	group, err := readIndexSector(d, int(double[groupIdx]))
	if err != nil {
		return -1, err
	}
	return int(group[inGroupIdx]), nil
}

// FileLength returns the file's logical byte length.
func (h *FileHeader) FileLength() int { return h.NumBytes }

// FetchFrom reads and decodes the header from sector on d.
func (h *FileHeader) FetchFrom(d disk.SynchDisk, sector int) error {
	buf := make([]byte, disk.SectorSize)
	if err := d.ReadSector(sector, buf); err != nil {
		return err
	}
	h.decode(buf)
	return nil
}

// WriteBack encodes and writes the header to sector on d.
func (h *FileHeader) WriteBack(d disk.SynchDisk, sector int) error {
	buf := make([]byte, disk.SectorSize)
	h.encode(buf)
	return d.WriteSector(sector, buf)
}

func (h *FileHeader) encode(buf []byte) {
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], uint32(h.NumBytes))
	le.PutUint32(buf[4:8], uint32(h.NumSectors))
	le.PutUint32(buf[8:12], uint32(h.Flag))
	le.PutUint32(buf[12:16], uint32(h.CreateTime))
	le.PutUint32(buf[16:20], uint32(h.LastModifiedTime))
	le.PutUint32(buf[20:24], uint32(h.LastAccessTime))
	off := 24
	for i := 0; i < NumFirstLevelDirect; i++ {
		le.PutUint32(buf[off:off+4], uint32(h.Direct[i]))
		off += 4
	}
	le.PutUint32(buf[off:off+4], uint32(h.SingleIndirectSector))
	off += 4
	le.PutUint32(buf[off:off+4], uint32(h.DoubleIndirectSector))
}

func (h *FileHeader) decode(buf []byte) {
	le := binary.LittleEndian
	h.NumBytes = int(int32(le.Uint32(buf[0:4])))
	h.NumSectors = int(int32(le.Uint32(buf[4:8])))
	h.Flag = int(int32(le.Uint32(buf[8:12])))
	h.CreateTime = int(int32(le.Uint32(buf[12:16])))
	h.LastModifiedTime = int(int32(le.Uint32(buf[16:20])))
	h.LastAccessTime = int(int32(le.Uint32(buf[20:24])))
	off := 24
	for i := 0; i < NumFirstLevelDirect; i++ {
		h.Direct[i] = int(int32(le.Uint32(buf[off : off+4])))
		off += 4
	}
	h.SingleIndirectSector = int(int32(le.Uint32(buf[off : off+4])))
	off += 4
	h.DoubleIndirectSector = int(int32(le.Uint32(buf[off : off+4])))
}

func readIndexSector(d disk.SynchDisk, sector int) ([]int32, error) {
	buf := make([]byte, disk.SectorSize)
	if err := d.ReadSector(sector, buf); err != nil {
		return nil, err
	}
	out := make([]int32, NumIndexDirect)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(buf[i*4 : i*4+4]))
	}
	return out, nil
}

func writeIndexSector(d disk.SynchDisk, sector int, entries []int32) error {
	buf := make([]byte, disk.SectorSize)
	for i, v := range entries {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], uint32(v))
	}
	return d.WriteSector(sector, buf)
}
