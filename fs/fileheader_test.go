package fs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nachos-go/kernel/disk"
)

func TestFileHeader_AllocateDirectOnly(t *testing.T) {
	d := newMemDisk(64)
	freeMap := NewBitmap(64)

	h := NewFileHeader(0, UserFile)
	ok, err := h.Allocate(freeMap, 3*disk.SectorSize, d)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3, h.NumSectors)
	require.Equal(t, -1, h.SingleIndirectSector)
}

func TestFileHeader_AllocateSpillsIntoSingleIndirect(t *testing.T) {
	d := newMemDisk(200)
	freeMap := NewBitmap(200)

	size := (NumFirstLevelDirect + 5) * disk.SectorSize
	h := NewFileHeader(0, UserFile)
	ok, err := h.Allocate(freeMap, size, d)
	require.NoError(t, err)
	require.True(t, ok)
	require.GreaterOrEqual(t, h.SingleIndirectSector, 0)
	require.Equal(t, -1, h.DoubleIndirectSector)
}

func TestFileHeader_AllocateSpillsIntoDoubleIndirect(t *testing.T) {
	numSectors := MaxSingleIndirectBlocks + NumIndexDirect + 3
	d := newMemDisk(numSectors + 64)
	freeMap := NewBitmap(numSectors + 64)

	size := numSectors * disk.SectorSize
	h := NewFileHeader(0, UserFile)
	ok, err := h.Allocate(freeMap, size, d)
	require.NoError(t, err)
	require.True(t, ok)
	require.GreaterOrEqual(t, h.DoubleIndirectSector, 0)
}

func TestFileHeader_AllocateFailsWhenDiskTooSmall(t *testing.T) {
	d := newMemDisk(4)
	freeMap := NewBitmap(4)

	h := NewFileHeader(0, UserFile)
	ok, err := h.Allocate(freeMap, 10*disk.SectorSize, d)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFileHeader_ByteToSectorAcrossAllThreeLevels(t *testing.T) {
	numSectors := MaxSingleIndirectBlocks + NumIndexDirect + 3
	d := newMemDisk(numSectors + 64)
	freeMap := NewBitmap(numSectors + 64)

	h := NewFileHeader(0, UserFile)
	ok, err := h.Allocate(freeMap, numSectors*disk.SectorSize, d)
	require.NoError(t, err)
	require.True(t, ok)

	direct, err := h.ByteToSector(0, d)
	require.NoError(t, err)
	require.Equal(t, h.Direct[0], direct)

	singleOffset := NumFirstLevelDirect * disk.SectorSize
	single, err := h.ByteToSector(singleOffset, d)
	require.NoError(t, err)
	require.NotEqual(t, -1, single)

	doubleOffset := MaxSingleIndirectBlocks * disk.SectorSize
	double, err := h.ByteToSector(doubleOffset, d)
	require.NoError(t, err)
	require.NotEqual(t, -1, double)
}

func TestFileHeader_WriteBackFetchFromRoundTrips(t *testing.T) {
	d := newMemDisk(64)
	freeMap := NewBitmap(64)

	h := NewFileHeader(42, DirectoryFile)
	ok, err := h.Allocate(freeMap, 5*disk.SectorSize, d)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, h.WriteBack(d, 10))

	reloaded := &FileHeader{}
	require.NoError(t, reloaded.FetchFrom(d, 10))
	require.Equal(t, h.NumBytes, reloaded.NumBytes)
	require.Equal(t, h.NumSectors, reloaded.NumSectors)
	require.Equal(t, h.Flag, reloaded.Flag)
	require.Equal(t, h.Direct, reloaded.Direct)
}

func TestFileHeader_AppendOneSectorGrowsAcrossBoundaries(t *testing.T) {
	d := newMemDisk(500)
	freeMap := NewBitmap(500)

	h := NewFileHeader(0, UserFile)
	ok, err := h.Allocate(freeMap, 0, d)
	require.NoError(t, err)
	require.True(t, ok)

	total := NumFirstLevelDirect + NumIndexDirect + 5
	for i := 0; i < total; i++ {
		sector, err := h.AppendOneSector(freeMap, d)
		require.NoError(t, err)
		require.NotEqual(t, -1, sector)
	}
	require.Equal(t, total, h.NumSectors)

	for i := 0; i < total; i++ {
		sector, err := h.ByteToSector(i*disk.SectorSize, d)
		require.NoError(t, err)
		require.NotEqual(t, -1, sector)
	}
}

func TestFileHeader_DeallocateFreesEveryTouchedSector(t *testing.T) {
	numSectors := MaxSingleIndirectBlocks + NumIndexDirect + 3
	total := numSectors + 64
	d := newMemDisk(total)
	freeMap := NewBitmap(total)

	h := NewFileHeader(0, UserFile)
	ok, err := h.Allocate(freeMap, numSectors*disk.SectorSize, d)
	require.NoError(t, err)
	require.True(t, ok)

	before := freeMap.NumClear()
	require.NoError(t, h.Deallocate(freeMap, d))
	require.Greater(t, freeMap.NumClear(), before)
}
