package fs

import (
	"fmt"
	"strings"

	"github.com/nachos-go/kernel/disk"
)

// Well-known sectors, per spec §4.8 and the original filesys.cc layout.
const (
	FreeMapSector   = 0
	DirectorySector = 1

	// NumDirEntries is the root directory's initial entry capacity.
	NumDirEntries = 10

	freeMapFileFlag = UserFile
)

// FileSystem ties the bitmap, file headers and directories together
// into the mountable filesystem of spec §4.8.
type FileSystem struct {
	d               disk.SynchDisk
	now             func() int
	sectorsFromDisk int
}

// NewFileSystem opens an existing filesystem image on d. now supplies
// the simulated clock for file timestamps.
func NewFileSystem(d disk.SynchDisk, now func() int) *FileSystem {
	return &FileSystem{d: d, now: now, sectorsFromDisk: d.NumSectors()}
}

// Format lays down a fresh filesystem: a free-map file, a root directory
// file, and marks the sectors both occupy (plus their own well-known
// sectors) as in use, per spec §4.8.
func (fs *FileSystem) Format() error {
	freeMap := NewBitmap(fs.sectorsFromDisk)
	freeMap.Mark(FreeMapSector)
	freeMap.Mark(DirectorySector)

	freeMapFileSize := (fs.sectorsFromDisk + 7) / 8
	freeMapHeader := NewFileHeader(fs.now(), freeMapFileFlag)
	ok, err := freeMapHeader.Allocate(freeMap, freeMapFileSize, fs.d)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("fs: format: not enough space for the free-map file")
	}
	if err := freeMapHeader.WriteBack(fs.d, FreeMapSector); err != nil {
		return err
	}

	dirFileSize := NumDirEntries * entrySize
	dirHeader := NewFileHeader(fs.now(), DirectoryFile)
	ok, err = dirHeader.Allocate(freeMap, dirFileSize, fs.d)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("fs: format: not enough space for the root directory")
	}
	if err := dirHeader.WriteBack(fs.d, DirectorySector); err != nil {
		return err
	}

	dirFile := NewOpenFile(dirHeader, DirectorySector, fs.d)
	dir := NewDirectory(NumDirEntries)
	if err := dir.InitialEntry(DirectorySector, -1, dirFile, freeMap); err != nil {
		return err
	}
	if err := dir.WriteBack(dirFile); err != nil {
		return err
	}
	if err := dirFile.WriteBackHeader(); err != nil {
		return err
	}

	freeMapFile := NewOpenFile(freeMapHeader, FreeMapSector, fs.d)
	return freeMap.WriteBack(freeMapFile)
}

func (fs *FileSystem) loadFreeMap() (*Bitmap, *OpenFile, error) {
	h := &FileHeader{}
	if err := h.FetchFrom(fs.d, FreeMapSector); err != nil {
		return nil, nil, err
	}
	file := NewOpenFile(h, FreeMapSector, fs.d)
	bm := NewBitmap(fs.sectorsFromDisk)
	if err := bm.FetchFrom(file); err != nil {
		return nil, nil, err
	}
	return bm, file, nil
}

// loadDirectory fetches the directory file at sector. The table size is
// derived from the header's own byte length rather than a fixed
// constant, so a directory previously grown by Add survives a reload.
func (fs *FileSystem) loadDirectory(sector int) (*Directory, *OpenFile, error) {
	h := &FileHeader{}
	if err := h.FetchFrom(fs.d, sector); err != nil {
		return nil, nil, err
	}
	file := NewOpenFile(h, sector, fs.d)
	dir := NewDirectory(h.FileLength() / entrySize)
	if err := dir.FetchFrom(file); err != nil {
		return nil, nil, err
	}
	return dir, file, nil
}

// findFatherDir walks every component of path but the last, returning
// the sector of the containing directory and the final path component
// (the leaf name to create/open/remove).
func (fs *FileSystem) findFatherDir(path string) (dirSector int, leaf string, err error) {
	path = strings.Trim(path, "/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		return 0, "", fmt.Errorf("fs: empty path")
	}

	dirSector = DirectorySector
	for _, comp := range parts[:len(parts)-1] {
		dir, _, err := fs.loadDirectory(dirSector)
		if err != nil {
			return 0, "", err
		}
		next := dir.Find(comp)
		if next < 0 {
			return 0, "", fmt.Errorf("fs: no such directory %q", comp)
		}
		dirSector = next
	}
	return dirSector, parts[len(parts)-1], nil
}

// Create allocates a new file (or, if makeDir, a new sub-directory) of
// initialSize bytes at path, per spec §4.8.
func (fs *FileSystem) Create(path string, initialSize int, makeDir bool) error {
	dirSector, leaf, err := fs.findFatherDir(path)
	if err != nil {
		return err
	}

	dir, dirFile, err := fs.loadDirectory(dirSector)
	if err != nil {
		return err
	}
	if dir.Find(leaf) >= 0 {
		return fmt.Errorf("fs: %q already exists", leaf)
	}

	freeMap, freeMapFile, err := fs.loadFreeMap()
	if err != nil {
		return err
	}

	newSector := freeMap.Find()
	if newSector < 0 {
		return fmt.Errorf("fs: no free sector for new file header")
	}

	added, err := dir.Add(leaf, newSector, dirFile, freeMap)
	if err != nil {
		return err
	}
	if !added {
		return fmt.Errorf("fs: directory full, cannot create %q", leaf)
	}

	flag := UserFile
	size := max(initialSize, 1)
	if makeDir {
		flag = DirectoryFile
		size = NumDirEntries * entrySize
	}
	header := NewFileHeader(fs.now(), flag)
	ok, err := header.Allocate(freeMap, size, fs.d)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("fs: not enough free space to create %q", leaf)
	}
	if err := header.WriteBack(fs.d, newSector); err != nil {
		return err
	}

	if makeDir {
		childFile := NewOpenFile(header, newSector, fs.d)
		childDir := NewDirectory(NumDirEntries)
		if err := childDir.InitialEntry(newSector, dirSector, childFile, freeMap); err != nil {
			return err
		}
		if err := childDir.WriteBack(childFile); err != nil {
			return err
		}
		if err := childFile.WriteBackHeader(); err != nil {
			return err
		}
	}

	if err := dir.WriteBack(dirFile); err != nil {
		return err
	}
	if err := dirFile.WriteBackHeader(); err != nil {
		return err
	}
	if err := freeMap.WriteBack(freeMapFile); err != nil {
		return err
	}
	return nil
}

// Open returns an OpenFile for path's existing file.
func (fs *FileSystem) Open(path string) (*OpenFile, error) {
	dirSector, leaf, err := fs.findFatherDir(path)
	if err != nil {
		return nil, err
	}
	dir, _, err := fs.loadDirectory(dirSector)
	if err != nil {
		return nil, err
	}
	sector := dir.Find(leaf)
	if sector < 0 {
		return nil, fmt.Errorf("fs: no such file %q", leaf)
	}
	h := &FileHeader{}
	if err := h.FetchFrom(fs.d, sector); err != nil {
		return nil, err
	}
	return NewOpenFile(h, sector, fs.d), nil
}

// Remove deletes path's file, freeing its data, index and header
// sectors, per spec §4.8.
func (fs *FileSystem) Remove(path string) error {
	dirSector, leaf, err := fs.findFatherDir(path)
	if err != nil {
		return err
	}
	dir, dirFile, err := fs.loadDirectory(dirSector)
	if err != nil {
		return err
	}
	sector := dir.Find(leaf)
	if sector < 0 {
		return fmt.Errorf("fs: no such file %q", leaf)
	}

	h := &FileHeader{}
	if err := h.FetchFrom(fs.d, sector); err != nil {
		return err
	}

	freeMap, freeMapFile, err := fs.loadFreeMap()
	if err != nil {
		return err
	}
	if err := h.Deallocate(freeMap, fs.d); err != nil {
		return err
	}
	freeMap.Clear(sector)

	dir.Remove(leaf)
	if err := dir.WriteBack(dirFile); err != nil {
		return err
	}
	return freeMap.WriteBack(freeMapFile)
}

// List returns the names of every entry in path's directory.
func (fs *FileSystem) List(path string) ([]string, error) {
	target := DirectorySector
	if trimmed := strings.Trim(path, "/"); trimmed != "" {
		dirSector, leaf, err := fs.findFatherDir(path)
		if err != nil {
			return nil, err
		}
		dir, _, err := fs.loadDirectory(dirSector)
		if err != nil {
			return nil, err
		}
		target = dir.Find(leaf)
		if target < 0 {
			return nil, fmt.Errorf("fs: no such directory %q", leaf)
		}
	}
	dir, _, err := fs.loadDirectory(target)
	if err != nil {
		return nil, err
	}
	return dir.List(), nil
}

// AllocateOneMoreSector grows file by a single sector, persisting the
// updated header and free-map, per spec's corrected directory-growth
// behavior (§4.8 Open Questions).
func (fs *FileSystem) AllocateOneMoreSector(file *OpenFile) error {
	freeMap, freeMapFile, err := fs.loadFreeMap()
	if err != nil {
		return err
	}
	if _, err := file.Header().AppendOneSector(freeMap, fs.d); err != nil {
		return err
	}
	if err := file.WriteBackHeader(); err != nil {
		return err
	}
	return freeMap.WriteBack(freeMapFile)
}
