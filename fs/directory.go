package fs

import (
	"encoding/binary"
	"fmt"

	"github.com/nachos-go/kernel/disk"
)

// FileNameMaxLen is the longest name stored inline in a directory entry;
// longer names spill into a long-name continuation entry, per spec
// §4.8.
const FileNameMaxLen = 9

// ExtendedFileNameMaxLen is the longest name a continuation entry can
// hold. Each directory slot is a fixed entrySize bytes wide; a
// continuation entry reuses every byte after the 4-byte flag field for
// name storage instead of a sector number, so it has exactly 4 more
// usable bytes than a normal entry's 10-byte inline name field.
const ExtendedFileNameMaxLen = entrySize - 4

const (
	entryFlagFree = iota
	entryFlagInUse
	entryFlagContinuation
)

// entrySize is the fixed on-disk width of one directory slot: a 4-byte
// flag, a 4-byte sector number, and a 10-byte inline name field (or, for
// a continuation slot, 14 bytes of raw name continuation data reusing
// the sector field's bytes too).
const entrySize = 4 + 4 + 10

// DirectoryEntry is one in-memory directory slot.
type DirectoryEntry struct {
	InUse  bool
	Sector int
	Name   string
}

// Directory is the in-memory image of a directory file: a flat table of
// fixed-width entries, per spec §4.8. Names longer than
// FileNameMaxLen occupy two consecutive table slots: a normal entry
// holding the first FileNameMaxLen bytes plus the ordinary sector
// number, followed by a continuation slot holding the remaining bytes.
type Directory struct {
	entries []DirectoryEntry
	// continued[i] is true when entries[i] is immediately followed by a
	// continuation slot that must move/grow/shrink together with it.
	continued []bool
	extra     []string // continuation text, indexed like continued
}

// NewDirectory creates an empty directory with room for numEntries
// slots, per spec's NumDirEntries.
func NewDirectory(numEntries int) *Directory {
	return &Directory{
		entries:   make([]DirectoryEntry, numEntries),
		continued: make([]bool, numEntries),
		extra:     make([]string, numEntries),
	}
}

// FindIndex returns the table index of name, or -1 if absent.
func (d *Directory) FindIndex(name string) int {
	for i, e := range d.entries {
		if e.InUse && d.fullName(i) == name {
			return i
		}
	}
	return -1
}

// Find returns the sector holding name's FileHeader, or -1 if absent.
func (d *Directory) Find(name string) int {
	i := d.FindIndex(name)
	if i < 0 {
		return -1
	}
	return d.entries[i].Sector
}

func (d *Directory) fullName(i int) string {
	if d.continued[i] {
		return d.entries[i].Name + d.extra[i]
	}
	return d.entries[i].Name
}

// Add inserts a new entry for name pointing at newSector, growing the
// directory by exactly one more entry (and, for long names, one more
// continuation slot) via dir's own header if no existing slot is free.
// Unlike the original this table is grounded on, growth is sized by
// entry COUNT, not a stale byte-size recomputation, and always calls
// dirFile.AppendOneSector on the header when a new sector is actually
// needed to back the bigger table.
func (d *Directory) Add(name string, newSector int, dirFile *OpenFile, freeMap *Bitmap) (bool, error) {
	if d.FindIndex(name) >= 0 {
		return false, nil
	}

	needed := 1
	if len(name) > FileNameMaxLen {
		if len(name) > FileNameMaxLen+ExtendedFileNameMaxLen {
			return false, fmt.Errorf("fs: name %q exceeds max length %d", name, FileNameMaxLen+ExtendedFileNameMaxLen)
		}
		needed = 2
	}

	slot := d.findFreeRun(needed)
	if slot < 0 {
		if err := d.growBy(needed, dirFile, freeMap); err != nil {
			return false, err
		}
		slot = d.findFreeRun(needed)
		if slot < 0 {
			return false, fmt.Errorf("fs: directory growth did not yield a free run")
		}
	}

	if needed == 1 {
		d.entries[slot] = DirectoryEntry{InUse: true, Sector: newSector, Name: name}
		d.continued[slot] = false
	} else {
		d.entries[slot] = DirectoryEntry{InUse: true, Sector: newSector, Name: name[:FileNameMaxLen]}
		d.continued[slot] = true
		d.extra[slot] = name[FileNameMaxLen:]
		d.entries[slot+1] = DirectoryEntry{InUse: true}
	}
	return true, nil
}

// findFreeRun finds `needed` consecutive free slots, or -1.
func (d *Directory) findFreeRun(needed int) int {
	run := 0
	for i, e := range d.entries {
		if !e.InUse {
			run++
			if run >= needed {
				return i - needed + 1
			}
		} else {
			run = 0
		}
	}
	return -1
}

// growBy extends the table by `extra` more entries, appending the
// sectors the bigger table occupies to dirFile's header.
func (d *Directory) growBy(extra int, dirFile *OpenFile, freeMap *Bitmap) error {
	oldSectors := numDataSectors(len(d.entries) * entrySize)
	d.entries = append(d.entries, make([]DirectoryEntry, extra)...)
	d.continued = append(d.continued, make([]bool, extra)...)
	d.extra = append(d.extra, make([]string, extra)...)
	newSectors := numDataSectors(len(d.entries) * entrySize)

	for s := oldSectors; s < newSectors; s++ {
		if _, err := dirFile.Header().AppendOneSector(freeMap, dirFile.d); err != nil {
			return err
		}
	}
	dirFile.header.NumBytes = len(d.entries) * entrySize
	return nil
}

// InitialEntry seeds a freshly created directory with the two entries
// every NACHOS directory carries, per spec §4.8: "." pointing at the
// directory's own sector, and ".." pointing at its parent (-1 for the
// root, which has no parent), mirroring the original's
// directory->InitialEntry(sector, parentSector).
func (d *Directory) InitialEntry(own, parent int, file *OpenFile, freeMap *Bitmap) error {
	if _, err := d.Add(".", own, file, freeMap); err != nil {
		return err
	}
	if _, err := d.Add("..", parent, file, freeMap); err != nil {
		return err
	}
	return nil
}

// Remove deletes name's entry (and its continuation slot, if any).
func (d *Directory) Remove(name string) bool {
	i := d.FindIndex(name)
	if i < 0 {
		return false
	}
	if d.continued[i] {
		d.entries[i+1] = DirectoryEntry{}
		d.continued[i+1] = false
	}
	d.entries[i] = DirectoryEntry{}
	d.continued[i] = false
	d.extra[i] = ""
	return true
}

// List returns every in-use, non-continuation entry's full name, except
// the "." and ".." bookkeeping entries InitialEntry seeds every
// directory with.
func (d *Directory) List() []string {
	var names []string
	for i, e := range d.entries {
		if e.InUse && !d.isBareContinuation(i) {
			name := d.fullName(i)
			if name == "." || name == ".." {
				continue
			}
			names = append(names, name)
		}
	}
	return names
}

// Entries exposes the raw table for FileSystem's find-father-directory
// traversal (it needs sector numbers for sub-path components).
func (d *Directory) Entries() []DirectoryEntry {
	out := make([]DirectoryEntry, 0, len(d.entries))
	for i, e := range d.entries {
		if e.InUse && !d.isBareContinuation(i) {
			e.Name = d.fullName(i)
			out = append(out, e)
		}
	}
	return out
}

func (d *Directory) isBareContinuation(i int) bool {
	return i > 0 && d.continued[i-1]
}

// FetchFrom decodes the directory's flat byte image from file.
func (d *Directory) FetchFrom(file *OpenFile) error {
	raw := make([]byte, len(d.entries)*entrySize)
	n, err := file.ReadAt(raw, 0)
	if err != nil {
		return err
	}
	if n < len(raw) {
		return disk.ErrShortIO
	}

	for i := range d.continued {
		d.continued[i] = false
		d.extra[i] = ""
	}
	for i := range d.entries {
		off := i * entrySize
		flag := binary.LittleEndian.Uint32(raw[off : off+4])
		switch flag {
		case entryFlagInUse:
			sector := int(int32(binary.LittleEndian.Uint32(raw[off+4 : off+8])))
			name := cStringFrom(raw[off+8 : off+entrySize])
			d.entries[i] = DirectoryEntry{InUse: true, Sector: sector, Name: name}
		case entryFlagContinuation:
			d.entries[i] = DirectoryEntry{InUse: true}
			if i > 0 {
				d.continued[i-1] = true
				d.extra[i-1] = cStringFrom(raw[off+4 : off+entrySize])
			}
		default:
			d.entries[i] = DirectoryEntry{}
		}
	}
	return nil
}

// WriteBack encodes the directory's flat byte image to file.
func (d *Directory) WriteBack(file *OpenFile) error {
	raw := make([]byte, len(d.entries)*entrySize)
	for i, e := range d.entries {
		if d.isBareContinuation(i) {
			// Written by the previous iteration's continuation branch.
			continue
		}
		off := i * entrySize
		switch {
		case e.InUse && d.continued[i]:
			binary.LittleEndian.PutUint32(raw[off:off+4], entryFlagInUse)
			binary.LittleEndian.PutUint32(raw[off+4:off+8], uint32(e.Sector))
			putCString(raw[off+8:off+entrySize], e.Name)
			coff := off + entrySize
			binary.LittleEndian.PutUint32(raw[coff:coff+4], entryFlagContinuation)
			putCString(raw[coff+4:coff+entrySize], d.extra[i])
		case e.InUse:
			binary.LittleEndian.PutUint32(raw[off:off+4], entryFlagInUse)
			binary.LittleEndian.PutUint32(raw[off+4:off+8], uint32(e.Sector))
			putCString(raw[off+8:off+entrySize], e.Name)
		}
	}
	_, err := file.WriteAt(raw, 0)
	return err
}

func cStringFrom(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func putCString(dst []byte, s string) {
	clear(dst)
	copy(dst, s)
}
