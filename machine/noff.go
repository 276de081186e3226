package machine

import (
	"encoding/binary"
	"fmt"
	"io"
)

// NoffMagic identifies a valid NOFF (Nachos Object File Format) header.
const NoffMagic = 0xbadfad

// segmentSize is the encoded byte length of one Segment: three int32
// fields (size, virtualAddr, inFileAddr).
const segmentSize = 12

// noffHeaderSize is the encoded byte length of a NoffHeader: magic plus
// three segments.
const noffHeaderSize = 4 + 3*segmentSize

// Segment describes one contiguous region of a NOFF executable: its size
// in bytes, the virtual address it loads at, and its offset within the
// executable file.
type Segment struct {
	Size        int32
	VirtualAddr int32
	InFileAddr  int32
}

// NoffHeader is the on-disk layout of a NOFF executable's header, per
// spec §4.4: three segments (code, initData, uninitData), little-endian.
type NoffHeader struct {
	Magic      int32
	Code       Segment
	InitData   Segment
	UninitData Segment
}

// ReadNoffHeader reads and validates the NOFF header at the start of r.
func ReadNoffHeader(r io.ReaderAt) (NoffHeader, error) {
	var buf [noffHeaderSize]byte
	if _, err := r.ReadAt(buf[:], 0); err != nil {
		return NoffHeader{}, fmt.Errorf("machine: read noff header: %w", err)
	}

	h := NoffHeader{
		Magic: int32(binary.LittleEndian.Uint32(buf[0:4])),
		Code: Segment{
			Size:        int32(binary.LittleEndian.Uint32(buf[4:8])),
			VirtualAddr: int32(binary.LittleEndian.Uint32(buf[8:12])),
			InFileAddr:  int32(binary.LittleEndian.Uint32(buf[12:16])),
		},
		InitData: Segment{
			Size:        int32(binary.LittleEndian.Uint32(buf[16:20])),
			VirtualAddr: int32(binary.LittleEndian.Uint32(buf[20:24])),
			InFileAddr:  int32(binary.LittleEndian.Uint32(buf[24:28])),
		},
		UninitData: Segment{
			Size:        int32(binary.LittleEndian.Uint32(buf[28:32])),
			VirtualAddr: int32(binary.LittleEndian.Uint32(buf[32:36])),
			InFileAddr:  int32(binary.LittleEndian.Uint32(buf[36:40])),
		},
	}
	if h.Magic != NoffMagic {
		return NoffHeader{}, fmt.Errorf("machine: bad noff magic %#x", h.Magic)
	}
	return h, nil
}
