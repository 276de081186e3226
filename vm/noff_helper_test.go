package vm

import (
	"bytes"
	"encoding/binary"
)

// buildNoff assembles a minimal valid NOFF executable in memory: a header
// followed immediately by the code and initData segment bytes, for use as
// the io.ReaderAt New expects.
func buildNoff(code, initData []byte) *bytes.Reader {
	const headerSize = 40
	codeOff := headerSize
	dataOff := codeOff + len(code)

	buf := make([]byte, dataOff+len(initData))
	binary.LittleEndian.PutUint32(buf[0:4], 0xbadfad)

	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(code)))
	binary.LittleEndian.PutUint32(buf[8:12], 0)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(codeOff))

	binary.LittleEndian.PutUint32(buf[16:20], uint32(len(initData)))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(len(code)))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(dataOff))

	copy(buf[codeOff:], code)
	copy(buf[dataOff:], initData)

	return bytes.NewReader(buf)
}
