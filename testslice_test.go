package strongarm

import (
	"bytes"
	"encoding/binary"
	"os"
	"testing"

	"github.com/bytedriver/strongarm/macho"
)

const (
	testFileHeaderSize = 32
	testCPUTypeARM64   = 0x0100000c
	testSymtabCmdSize  = 16
)

// buildTestSlice assembles a synthetic 64-bit little-endian Mach-O image
// with one __TEXT segment/__text section and a one-symbol symtab, using
// only macho's exported surface (this package sits outside macho, like a
// real client).
func buildTestSlice(t *testing.T) *macho.Slice {
	t.Helper()

	const (
		textVMAddr  = 0x100000000
		sectionAddr = 0x100000fa0
		sectionSize = 0x20
	)

	var segCmd bytes.Buffer
	binary.Write(&segCmd, binary.LittleEndian, uint32(macho.LcSegment64))
	cmdSizePos := segCmd.Len()
	binary.Write(&segCmd, binary.LittleEndian, uint32(0))
	var name [16]byte
	copy(name[:], "__TEXT")
	segCmd.Write(name[:])
	binary.Write(&segCmd, binary.LittleEndian, uint64(textVMAddr))
	binary.Write(&segCmd, binary.LittleEndian, uint64(0x4000))
	binary.Write(&segCmd, binary.LittleEndian, uint64(0))
	binary.Write(&segCmd, binary.LittleEndian, uint64(0x4000))
	binary.Write(&segCmd, binary.LittleEndian, uint32(7))
	binary.Write(&segCmd, binary.LittleEndian, uint32(5))
	binary.Write(&segCmd, binary.LittleEndian, uint32(1))
	binary.Write(&segCmd, binary.LittleEndian, uint32(0))

	var sectName, segName [16]byte
	copy(sectName[:], "__text")
	copy(segName[:], "__TEXT")
	segCmd.Write(sectName[:])
	segCmd.Write(segName[:])
	binary.Write(&segCmd, binary.LittleEndian, uint64(sectionAddr))
	binary.Write(&segCmd, binary.LittleEndian, uint64(sectionSize))
	binary.Write(&segCmd, binary.LittleEndian, uint32(0xfa0))
	binary.Write(&segCmd, binary.LittleEndian, uint32(2))
	binary.Write(&segCmd, binary.LittleEndian, uint32(0))
	binary.Write(&segCmd, binary.LittleEndian, uint32(0))
	binary.Write(&segCmd, binary.LittleEndian, uint32(0x80000400))
	binary.Write(&segCmd, binary.LittleEndian, uint32(0))
	binary.Write(&segCmd, binary.LittleEndian, uint32(0))
	binary.Write(&segCmd, binary.LittleEndian, uint32(0))

	segBytes := segCmd.Bytes()
	binary.LittleEndian.PutUint32(segBytes[cmdSizePos:cmdSizePos+4], uint32(len(segBytes)))

	strtab := []byte{0x00}
	strx := uint32(len(strtab))
	strtab = append(strtab, []byte("_main\x00")...)

	var symCmd bytes.Buffer
	binary.Write(&symCmd, binary.LittleEndian, uint32(macho.LcSymtab))
	binary.Write(&symCmd, binary.LittleEndian, uint32(8+testSymtabCmdSize))
	symoffPos := symCmd.Len()
	binary.Write(&symCmd, binary.LittleEndian, uint32(0))
	binary.Write(&symCmd, binary.LittleEndian, uint32(1))
	stroffPos := symCmd.Len()
	binary.Write(&symCmd, binary.LittleEndian, uint32(0))
	binary.Write(&symCmd, binary.LittleEndian, uint32(len(strtab)))

	loadCmds := append(append([]byte{}, segBytes...), symCmd.Bytes()...)

	hdr := make([]byte, testFileHeaderSize)
	binary.LittleEndian.PutUint32(hdr[0:4], macho.Magic64)
	binary.LittleEndian.PutUint32(hdr[4:8], testCPUTypeARM64)
	binary.LittleEndian.PutUint32(hdr[8:12], 0)
	binary.LittleEndian.PutUint32(hdr[12:16], 2)
	binary.LittleEndian.PutUint32(hdr[16:20], 2)
	binary.LittleEndian.PutUint32(hdr[20:24], uint32(len(loadCmds)))
	binary.LittleEndian.PutUint32(hdr[24:28], 0)
	binary.LittleEndian.PutUint32(hdr[28:32], 0)

	file := append(hdr, loadCmds...)
	for int64(len(file)) < 0xfa0 {
		file = append(file, 0)
	}
	file = append(file, make([]byte, sectionSize)...)

	symoff := uint32(len(file))
	nlist := make([]byte, 16)
	binary.LittleEndian.PutUint32(nlist[0:4], strx)
	nlist[4] = 0x0f // N_SECT | N_EXT
	binary.LittleEndian.PutUint64(nlist[8:16], sectionAddr)
	file = append(file, nlist...)

	stroff := uint32(len(file))
	file = append(file, strtab...)

	binary.LittleEndian.PutUint32(loadCmds[len(segBytes)+symoffPos:], symoff)
	binary.LittleEndian.PutUint32(loadCmds[len(segBytes)+stroffPos:], stroff)
	copy(file[testFileHeaderSize:testFileHeaderSize+len(loadCmds)], loadCmds)

	f, err := os.CreateTemp(t.TempDir(), "strongarm-slice-*.bin")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	if _, err := f.Write(file); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	view, err := macho.Open(f.Name())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { view.Close() })

	s, err := view.Slice(view.Slices()[0])
	if err != nil {
		t.Fatalf("Slice: %v", err)
	}
	return s
}
