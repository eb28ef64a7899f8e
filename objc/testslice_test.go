package objc

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
	testNlistSize      = 16
	testNTypeExt       = 0x01
)

// buildSliceWithData assembles a synthetic 64-bit little-endian Mach-O
// image with one __TEXT segment whose section spans dataVMAddr and
// contains payload at file offset sectionFileOff, mirroring
// macho/slice_test.go's buildMinimalSlice but built against only macho's
// exported surface since this helper lives outside the macho package.
func buildSliceWithData(t *testing.T, dataVMAddr uint64, payload []byte) *macho.Slice {
	t.Helper()

	const (
		textVMAddr    = 0x100000000
		sectionFileOff = 0x1000
	)
	sectionSize := uint64(len(payload))

	var segCmd bytes.Buffer
	binary.Write(&segCmd, binary.LittleEndian, uint32(macho.LcSegment64))
	cmdSizePos := segCmd.Len()
	binary.Write(&segCmd, binary.LittleEndian, uint32(0))
	var name [16]byte
	copy(name[:], "__TEXT")
	segCmd.Write(name[:])
	binary.Write(&segCmd, binary.LittleEndian, uint64(textVMAddr))
	binary.Write(&segCmd, binary.LittleEndian, uint64(0x10000))
	binary.Write(&segCmd, binary.LittleEndian, uint64(0))
	binary.Write(&segCmd, binary.LittleEndian, uint64(0x10000))
	binary.Write(&segCmd, binary.LittleEndian, uint32(7))
	binary.Write(&segCmd, binary.LittleEndian, uint32(5))
	binary.Write(&segCmd, binary.LittleEndian, uint32(1))
	binary.Write(&segCmd, binary.LittleEndian, uint32(0))

	var sectName, segName [16]byte
	copy(sectName[:], "__data")
	copy(segName[:], "__TEXT")
	segCmd.Write(sectName[:])
	segCmd.Write(segName[:])
	binary.Write(&segCmd, binary.LittleEndian, uint64(dataVMAddr))
	binary.Write(&segCmd, binary.LittleEndian, sectionSize)
	binary.Write(&segCmd, binary.LittleEndian, uint32(sectionFileOff))
	binary.Write(&segCmd, binary.LittleEndian, uint32(3))
	binary.Write(&segCmd, binary.LittleEndian, uint32(0))
	binary.Write(&segCmd, binary.LittleEndian, uint32(0))
	binary.Write(&segCmd, binary.LittleEndian, uint32(0))
	binary.Write(&segCmd, binary.LittleEndian, uint32(0))
	binary.Write(&segCmd, binary.LittleEndian, uint32(0))

	segBytes := segCmd.Bytes()
	binary.LittleEndian.PutUint32(segBytes[cmdSizePos:cmdSizePos+4], uint32(len(segBytes)))

	var symCmd bytes.Buffer
	binary.Write(&symCmd, binary.LittleEndian, uint32(macho.LcSymtab))
	binary.Write(&symCmd, binary.LittleEndian, uint32(8+testSymtabCmdSize))
	binary.Write(&symCmd, binary.LittleEndian, uint32(0)) // symoff
	binary.Write(&symCmd, binary.LittleEndian, uint32(0)) // nsyms
	binary.Write(&symCmd, binary.LittleEndian, uint32(0)) // stroff
	binary.Write(&symCmd, binary.LittleEndian, uint32(0)) // strsize

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
	for int64(len(file)) < sectionFileOff {
		file = append(file, 0)
	}
	file = append(file, payload...)

	f, err := os.CreateTemp(t.TempDir(), "objc-slice-*.bin")
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
