package codesign

import (
	"encoding/binary"
	"testing"
)

// fakeReader is an in-memory ByteReader backed by a flat byte slice, for
// assembling synthetic code-signing blob trees without a real Mach-O file.
type fakeReader struct {
	buf []byte
}

func (f *fakeReader) ReadAt(offset, size int64) ([]byte, error) {
	if offset < 0 || size < 0 || offset+size > int64(len(f.buf)) {
		return nil, errOutOfBounds
	}
	return f.buf[offset : offset+size], nil
}

var errOutOfBounds = fakeReaderError("out of bounds")

type fakeReaderError string

func (e fakeReaderError) Error() string { return string(e) }

func putBE32(buf []byte, offset int, v uint32) {
	binary.BigEndian.PutUint32(buf[offset:offset+4], v)
}

// buildSuperblobWithCodeDirectory assembles: superblob header, one index
// entry pointing at a code directory blob with an identifier string and
// (if withTeamID) a team-id string.
func buildSuperblobWithCodeDirectory(t *testing.T, withTeamID bool) []byte {
	t.Helper()

	const identifier = "com.example.app"
	const teamID = "ABCDE12345"

	cdFixedSize := codeDirectoryFixedSize
	identifierOffset := uint32(cdFixedSize)
	cdBody := append([]byte{}, []byte(identifier)...)
	cdBody = append(cdBody, 0)

	var teamOffset uint32
	if withTeamID {
		teamOffset = identifierOffset + uint32(len(cdBody))
		cdBody = append(cdBody, []byte(teamID)...)
		cdBody = append(cdBody, 0)
	}

	cdBuf := make([]byte, cdFixedSize)
	putBE32(cdBuf, 0, uint32(BlobCodeDirectory))
	cdLen := uint32(cdFixedSize) + uint32(len(cdBody))
	putBE32(cdBuf, 4, cdLen)
	version := uint32(0x20100)
	if withTeamID {
		version = uint32(0x20200)
	}
	putBE32(cdBuf, 8, version)
	const hashOffset = 0x2c
	putBE32(cdBuf, 12, 0) // flags
	putBE32(cdBuf, 16, hashOffset)
	putBE32(cdBuf, 20, identifierOffset)
	putBE32(cdBuf, 24, 0) // special slots
	putBE32(cdBuf, 28, 0) // code slots
	putBE32(cdBuf, 32, 0) // code limit
	cdBuf[36] = 2         // hash size
	cdBuf[37] = 1         // hash type
	cdBuf[38] = 0         // platform
	cdBuf[39] = 12        // page size
	// bytes 40-43 are unused/spare2, bytes 44-47 are scatter_offset
	if withTeamID {
		putBE32(cdBuf, 48, teamOffset)
	}
	cdBlob := append(cdBuf, cdBody...)

	const superblobStart = 0
	indexOffset := superblobHeaderSize
	cdOffset := superblobStart + indexOffset + blobIndexSize

	super := make([]byte, cdOffset)
	putBE32(super, 0, uint32(BlobEmbeddedSignature))
	putBE32(super, 4, uint32(cdOffset+len(cdBlob)))
	putBE32(super, 8, 1) // one index entry
	putBE32(super, indexOffset, uint32(BlobCodeDirectory))
	putBE32(super, indexOffset+4, uint32(cdOffset))

	return append(super, cdBlob...)
}

func TestParseCodeDirectoryWithTeamID(t *testing.T) {
	buf := buildSuperblobWithCodeDirectory(t, true)
	r := &fakeReader{buf: buf}

	sig, err := Parse(r, 0)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(sig.CodeDirectories) != 1 {
		t.Fatalf("expected 1 code directory, got %d", len(sig.CodeDirectories))
	}
	cd := sig.CodeDirectories[0]
	if cd.Identifier != "com.example.app" {
		t.Errorf("Identifier = %q, want com.example.app", cd.Identifier)
	}
	if cd.TeamID != "ABCDE12345" {
		t.Errorf("TeamID = %q, want ABCDE12345", cd.TeamID)
	}
	if cd.HashOffset != 0x2c {
		t.Errorf("HashOffset = %#x, want 0x2c", cd.HashOffset)
	}
}

func TestParseCodeDirectoryWithoutTeamID(t *testing.T) {
	buf := buildSuperblobWithCodeDirectory(t, false)
	r := &fakeReader{buf: buf}

	sig, err := Parse(r, 0)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	cd := sig.CodeDirectories[0]
	if cd.TeamID != "" {
		t.Errorf("TeamID = %q, want empty for version < 0x20200", cd.TeamID)
	}
	if cd.Identifier != "com.example.app" {
		t.Errorf("Identifier = %q, want com.example.app", cd.Identifier)
	}
}

func TestParseEntitlements(t *testing.T) {
	const xml = "<?xml version=\"1.0\"?><plist></plist>"
	blob := make([]byte, blobHeaderSize)
	putBE32(blob, 0, uint32(BlobEmbeddedEntitlements))
	putBE32(blob, 4, uint32(blobHeaderSize+len(xml)))
	blob = append(blob, []byte(xml)...)

	r := &fakeReader{buf: blob}
	sig, err := Parse(r, 0)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if string(sig.Entitlements) != xml {
		t.Errorf("Entitlements = %q, want %q", sig.Entitlements, xml)
	}
}

func TestParseUnknownBlobMagic(t *testing.T) {
	blob := make([]byte, blobHeaderSize)
	putBE32(blob, 0, 0xdeadbeef)
	putBE32(blob, 4, blobHeaderSize)

	r := &fakeReader{buf: blob}
	if _, err := Parse(r, 0); err == nil {
		t.Fatal("expected ErrUnknownBlob")
	}
}
