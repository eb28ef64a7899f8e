// Package codesign parses the embedded code-signing superblob of a Mach-O
// image: the code directory, entitlements payload, and team/identifier
// strings. All integer fields are big-endian regardless of host or
// slice endianness, per spec §4.3 and §9's note on ad-hoc big-endian
// structs.
package codesign

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"
)

// Log is the package-level logger, silent by default.
var Log = zap.NewNop().Sugar()

// ByteReader is the minimal slice capability this parser needs: a
// bounds-checked read at a file offset relative to the enclosing slice.
// Satisfied by *macho.Slice.
type ByteReader interface {
	ReadAt(offset int64, size int64) ([]byte, error)
}

// Parse reads the code-signing blob tree starting at dataOff (the
// LC_CODE_SIGNATURE command's dataoff) and returns everything recognized.
func Parse(r ByteReader, dataOff uint32) (*ParsedSignature, error) {
	sig := &ParsedSignature{}
	if err := parseBlob(r, int64(dataOff), sig); err != nil {
		return nil, err
	}
	return sig, nil
}

func readBlobHeader(r ByteReader, offset int64) (BlobType, uint32, error) {
	buf, err := r.ReadAt(offset, blobHeaderSize)
	if err != nil {
		return 0, 0, fmt.Errorf("reading blob header at %#x: %w", offset, err)
	}
	magic := binary.BigEndian.Uint32(buf[0:4])
	length := binary.BigEndian.Uint32(buf[4:8])
	return BlobType(magic), length, nil
}

// parseBlob dispatches on magic and recurses into a superblob's children,
// mirroring codesign_parser.py::parse_codesign_blob.
func parseBlob(r ByteReader, offset int64, sig *ParsedSignature) error {
	magic, _, err := readBlobHeader(r, offset)
	if err != nil {
		return err
	}

	switch magic {
	case BlobEmbeddedSignature:
		return parseSuperblob(r, offset, sig)
	case BlobCodeDirectory:
		cd, err := parseCodeDirectory(r, offset)
		if err != nil {
			return err
		}
		sig.CodeDirectories = append(sig.CodeDirectories, *cd)
		return nil
	case BlobEmbeddedEntitlements:
		ent, err := parseEntitlements(r, offset)
		if err != nil {
			return err
		}
		sig.Entitlements = ent
		return nil
	case BlobRequirement, BlobRequirementSet, BlobWrapper, BlobDetachedSignature:
		// Tolerated, parsed no further, per spec §4.3.
		return nil
	default:
		return fmt.Errorf("%w: magic %#x at offset %#x", ErrUnknownBlob, uint32(magic), offset)
	}
}

func parseSuperblob(r ByteReader, offset int64, sig *ParsedSignature) error {
	hdr, err := r.ReadAt(offset, superblobHeaderSize)
	if err != nil {
		return fmt.Errorf("reading superblob header at %#x: %w", offset, err)
	}
	count := binary.BigEndian.Uint32(hdr[8:12])

	indexBuf, err := r.ReadAt(offset+superblobHeaderSize, int64(count)*blobIndexSize)
	if err != nil {
		return fmt.Errorf("reading %d superblob index entries at %#x: %w", count, offset, err)
	}

	for i := uint32(0); i < count; i++ {
		rec := indexBuf[i*blobIndexSize : i*blobIndexSize+blobIndexSize]
		childOffset := binary.BigEndian.Uint32(rec[4:8])

		if err := parseBlob(r, offset+int64(childOffset), sig); err != nil {
			// An individual unrecognized sub-blob should not sink the whole
			// signature walk: log and continue, matching the best-effort
			// propagation policy for downstream (non-container) parsing.
			Log.Debugw("skipping code-signing blob", "offset", offset+int64(childOffset), "error", err)
			continue
		}
	}
	return nil
}

func parseCodeDirectory(r ByteReader, offset int64) (*CodeDirectory, error) {
	buf, err := r.ReadAt(offset, codeDirectoryFixedSize)
	if err != nil {
		return nil, fmt.Errorf("reading code directory at %#x: %w", offset, err)
	}

	version := binary.BigEndian.Uint32(buf[8:12])
	identifierOffset := binary.BigEndian.Uint32(buf[20:24])

	cd := &CodeDirectory{
		Version:      version,
		Flags:        binary.BigEndian.Uint32(buf[12:16]),
		HashOffset:   binary.BigEndian.Uint32(buf[16:20]),
		SpecialSlots: binary.BigEndian.Uint32(buf[24:28]),
		CodeSlots:    binary.BigEndian.Uint32(buf[28:32]),
		CodeLimit:    binary.BigEndian.Uint32(buf[32:36]),
		HashSize:     buf[36],
		HashType:     buf[37],
		Platform:     buf[38],
		PageSize:     buf[39],
	}

	identifier, err := readCString(r, offset+int64(identifierOffset))
	if err != nil {
		return nil, fmt.Errorf("reading code directory identifier: %w", err)
	}
	cd.Identifier = identifier

	if version >= teamIDVersionGate {
		teamOffsetBuf, err := r.ReadAt(offset+48, 4)
		if err != nil {
			return nil, fmt.Errorf("reading team offset: %w", err)
		}
		teamOffset := binary.BigEndian.Uint32(teamOffsetBuf)
		if teamOffset != 0 {
			teamID, err := readCString(r, offset+int64(teamOffset))
			if err != nil {
				return nil, fmt.Errorf("reading team id: %w", err)
			}
			cd.TeamID = teamID
		}
	}

	return cd, nil
}

func parseEntitlements(r ByteReader, offset int64) (Entitlements, error) {
	_, length, err := readBlobHeader(r, offset)
	if err != nil {
		return nil, err
	}
	if length < blobHeaderSize {
		return nil, fmt.Errorf("%w: entitlements blob length %d shorter than header", ErrUnknownBlob, length)
	}
	payload, err := r.ReadAt(offset+blobHeaderSize, int64(length)-blobHeaderSize)
	if err != nil {
		return nil, fmt.Errorf("reading entitlements payload at %#x: %w", offset, err)
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	return out, nil
}

// readCString reads a NUL-terminated string at offset, growing the read
// window until the terminator is found.
func readCString(r ByteReader, offset int64) (string, error) {
	size := int64(32)
	for attempt := 0; attempt < 16; attempt++ {
		buf, err := r.ReadAt(offset, size)
		if err != nil {
			if size <= 1 {
				return "", fmt.Errorf("reading string at %#x: %w", offset, err)
			}
			size /= 2
			continue
		}
		for i, b := range buf {
			if b == 0 {
				return string(buf[:i]), nil
			}
		}
		size *= 2
	}
	return "", fmt.Errorf("string at %#x exceeded search bound", offset)
}
