package codesign

// BlobType identifies a code-signing blob's magic, per
// codesign_definitions.py's CodesignBlobTypeEnum.
type BlobType uint32

const (
	BlobRequirement          BlobType = 0xfade0c00
	BlobRequirementSet       BlobType = 0xfade0c01
	BlobCodeDirectory        BlobType = 0xfade0c02
	BlobEmbeddedSignature    BlobType = 0xfade0cc0
	BlobDetachedSignature    BlobType = 0xfade0cc1
	BlobEmbeddedEntitlements BlobType = 0xfade7171
	BlobWrapper              BlobType = 0xfade0b01
)

func (t BlobType) String() string {
	switch t {
	case BlobRequirement:
		return "requirement"
	case BlobRequirementSet:
		return "requirement-set"
	case BlobCodeDirectory:
		return "code-directory"
	case BlobEmbeddedSignature:
		return "embedded-signature"
	case BlobDetachedSignature:
		return "detached-signature"
	case BlobEmbeddedEntitlements:
		return "embedded-entitlements"
	case BlobWrapper:
		return "blob-wrapper"
	default:
		return "unknown"
	}
}

// blobHeaderSize is sizeof(CS_BlobStruct): magic + length, both big-endian.
const blobHeaderSize = 8

// superblobHeaderSize adds the index-entry count.
const superblobHeaderSize = blobHeaderSize + 4

// blobIndexSize is sizeof(CS_BlobIndexStruct): type + offset.
const blobIndexSize = 8

// codeDirectoryFixedSize is the size of CSCodeDirectoryStruct up to and
// including team_offset. parseCodeDirectory reads this many bytes for every
// version; for versions below teamIDVersionGate the trailing bytes lie past
// the struct and are not interpreted.
const codeDirectoryFixedSize = 52

// teamIDVersionGate is the CodeDirectory version at and after which a
// team_offset field is present; below it, the struct ends earlier and
// reading team_offset would read past the real struct.
const teamIDVersionGate = 0x20200

// CodeDirectory is the parsed CS_CodeDirectory blob, kept with the fuller
// field set original_source exposes (SPEC_FULL.md §7.5) rather than just
// identifier/team-id.
type CodeDirectory struct {
	Version        uint32
	Flags          uint32
	HashOffset     uint32
	CodeLimit      uint32
	HashSize       uint8
	HashType       uint8
	Platform       uint8
	PageSize       uint8
	SpecialSlots   uint32
	CodeSlots      uint32
	Identifier     string
	TeamID         string // empty when Version < teamIDVersionGate
}

// Entitlements is the raw XML plist payload of an embedded-entitlements
// blob; callers decode it externally, per spec §4.3.
type Entitlements []byte

// ParsedSignature accumulates everything recognized while walking a
// signature's blob tree. Requirement(s)/wrapper/detached blobs are
// tolerated but not parsed further, per spec §4.3, so they are not
// represented here beyond being skipped.
type ParsedSignature struct {
	CodeDirectories []CodeDirectory
	Entitlements    Entitlements
}
