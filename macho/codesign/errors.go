package codesign

import "errors"

// ErrUnknownBlob is returned when a code-signing blob's magic is not one of
// the recognized CSMAGIC_* values.
var ErrUnknownBlob = errors.New("unrecognized code-signing blob magic")
