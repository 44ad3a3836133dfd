// Package lockedindex writes the sentinel that makes a tidy-style
// repository's git directory inhospitable to foreign git tooling
// (§6.5): a zero-entry git index file carrying one required extension.
// The git index-format spec treats an extension signature whose first
// byte is not an uppercase ASCII letter as mandatory, so any git that
// doesn't recognise it refuses to read the index at all rather than
// silently ignoring it and corrupting the working copy or object
// database underneath kart's back.
package lockedindex

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"os"

	"github.com/pkg/errors"
)

// Version is the git index format version this package emits.
const Version uint32 = 2

// Extension is the 4-byte extension signature written into the index.
// It deliberately does not start with an uppercase letter (see package
// doc) so that git treats it as a required extension it cannot satisfy.
var Extension = [4]byte{'k', 'a', 'r', 't'}

// Bytes returns the encoded locked, zero-entry index file content.
func Bytes() []byte {
	var buf bytes.Buffer
	// Header: signature "DIRC", version, entry count (0).
	buf.WriteString("DIRC")
	binary.Write(&buf, binary.BigEndian, Version)
	binary.Write(&buf, binary.BigEndian, uint32(0))

	// One required, empty-bodied extension.
	buf.Write(Extension[:])
	binary.Write(&buf, binary.BigEndian, uint32(0))

	sum := sha1.Sum(buf.Bytes())
	buf.Write(sum[:])
	return buf.Bytes()
}

// WriteTo writes the locked index to path, replacing anything already
// there (the caller is expected to call this only while setting up a
// fresh tidy-style repository, per §6.1).
func WriteTo(path string) error {
	if err := os.WriteFile(path, Bytes(), 0o644); err != nil {
		return errors.Wrapf(err, "lockedindex: write %s", path)
	}
	return nil
}

// IsLocked reports whether the index file at path is kart's locked,
// zero-entry sentinel rather than a real git index that a working
// directory might actually be using.
func IsLocked(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "lockedindex: read %s", path)
	}
	return bytes.Equal(data, Bytes()), nil
}
