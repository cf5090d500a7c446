package locator

import (
	"bytes"
	"io"

	"github.com/h2non/filetype"
	"github.com/h2non/filetype/types"
)

var (
	// TypeMDB is a Jet 3/4 database (.mdb).
	TypeMDB = filetype.NewType("mdb", "application/x-msaccess")
	// TypeACCDB is an ACE database (.accdb).
	TypeACCDB = filetype.NewType("accdb", "application/msaccess")
)

var jetPrefix = []byte{0x00, 0x01, 0x00, 0x00}

func init() {
	filetype.AddMatcher(TypeMDB, signatureMatcher("Standard Jet DB"))
	filetype.AddMatcher(TypeACCDB, signatureMatcher("Standard ACE DB"))
}

func signatureMatcher(sig string) func([]byte) bool {
	return func(buf []byte) bool {
		end := len(jetPrefix) + len(sig)
		return len(buf) >= end &&
			bytes.Equal(buf[:len(jetPrefix)], jetPrefix) &&
			string(buf[len(jetPrefix):end]) == sig
	}
}

// Kind detects the legacy database type of a header.
func Kind(header []byte) types.Type {
	kind, err := filetype.Match(header)
	if err != nil {
		return types.Unknown
	}
	return kind
}

// LooksLikeLegacyDB reports whether header carries a Jet or ACE signature.
func LooksLikeLegacyDB(header []byte) bool {
	k := Kind(header)
	return k == TypeMDB || k == TypeACCDB
}

// SniffLegacyDB reads the first bytes of r and checks the signature.
func SniffLegacyDB(r io.Reader) (bool, error) {
	head := make([]byte, 32)
	n, err := io.ReadFull(r, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return false, err
	}
	return LooksLikeLegacyDB(head[:n]), nil
}
