// Package types holds the wire-level data model shared by the PDU, DIMSE,
// association and resilience layers: AE titles, UIDs, presentation contexts,
// association parameters and DIMSE command sets.
package types

import (
	"fmt"
	"strings"
)

// AETitle is a DICOM Application Entity title: 1-16 printable ASCII
// characters, trimmed of leading/trailing spaces.
type AETitle string

// NewAETitle validates and trims raw into an AETitle.
func NewAETitle(raw string) (AETitle, error) {
	trimmed := strings.TrimSpace(raw)
	if len(trimmed) < 1 || len(trimmed) > 16 {
		return "", fmt.Errorf("dicomul: AE title %q must be 1-16 characters after trimming", raw)
	}
	for _, r := range trimmed {
		if r < 0x20 || r > 0x7e {
			return "", fmt.Errorf("dicomul: AE title %q contains non-ASCII-printable character", raw)
		}
	}
	return AETitle(trimmed), nil
}

// WireBytes returns the 16-byte space-padded wire form.
func (a AETitle) WireBytes() [16]byte {
	var out [16]byte
	for i := range out {
		out[i] = ' '
	}
	copy(out[:], a)
	return out
}

// AETitleFromWire parses a 16-byte wire field into a trimmed AETitle. Unlike
// NewAETitle it tolerates an all-space or all-null field by returning "".
func AETitleFromWire(raw []byte) AETitle {
	s := string(raw)
	if idx := strings.IndexByte(s, 0); idx != -1 {
		s = s[:idx]
	}
	return AETitle(strings.TrimSpace(s))
}

func (a AETitle) String() string { return string(a) }
