package dataset

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// FileMeta is the subset of a Part 10 file's File Meta Information group
// (0x0002) callers need to propose presentation contexts and build a
// StoreFile without re-parsing the data set itself.
type FileMeta struct {
	SOPClassUID       string
	SOPInstanceUID    string
	TransferSyntaxUID string
}

// StripPart10Header removes the 128-byte preamble, "DICM" prefix, and File
// Meta Information (group 0x0002) from a complete Part 10 file, returning
// just the data set bytes a C-STORE operation sends as its PDV payload.
func StripPart10Header(data []byte, logger zerolog.Logger) ([]byte, error) {
	meta, offset, err := parseFileMeta(data)
	if err != nil {
		return nil, err
	}
	if meta.TransferSyntaxUID != "" {
		logger.Debug().Str("transfer_syntax", meta.TransferSyntaxUID).Int("dataset_start_offset", offset).Msg("found transfer syntax in file meta information")
	}
	if offset >= len(data) {
		return nil, fmt.Errorf("failed to find dataset after file meta information")
	}
	return data[offset:], nil
}

// ReadFileMeta parses a Part 10 file's preamble and File Meta Information
// group, returning the SOP Class/Instance UID and transfer syntax alongside
// the already-stripped data set bytes — everything a C-STORE client needs
// to propose the right presentation context without a second pass over the
// file.
func ReadFileMeta(data []byte) (FileMeta, []byte, error) {
	meta, offset, err := parseFileMeta(data)
	if err != nil {
		return FileMeta{}, nil, err
	}
	if offset >= len(data) {
		return FileMeta{}, nil, fmt.Errorf("failed to find dataset after file meta information")
	}
	return meta, data[offset:], nil
}

func parseFileMeta(data []byte) (FileMeta, int, error) {
	if len(data) < 132 {
		return FileMeta{}, 0, fmt.Errorf("data too short to be DICOM Part 10 (need at least 132 bytes, got %d)", len(data))
	}
	if string(data[128:132]) != "DICM" {
		return FileMeta{}, 0, fmt.Errorf("not a valid DICOM Part 10 file: missing DICM prefix at offset 128")
	}

	offset := 132
	var meta FileMeta

	for offset+8 <= len(data) {
		group := uint16(data[offset]) | uint16(data[offset+1])<<8
		element := uint16(data[offset+2]) | uint16(data[offset+3])<<8
		if group != 0x0002 {
			break
		}
		vr := string(data[offset+4 : offset+6])

		var length uint32
		if vr == VROB || vr == VROW || vr == VROF || vr == VRSQ || vr == VRUN || vr == VRUT {
			offset += 8
			if offset+4 > len(data) {
				break
			}
			length = uint32(data[offset]) | uint32(data[offset+1])<<8 | uint32(data[offset+2])<<16 | uint32(data[offset+3])<<24
			offset += 4
		} else {
			offset += 6
			if offset+2 > len(data) {
				break
			}
			length = uint32(data[offset]) | uint32(data[offset+1])<<8
			offset += 2
		}
		valueOffset := offset

		if valueOffset+int(length) <= len(data) {
			value := strings.TrimRight(string(data[valueOffset:valueOffset+int(length)]), "\x00 ")
			switch element {
			case 0x0002:
				meta.SOPClassUID = value
			case 0x0003:
				meta.SOPInstanceUID = value
			case 0x0010:
				meta.TransferSyntaxUID = value
			}
		}

		offset += int(length)
		if offset > len(data) {
			break
		}
	}

	return meta, offset, nil
}

// HasPart10Header reports whether data carries the 128-byte preamble
// followed by "DICM".
func HasPart10Header(data []byte) bool {
	if len(data) < 132 {
		return false
	}
	return string(data[128:132]) == "DICM"
}

// WritePart10Header prepends a minimal Part 10 preamble, "DICM" prefix, and
// File Meta Information group (SOP Class/Instance UID and transfer syntax)
// to datasetBytes, so the SCP's storage handler can persist received data
// sets as standalone .dcm files rather than bare data-set fragments.
func WritePart10Header(datasetBytes []byte, sopClassUID, sopInstanceUID, transferSyntaxUID string) []byte {
	var buf bytes.Buffer
	buf.Write(make([]byte, 128))
	buf.WriteString("DICM")

	meta := New()
	meta.Add(Tag{0x0002, 0x0002}, VRUI, sopClassUID)
	meta.Add(Tag{0x0002, 0x0003}, VRUI, sopInstanceUID)
	meta.Add(Tag{0x0002, 0x0010}, VRUI, transferSyntaxUID)
	metaBytes := Encode(meta, "") // File Meta Information is always Explicit VR LE
	buf.Write(metaBytes)

	buf.Write(datasetBytes)
	return buf.Bytes()
}
