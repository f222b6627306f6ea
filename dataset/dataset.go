// Package dataset provides the minimal DICOM data set representation DIMSE
// operations need: parsing/encoding data set bytes in either Implicit or
// Explicit VR Little Endian, and extracting the handful of attributes
// (SOP Class/Instance UID, and so on) that drive C-STORE/C-FIND/C-MOVE/C-GET
// dispatch. It is not a general-purpose DICOM toolkit; interpreting the rest
// of a data set's contents is left to the caller (spec §1's Non-goals).
package dataset

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/medigo/dicomul/types"
)

// Value representation constants (PS3.5 table 6.2-1).
const (
	VRAE = "AE"
	VRAS = "AS"
	VRAT = "AT"
	VRCS = "CS"
	VRDA = "DA"
	VRDS = "DS"
	VRDT = "DT"
	VRFL = "FL"
	VRFD = "FD"
	VRIS = "IS"
	VRLO = "LO"
	VRLT = "LT"
	VROB = "OB"
	VROD = "OD"
	VROF = "OF"
	VROL = "OL"
	VROV = "OV"
	VROW = "OW"
	VRPN = "PN"
	VRSH = "SH"
	VRSL = "SL"
	VRSQ = "SQ"
	VRSS = "SS"
	VRST = "ST"
	VRSV = "SV"
	VRTM = "TM"
	VRUC = "UC"
	VRUI = "UI"
	VRUL = "UL"
	VRUN = "UN"
	VRUR = "UR"
	VRUS = "US"
	VRUT = "UT"
	VRUV = "UV"
)

var longVRs = map[string]bool{
	VROB: true, VROD: true, VROF: true, VROL: true, VROV: true,
	VROW: true, VRSQ: true, VRSV: true, VRUC: true, VRUR: true,
	VRUT: true, VRUN: true,
}

// Tag is a (group, element) pair.
type Tag struct {
	Group   uint16
	Element uint16
}

func (t Tag) String() string {
	return fmt.Sprintf("(%04x,%04x)", t.Group, t.Element)
}

var (
	TagSOPClassUID        = Tag{0x0008, 0x0016}
	TagSOPInstanceUID     = Tag{0x0008, 0x0018}
	TagStudyInstanceUID   = Tag{0x0020, 0x000D}
	TagSeriesInstanceUID  = Tag{0x0020, 0x000E}
	TagPatientID          = Tag{0x0010, 0x0020}
	TagQueryRetrieveLevel = Tag{0x0008, 0x0052}
)

// Element is one decoded data element.
type Element struct {
	Tag   Tag
	VR    string
	Value interface{}
}

// Dataset is a flat collection of elements keyed by tag. Every value,
// sequences (VR SQ) included, is decoded as a string cut at the first NUL
// and trimmed of surrounding spaces; nested sequence items are not parsed.
type Dataset struct {
	Elements map[Tag]*Element
}

func New() *Dataset {
	return &Dataset{Elements: make(map[Tag]*Element)}
}

func (d *Dataset) Add(tag Tag, vr string, value interface{}) {
	d.Elements[tag] = &Element{Tag: tag, VR: vr, Value: value}
}

func (d *Dataset) Get(tag Tag) (*Element, bool) {
	e, ok := d.Elements[tag]
	return e, ok
}

// GetString returns a single string value, trimmed of padding.
func (d *Dataset) GetString(tag Tag) string {
	if e, ok := d.Elements[tag]; ok {
		if s, ok := e.Value.(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// GetStrings splits a multi-valued (backslash-delimited) string element.
func (d *Dataset) GetStrings(tag Tag) []string {
	e, ok := d.Elements[tag]
	if !ok {
		return nil
	}
	switch v := e.Value.(type) {
	case string:
		parts := strings.Split(v, "\\")
		out := make([]string, len(parts))
		for i, p := range parts {
			out[i] = strings.TrimSpace(p)
		}
		return out
	case []string:
		return v
	}
	return nil
}

// SOPClassUID and SOPInstanceUID satisfy the Extractor interface scu/scp use
// to populate C-STORE/C-MOVE command sets without depending on this
// package's internals directly.
func (d *Dataset) SOPClassUID() string    { return d.GetString(TagSOPClassUID) }
func (d *Dataset) SOPInstanceUID() string { return d.GetString(TagSOPInstanceUID) }

// PatientID, StudyInstanceUID, and SeriesInstanceUID back the SCP storage
// handler's optional hierarchical layout (spec §4.6).
func (d *Dataset) PatientID() string         { return d.GetString(TagPatientID) }
func (d *Dataset) StudyInstanceUID() string  { return d.GetString(TagStudyInstanceUID) }
func (d *Dataset) SeriesInstanceUID() string { return d.GetString(TagSeriesInstanceUID) }

// Extractor is the narrow read surface scu/scp need from a data set,
// independent of how it was parsed or constructed (spec §1's boundary:
// interpreting data set contents beyond these identifying attributes is out
// of scope).
type Extractor interface {
	SOPClassUID() string
	SOPInstanceUID() string
}

// Parse decodes data set bytes per the given transfer syntax. Only Implicit
// and Explicit VR Little Endian are understood; anything else is decoded as
// Explicit VR LE on a best-effort basis, matching the teacher's permissive
// fallback.
func Parse(data []byte, transferSyntaxUID string) (*Dataset, error) {
	switch transferSyntaxUID {
	case types.ImplicitVRLittleEndian:
		return parseImplicit(data)
	default:
		return parseExplicit(data)
	}
}

func parseExplicit(data []byte) (*Dataset, error) {
	ds := New()
	offset := 0
	for offset+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		tag := Tag{Group: group, Element: element}
		vr := string(data[offset+4 : offset+6])

		var length uint32
		var valueOffset int
		if longVRs[vr] {
			if offset+12 > len(data) {
				break
			}
			length = binary.LittleEndian.Uint32(data[offset+8 : offset+12])
			valueOffset = offset + 12
		} else {
			length = uint32(binary.LittleEndian.Uint16(data[offset+6 : offset+8]))
			valueOffset = offset + 8
		}
		if valueOffset+int(length) > len(data) {
			break
		}
		value := decodeValue(data[valueOffset : valueOffset+int(length)])
		ds.Add(tag, vr, value)

		next := valueOffset + int(length)
		if length%2 == 1 {
			next++
		}
		offset = next
	}
	return ds, nil
}

func parseImplicit(data []byte) (*Dataset, error) {
	ds := New()
	offset := 0
	for offset+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		tag := Tag{Group: group, Element: element}
		length := binary.LittleEndian.Uint32(data[offset+4 : offset+8])
		valueOffset := offset + 8
		if valueOffset+int(length) > len(data) {
			break
		}
		value := decodeValue(data[valueOffset : valueOffset+int(length)])
		ds.Add(tag, vrForTag(tag), value)

		next := valueOffset + int(length)
		if length%2 == 1 {
			next++
		}
		offset = next
	}
	return ds, nil
}

func decodeValue(raw []byte) interface{} {
	if len(raw) == 0 {
		return ""
	}
	s := string(raw)
	if idx := strings.IndexByte(s, 0); idx != -1 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

// vrForTag covers the identifying attributes this package's callers rely
// on; anything else decodes as unknown (VR UN), since interpreting the
// full data dictionary is out of scope here.
func vrForTag(tag Tag) string {
	switch tag {
	case TagSOPClassUID, TagSOPInstanceUID, TagStudyInstanceUID, TagSeriesInstanceUID:
		return VRUI
	case TagPatientID:
		return VRLO
	case TagQueryRetrieveLevel:
		return VRCS
	default:
		return VRUN
	}
}

// Encode serializes the data set per the given transfer syntax, elements in
// ascending tag order.
func Encode(ds *Dataset, transferSyntaxUID string) []byte {
	if ds == nil {
		return nil
	}
	tags := make([]Tag, 0, len(ds.Elements))
	for tag := range ds.Elements {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool {
		if tags[i].Group != tags[j].Group {
			return tags[i].Group < tags[j].Group
		}
		return tags[i].Element < tags[j].Element
	})

	implicit := transferSyntaxUID == types.ImplicitVRLittleEndian
	var out []byte
	for _, tag := range tags {
		e := ds.Elements[tag]
		var tagBytes [4]byte
		binary.LittleEndian.PutUint16(tagBytes[0:2], tag.Group)
		binary.LittleEndian.PutUint16(tagBytes[2:4], tag.Element)
		out = append(out, tagBytes[:]...)

		value := encodeValue(e)
		if len(value)%2 == 1 {
			value = append(value, 0x20)
		}

		if implicit {
			var lb [4]byte
			binary.LittleEndian.PutUint32(lb[:], uint32(len(value)))
			out = append(out, lb[:]...)
			out = append(out, value...)
			continue
		}

		out = append(out, []byte(e.VR)...)
		if longVRs[e.VR] {
			out = append(out, 0x00, 0x00)
			var lb [4]byte
			binary.LittleEndian.PutUint32(lb[:], uint32(len(value)))
			out = append(out, lb[:]...)
		} else {
			var lb [2]byte
			binary.LittleEndian.PutUint16(lb[:], uint16(len(value)))
			out = append(out, lb[:]...)
		}
		out = append(out, value...)
	}
	return out
}

func encodeValue(e *Element) []byte {
	switch v := e.Value.(type) {
	case string:
		return []byte(strings.TrimRight(v, "\x00"))
	case []string:
		return []byte(strings.TrimRight(strings.Join(v, "\\"), "\x00"))
	case uint16:
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, v)
		return b
	case uint32:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, v)
		return b
	case int:
		return []byte(fmt.Sprintf("%d", v))
	default:
		return []byte(fmt.Sprintf("%v", v))
	}
}
