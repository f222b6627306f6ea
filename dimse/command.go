// Package dimse implements the DIMSE layer: the command-set codec (Implicit
// VR Little Endian, group 0x0000), the message fragmenter/assembler that
// splits and reassembles messages across P-DATA-TF PDVs, and status
// category helpers. It has no knowledge of the association state machine;
// see package assoc for that.
package dimse

import (
	"encoding/binary"

	"github.com/medigo/dicomul/errors"
	"github.com/medigo/dicomul/types"
)

// Command set element tags (group is always 0x0000).
const (
	tagAffectedSOPClassUID       uint16 = 0x0002
	tagRequestedSOPClassUID      uint16 = 0x0003
	tagCommandField              uint16 = 0x0100
	tagMessageID                 uint16 = 0x0110
	tagMessageIDBeingRespondedTo uint16 = 0x0120
	tagMoveDestination           uint16 = 0x0600
	tagPriority                  uint16 = 0x0700
	tagCommandDataSetType        uint16 = 0x0800
	tagStatus                    uint16 = 0x0900
	tagAffectedSOPInstanceUID    uint16 = 0x1000
	tagRequestedSOPInstanceUID   uint16 = 0x1001
	tagRemainingSubOperations    uint16 = 0x1020
	tagCompletedSubOperations    uint16 = 0x1021
	tagFailedSubOperations       uint16 = 0x1022
	tagWarningSubOperations      uint16 = 0x1023
	tagGroupLength               uint16 = 0x0000
)

func putUS(buf []byte, element uint16, value uint16) []byte {
	buf = append(buf, 0x00, 0x00)
	var eb [2]byte
	binary.LittleEndian.PutUint16(eb[:], element)
	buf = append(buf, eb[:]...)
	buf = append(buf, 0x02, 0x00, 0x00, 0x00)
	var vb [2]byte
	binary.LittleEndian.PutUint16(vb[:], value)
	return append(buf, vb[:]...)
}

func putString(buf []byte, element uint16, value string) []byte {
	if value == "" {
		return buf
	}
	data := []byte(value)
	if len(data)%2 == 1 {
		data = append(data, 0x00)
	}
	buf = append(buf, 0x00, 0x00)
	var eb [2]byte
	binary.LittleEndian.PutUint16(eb[:], element)
	buf = append(buf, eb[:]...)
	var lb [4]byte
	binary.LittleEndian.PutUint32(lb[:], uint32(len(data)))
	buf = append(buf, lb[:]...)
	return append(buf, data...)
}

// EncodeCommandSet encodes cmd as Implicit VR Little Endian, group 0x0000,
// elements in strictly ascending tag order, prefixed by the group-length
// element (0000,0000) summing the byte length of all subsequent elements
// (spec §4.4).
func EncodeCommandSet(cmd types.CommandSet) []byte {
	isResponse := cmd.CommandField&0x8000 != 0
	kind := cmd.Kind()
	includeCounters := kind == types.CommandCMoveRSP || kind == types.CommandCGetRSP

	var body []byte
	body = putString(body, tagAffectedSOPClassUID, cmd.AffectedSOPClassUID)
	body = putString(body, tagRequestedSOPClassUID, cmd.RequestedSOPClassUID)
	body = putUS(body, tagCommandField, cmd.CommandField)
	if !isResponse {
		body = putUS(body, tagMessageID, cmd.MessageID)
	} else {
		body = putUS(body, tagMessageIDBeingRespondedTo, cmd.MessageIDBeingRespondedTo)
	}
	body = putString(body, tagMoveDestination, string(cmd.MoveDestination))
	if !isResponse {
		body = putUS(body, tagPriority, cmd.Priority)
	}
	body = putUS(body, tagCommandDataSetType, cmd.CommandDataSetType)
	if isResponse {
		body = putUS(body, tagStatus, cmd.Status)
	}
	body = putString(body, tagAffectedSOPInstanceUID, cmd.AffectedSOPInstanceUID)
	body = putString(body, tagRequestedSOPInstanceUID, cmd.RequestedSOPInstanceUID)
	if includeCounters {
		body = putUS(body, tagRemainingSubOperations, cmd.RemainingSubOperations)
		body = putUS(body, tagCompletedSubOperations, cmd.CompletedSubOperations)
		body = putUS(body, tagFailedSubOperations, cmd.FailedSubOperations)
		body = putUS(body, tagWarningSubOperations, cmd.WarningSubOperations)
	}

	groupLength := make([]byte, 12)
	// (0000,0000) UL, length 4, value = len(body)
	binary.LittleEndian.PutUint32(groupLength[4:8], 4)
	binary.LittleEndian.PutUint32(groupLength[8:12], uint32(len(body)))
	return append(groupLength, body...)
}

// DecodeCommandSet decodes an Implicit VR Little Endian, group 0x0000
// command set. Unknown elements are skipped, matching the PDU codec's
// forward-compatibility stance.
func DecodeCommandSet(data []byte) (types.CommandSet, error) {
	var cmd types.CommandSet
	offset := 0
	for offset < len(data) {
		if offset+8 > len(data) {
			return types.CommandSet{}, errors.NewProtocolError("decoding_failed", "truncated command element header")
		}
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		length := binary.LittleEndian.Uint32(data[offset+4 : offset+8])
		valueStart := offset + 8
		valueEnd := valueStart + int(length)
		if valueEnd > len(data) {
			return types.CommandSet{}, errors.NewProtocolError("decoding_failed", "command element value exceeds buffer")
		}
		value := data[valueStart:valueEnd]

		if group == 0x0000 {
			switch element {
			case tagGroupLength:
				// informational only, recomputed on encode
			case tagAffectedSOPClassUID:
				cmd.AffectedSOPClassUID = types.NormalizeUID(value)
			case tagRequestedSOPClassUID:
				cmd.RequestedSOPClassUID = types.NormalizeUID(value)
			case tagCommandField:
				cmd.CommandField = mustUS(value)
			case tagMessageID:
				cmd.MessageID = mustUS(value)
			case tagMessageIDBeingRespondedTo:
				cmd.MessageIDBeingRespondedTo = mustUS(value)
			case tagMoveDestination:
				cmd.MoveDestination = types.AETitle(types.NormalizeUID(value))
			case tagPriority:
				cmd.Priority = mustUS(value)
			case tagCommandDataSetType:
				cmd.CommandDataSetType = mustUS(value)
			case tagStatus:
				cmd.Status = mustUS(value)
			case tagAffectedSOPInstanceUID:
				cmd.AffectedSOPInstanceUID = types.NormalizeUID(value)
			case tagRequestedSOPInstanceUID:
				cmd.RequestedSOPInstanceUID = types.NormalizeUID(value)
			case tagRemainingSubOperations:
				cmd.RemainingSubOperations = mustUS(value)
			case tagCompletedSubOperations:
				cmd.CompletedSubOperations = mustUS(value)
			case tagFailedSubOperations:
				cmd.FailedSubOperations = mustUS(value)
			case tagWarningSubOperations:
				cmd.WarningSubOperations = mustUS(value)
			}
		}
		offset = valueEnd
	}
	return cmd, nil
}

func mustUS(value []byte) uint16 {
	if len(value) != 2 {
		return 0
	}
	return binary.LittleEndian.Uint16(value)
}
