package dimse

import (
	"encoding/binary"
	"testing"

	"github.com/medigo/dicomul/types"
)

func TestEncodeCommandSetGroupLengthMatchesBody(t *testing.T) {
	cmd := types.CommandSet{
		CommandField:        types.CEchoRQ,
		MessageID:           1,
		AffectedSOPClassUID: types.VerificationSOPClass,
		CommandDataSetType:  types.NoDataSetPresent,
	}
	encoded := EncodeCommandSet(cmd)
	if len(encoded) < 12 {
		t.Fatalf("encoded command set too short: %d bytes", len(encoded))
	}
	group := binary.LittleEndian.Uint16(encoded[0:2])
	element := binary.LittleEndian.Uint16(encoded[2:4])
	if group != 0 || element != 0 {
		t.Fatalf("first element = (%04x,%04x), want (0000,0000)", group, element)
	}
	declaredLen := binary.LittleEndian.Uint32(encoded[8:12])
	if int(declaredLen) != len(encoded)-12 {
		t.Errorf("group length = %d, want %d", declaredLen, len(encoded)-12)
	}
}

func TestEncodeCommandSetAscendingTagOrder(t *testing.T) {
	cmd := types.CommandSet{
		CommandField:           types.CStoreRSP,
		MessageIDBeingRespondedTo: 7,
		AffectedSOPClassUID:    types.CTImageStorage,
		AffectedSOPInstanceUID: "1.2.3.4",
		Status:                 types.StatusSuccess,
		CommandDataSetType:     types.NoDataSetPresent,
	}
	encoded := EncodeCommandSet(cmd)
	offset := 12 // skip group-length element
	var lastTag uint32
	first := true
	for offset+8 <= len(encoded) {
		group := binary.LittleEndian.Uint16(encoded[offset : offset+2])
		element := binary.LittleEndian.Uint16(encoded[offset+2 : offset+4])
		length := binary.LittleEndian.Uint32(encoded[offset+4 : offset+8])
		tag := uint32(group)<<16 | uint32(element)
		if !first && tag <= lastTag {
			t.Errorf("tag %08x did not strictly increase from %08x", tag, lastTag)
		}
		lastTag = tag
		first = false
		offset += 8 + int(length)
	}
	if offset != len(encoded) {
		t.Fatalf("trailing bytes after last element: consumed %d of %d", offset, len(encoded))
	}
}

func TestCommandSetRoundTrip(t *testing.T) {
	cases := []types.CommandSet{
		{
			CommandField:        types.CEchoRQ,
			MessageID:           1,
			AffectedSOPClassUID: types.VerificationSOPClass,
			CommandDataSetType:  types.NoDataSetPresent,
		},
		{
			CommandField:              types.CEchoRSP,
			MessageIDBeingRespondedTo: 1,
			AffectedSOPClassUID:       types.VerificationSOPClass,
			Status:                    types.StatusSuccess,
			CommandDataSetType:        types.NoDataSetPresent,
		},
		{
			CommandField:           types.CStoreRQ,
			MessageID:              2,
			AffectedSOPClassUID:    types.CTImageStorage,
			AffectedSOPInstanceUID: "1.2.840.10008.5.1.4.1.1.2.1",
			Priority:               types.PriorityMedium,
			CommandDataSetType:     types.DataSetPresent,
		},
		{
			CommandField:              types.CMoveRSP,
			MessageIDBeingRespondedTo: 9,
			AffectedSOPClassUID:       types.StudyRootQueryRetrieveInformationModelMove,
			Status:                    types.StatusPendingMatches,
			CommandDataSetType:        types.NoDataSetPresent,
			RemainingSubOperations:    3,
			CompletedSubOperations:    2,
			FailedSubOperations:       0,
			WarningSubOperations:      0,
		},
	}
	for _, want := range cases {
		encoded := EncodeCommandSet(want)
		got, err := DecodeCommandSet(encoded)
		if err != nil {
			t.Fatalf("DecodeCommandSet: %v", err)
		}
		if got != want {
			t.Errorf("round trip mismatch:\n got  %+v\n want %+v", got, want)
		}
	}
}

func TestDecodeCommandSetTruncatedHeader(t *testing.T) {
	if _, err := DecodeCommandSet([]byte{0x00, 0x00, 0x00}); err == nil {
		t.Fatal("expected error for truncated element header")
	}
}

func TestDecodeCommandSetValueOverrunsBuffer(t *testing.T) {
	bad := []byte{0x00, 0x00, 0x00, 0x00, 0xFF, 0x00, 0x00, 0x00}
	if _, err := DecodeCommandSet(bad); err == nil {
		t.Fatal("expected error when declared length exceeds buffer")
	}
}

func TestDecodeCommandSetSkipsUnknownElements(t *testing.T) {
	cmd := types.CommandSet{
		CommandField:        types.CEchoRQ,
		MessageID:           1,
		AffectedSOPClassUID: types.VerificationSOPClass,
		CommandDataSetType:  types.NoDataSetPresent,
	}
	encoded := EncodeCommandSet(cmd)
	var extra []byte
	extra = append(extra, 0x00, 0x00, 0x99, 0x99, 0x02, 0x00, 0x00, 0x00, 0xAB, 0xCD)
	got, err := DecodeCommandSet(append(encoded, extra...))
	if err != nil {
		t.Fatalf("DecodeCommandSet: %v", err)
	}
	if got.CommandField != cmd.CommandField || got.MessageID != cmd.MessageID {
		t.Errorf("unknown element corrupted known fields: %+v", got)
	}
}
