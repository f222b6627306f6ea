package dimse

import (
	"bytes"
	"testing"

	"github.com/medigo/dicomul/types"
)

func TestFragmentSingleSmallMessageIsOnePDVPerStream(t *testing.T) {
	command := []byte{1, 2, 3, 4}
	dataSet := []byte{5, 6, 7, 8}
	pdvs := Fragment(command, dataSet, 1, 16384)
	if len(pdvs) != 2 {
		t.Fatalf("got %d PDVs, want 2", len(pdvs))
	}
	if !pdvs[0].IsCommand || !pdvs[0].IsLastFragment {
		t.Errorf("pdv[0] = %+v, want command+last", pdvs[0])
	}
	if pdvs[1].IsCommand || !pdvs[1].IsLastFragment {
		t.Errorf("pdv[1] = %+v, want data+last", pdvs[1])
	}
}

func TestFragmentSplitsOversizedCommand(t *testing.T) {
	command := bytes.Repeat([]byte{0xAA}, 100)
	maxPDUSize := uint32(32) // payload budget = 32-12 = 20 bytes/PDV
	pdvs := Fragment(command, nil, 1, maxPDUSize)
	if len(pdvs) != 5 {
		t.Fatalf("got %d PDVs, want 5 (100 bytes / 20 per PDV)", len(pdvs))
	}
	for i, p := range pdvs {
		wantLast := i == len(pdvs)-1
		if p.IsLastFragment != wantLast {
			t.Errorf("pdv[%d].IsLastFragment = %v, want %v", i, p.IsLastFragment, wantLast)
		}
		if !p.IsCommand {
			t.Errorf("pdv[%d].IsCommand = false, want true", i)
		}
	}
	var reassembled []byte
	for _, p := range pdvs {
		reassembled = append(reassembled, p.Data...)
	}
	if !bytes.Equal(reassembled, command) {
		t.Error("reassembled fragments do not match original command bytes")
	}
}

func TestFragmentOmitsDataStreamWhenAbsent(t *testing.T) {
	pdvs := Fragment([]byte{1, 2}, nil, 1, 16384)
	if len(pdvs) != 1 {
		t.Fatalf("got %d PDVs, want 1 (no data set)", len(pdvs))
	}
}

func noDataSetCommand(msgID uint16) types.CommandSet {
	return types.CommandSet{
		CommandField:        types.CEchoRQ,
		MessageID:           msgID,
		AffectedSOPClassUID: types.VerificationSOPClass,
		CommandDataSetType:  types.NoDataSetPresent,
	}
}

func withDataSetCommand(msgID uint16) types.CommandSet {
	return types.CommandSet{
		CommandField:           types.CStoreRQ,
		MessageID:              msgID,
		AffectedSOPClassUID:    types.CTImageStorage,
		AffectedSOPInstanceUID: "1.2.3.4",
		CommandDataSetType:     types.DataSetPresent,
	}
}

func TestAssemblerCompletesCommandOnlyMessageWithoutDataFragment(t *testing.T) {
	cmd := noDataSetCommand(1)
	encoded := EncodeCommandSet(cmd)
	asm := NewAssembler([]byte{1})
	pdvs := Fragment(encoded, nil, 1, 16384)

	var msg *types.Message
	for _, p := range pdvs {
		m, err := asm.Feed(p)
		if err != nil {
			t.Fatalf("Feed: %v", err)
		}
		if m != nil {
			msg = m
		}
	}
	if msg == nil {
		t.Fatal("expected completed message after last command fragment")
	}
	if msg.Command.MessageID != 1 || msg.DataSet != nil {
		t.Errorf("got %+v, want MessageID=1 and no data set", msg)
	}
}

func TestAssemblerCompletesMessageOnlyAfterDataSetFragment(t *testing.T) {
	cmd := withDataSetCommand(2)
	encodedCmd := EncodeCommandSet(cmd)
	dataSet := bytes.Repeat([]byte{0x42}, 50)
	pdvs := Fragment(encodedCmd, dataSet, 1, 32)

	asm := NewAssembler([]byte{1})
	var completedAt = -1
	var msg *types.Message
	for i, p := range pdvs {
		m, err := asm.Feed(p)
		if err != nil {
			t.Fatalf("Feed(%d): %v", i, err)
		}
		if m != nil {
			if msg != nil {
				t.Fatal("message completed twice")
			}
			msg = m
			completedAt = i
		}
	}
	if msg == nil {
		t.Fatal("expected completed message")
	}
	if completedAt != len(pdvs)-1 {
		t.Errorf("message completed at PDV %d, want last index %d", completedAt, len(pdvs)-1)
	}
	if !bytes.Equal(msg.DataSet, dataSet) {
		t.Error("reassembled data set does not match original")
	}
	if msg.Command.AffectedSOPInstanceUID != cmd.AffectedSOPInstanceUID {
		t.Errorf("command fields lost across reassembly: got %+v", msg.Command)
	}
}

func TestAssemblerRejectsDataFragmentBeforeCommand(t *testing.T) {
	asm := NewAssembler([]byte{1})
	_, err := asm.Feed(types.PDV{ContextID: 1, IsCommand: false, IsLastFragment: true, Data: []byte{1}})
	if err == nil {
		t.Fatal("expected error for data fragment preceding its command")
	}
}

func TestAssemblerRejectsUnknownContext(t *testing.T) {
	asm := NewAssembler([]byte{1})
	_, err := asm.Feed(types.PDV{ContextID: 99, IsCommand: true, IsLastFragment: true, Data: []byte{}})
	if err == nil {
		t.Fatal("expected error for PDV on unknown context")
	}
}

func TestAssemblerTracksPendingAcrossContexts(t *testing.T) {
	asm := NewAssembler([]byte{1, 3})
	encoded := EncodeCommandSet(withDataSetCommand(1))
	// send command fragments but withhold the last one
	first := encoded[:len(encoded)/2]
	if _, err := asm.Feed(types.PDV{ContextID: 1, IsCommand: true, IsLastFragment: false, Data: first}); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if !asm.Pending(1) {
		t.Error("expected context 1 to be pending mid-command")
	}
	if asm.Pending(3) {
		t.Error("context 3 should not be pending")
	}
}

func TestAssemblerInterleavesAcrossContexts(t *testing.T) {
	asm := NewAssembler([]byte{1, 3})
	echoEncoded := EncodeCommandSet(noDataSetCommand(1))
	storeEncoded := EncodeCommandSet(withDataSetCommand(2))
	storeData := []byte{0x01, 0x02, 0x03}

	echoPDVs := Fragment(echoEncoded, nil, 1, 16384)
	storePDVs := Fragment(storeEncoded, storeData, 3, 16384)

	var echoMsg, storeMsg *types.Message
	for _, p := range storePDVs[:1] {
		if _, err := asm.Feed(p); err != nil {
			t.Fatalf("Feed store command: %v", err)
		}
	}
	for _, p := range echoPDVs {
		m, err := asm.Feed(p)
		if err != nil {
			t.Fatalf("Feed echo: %v", err)
		}
		if m != nil {
			echoMsg = m
		}
	}
	for _, p := range storePDVs[1:] {
		m, err := asm.Feed(p)
		if err != nil {
			t.Fatalf("Feed store data: %v", err)
		}
		if m != nil {
			storeMsg = m
		}
	}
	if echoMsg == nil || echoMsg.PresentationContextID != 1 {
		t.Errorf("echo message not completed on context 1: %+v", echoMsg)
	}
	if storeMsg == nil || storeMsg.PresentationContextID != 3 {
		t.Errorf("store message not completed on context 3: %+v", storeMsg)
	}
}
