package scu

import (
	"testing"

	"github.com/medigo/dicomul/types"
)

func TestStoreSendsDataSetAndReportsSuccess(t *testing.T) {
	var receivedDataSet []byte
	address := startServer(t, allowAll(types.CTImageStorage), func(p *peer) {
		msg, err := p.receive()
		if err != nil {
			t.Errorf("server receive: %v", err)
			return
		}
		if msg.Kind != types.CommandCStoreRQ {
			t.Errorf("server got kind %v, want CommandCStoreRQ", msg.Kind)
			return
		}
		receivedDataSet = msg.DataSet

		resp := types.CommandSet{
			CommandField:              types.CStoreRSP,
			MessageIDBeingRespondedTo: msg.Command.MessageID,
			AffectedSOPClassUID:       msg.Command.AffectedSOPClassUID,
			AffectedSOPInstanceUID:    msg.Command.AffectedSOPInstanceUID,
			Status:                    types.StatusSuccess,
			CommandDataSetType:        types.NoDataSetPresent,
		}
		p.send(msg.PresentationContextID, resp, nil)
	})

	file := StoreFile{
		SOPClassUID:       types.CTImageStorage,
		SOPInstanceUID:    "1.2.3.4.5",
		TransferSyntaxUID: types.ImplicitVRLittleEndian,
		DatasetBytes:      []byte{0xDE, 0xAD, 0xBE, 0xEF},
	}
	result, err := Store(testConfig(address), file)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if !result.Success {
		t.Errorf("result.Success = false, status = 0x%04X", result.Status)
	}
	if string(receivedDataSet) != string(file.DatasetBytes) {
		t.Errorf("server saw data set %v, want %v", receivedDataSet, file.DatasetBytes)
	}
}

func TestStoreRefusesIncompatibleTransferSyntax(t *testing.T) {
	policy := allowAll(types.CTImageStorage)
	policy.AllowedTransferSyntaxes = map[string]bool{types.JPEG2000Lossless: true}

	address := startServer(t, policy, func(p *peer) {
		// The SCP allows none of the proposed syntaxes, so the context is
		// rejected and Store must fail before sending anything.
		p.receive()
	})

	file := StoreFile{
		SOPClassUID:       types.CTImageStorage,
		SOPInstanceUID:    "1.2.3.4.5",
		TransferSyntaxUID: types.ImplicitVRLittleEndian,
		DatasetBytes:      []byte{0x00},
	}
	_, err := Store(testConfig(address), file)
	if err == nil {
		t.Fatal("expected an error for an incompatible transfer syntax")
	}
}

func TestBatchStoreReassociatesAtMaxFilesPerAssociation(t *testing.T) {
	address := startServer(t, allowAll(types.CTImageStorage), func(p *peer) {
		for {
			msg, err := p.receive()
			if err != nil {
				return
			}
			resp := types.CommandSet{
				CommandField:              types.CStoreRSP,
				MessageIDBeingRespondedTo: msg.Command.MessageID,
				AffectedSOPClassUID:       msg.Command.AffectedSOPClassUID,
				AffectedSOPInstanceUID:    msg.Command.AffectedSOPInstanceUID,
				Status:                    types.StatusSuccess,
				CommandDataSetType:        types.NoDataSetPresent,
			}
			p.send(msg.PresentationContextID, resp, nil)
		}
	})

	files := []StoreFile{
		{SOPClassUID: types.CTImageStorage, SOPInstanceUID: "1", TransferSyntaxUID: types.ImplicitVRLittleEndian, DatasetBytes: []byte{0x01}},
		{SOPClassUID: types.CTImageStorage, SOPInstanceUID: "2", TransferSyntaxUID: types.ImplicitVRLittleEndian, DatasetBytes: []byte{0x02}},
	}

	events := BatchStore(testConfig(address), files, BatchOptions{MaxFilesPerAssociation: 1})

	var fileResults, completed int
	for ev := range events {
		switch ev.Kind {
		case BatchFileResult:
			fileResults++
			if ev.Err != nil {
				t.Errorf("file %d: %v", ev.FileIndex, ev.Err)
			} else if !ev.Result.Success {
				t.Errorf("file %d: status 0x%04X", ev.FileIndex, ev.Result.Status)
			}
		case BatchCompleted:
			completed++
		}
	}
	if fileResults != 2 {
		t.Errorf("fileResults = %d, want 2", fileResults)
	}
	if completed != 1 {
		t.Errorf("completed events = %d, want 1", completed)
	}
}
