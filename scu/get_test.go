package scu

import (
	"testing"

	"github.com/medigo/dicomul/dataset"
	"github.com/medigo/dicomul/types"
)

func TestGetMultiplexesCStoreSubOperationsWithCGetRSP(t *testing.T) {
	address := startServer(t, allowAll(types.StudyRootQueryRetrieveInformationModelGet, types.CTImageStorage), func(p *peer) {
		rq, err := p.receive()
		if err != nil {
			t.Errorf("server receive: %v", err)
			return
		}
		if rq.Kind != types.CommandCGetRQ {
			t.Errorf("server got kind %v, want CommandCGetRQ", rq.Kind)
			return
		}

		// Get always proposes its primary SOP Class on context 1 and each
		// StorageSOPClasses entry starting at context 3 (see scu/get.go).
		storeCtxID := byte(3)

		store := types.CommandSet{
			CommandField:           types.CStoreRQ,
			MessageID:              p.messageID(),
			AffectedSOPClassUID:    types.CTImageStorage,
			AffectedSOPInstanceUID: "1.2.3.4",
			CommandDataSetType:     types.DataSetPresent,
		}
		p.send(storeCtxID, store, []byte{0x01, 0x02})

		storeRSP, err := p.receive()
		if err != nil {
			t.Errorf("server receive C-STORE-RSP: %v", err)
			return
		}
		if storeRSP.Kind != types.CommandCStoreRSP || storeRSP.Command.Status != types.StatusSuccess {
			t.Errorf("server got C-STORE-RSP status 0x%04X, want Success", storeRSP.Command.Status)
		}

		final := types.CommandSet{
			CommandField:              types.CGetRSP,
			MessageIDBeingRespondedTo: rq.Command.MessageID,
			AffectedSOPClassUID:       types.StudyRootQueryRetrieveInformationModelGet,
			Status:                    types.StatusSuccess,
			CommandDataSetType:        types.NoDataSetPresent,
			CompletedSubOperations:    1,
		}
		p.send(rq.PresentationContextID, final, nil)
	})

	identifier := dataset.New()
	identifier.Add(dataset.TagQueryRetrieveLevel, dataset.VRCS, "STUDY")

	var instanceBytes []byte
	events := Get(testConfig(address), GetRequest{
		Identifier:        identifier,
		StorageSOPClasses: []string{types.CTImageStorage},
		OnInstance: func(sopClassUID, sopInstanceUID, transferSyntaxUID string, datasetBytes []byte) error {
			instanceBytes = datasetBytes
			return nil
		},
	})

	var instances, completed int
	for ev := range events {
		if ev.Err != nil {
			t.Fatalf("unexpected error: %v", ev.Err)
		}
		switch ev.Kind {
		case GetInstance:
			instances++
			if ev.SOPInstanceUID != "1.2.3.4" {
				t.Errorf("SOPInstanceUID = %q, want 1.2.3.4", ev.SOPInstanceUID)
			}
		case GetCompleted:
			completed++
			if ev.CompletedSubOperations != 1 {
				t.Errorf("CompletedSubOperations = %d, want 1", ev.CompletedSubOperations)
			}
		}
	}
	if instances != 1 {
		t.Errorf("instance events = %d, want 1", instances)
	}
	if completed != 1 {
		t.Errorf("completed events = %d, want 1", completed)
	}
	if string(instanceBytes) != "\x01\x02" {
		t.Errorf("OnInstance saw %v, want [1 2]", instanceBytes)
	}
}
