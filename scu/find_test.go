package scu

import (
	"testing"

	"github.com/medigo/dicomul/dataset"
	"github.com/medigo/dicomul/types"
)

func TestFindAccumulatesPendingMatches(t *testing.T) {
	address := startServer(t, allowAll(types.StudyRootQueryRetrieveInformationModelFind), func(p *peer) {
		msg, err := p.receive()
		if err != nil {
			t.Errorf("server receive: %v", err)
			return
		}
		if msg.Kind != types.CommandCFindRQ {
			t.Errorf("server got kind %v, want CommandCFindRQ", msg.Kind)
			return
		}

		for _, studyUID := range []string{"1.2.3.1", "1.2.3.2"} {
			match := dataset.New()
			match.Add(dataset.TagStudyInstanceUID, dataset.VRUI, studyUID)
			resp := types.CommandSet{
				CommandField:              types.CFindRSP,
				MessageIDBeingRespondedTo: msg.Command.MessageID,
				AffectedSOPClassUID:       types.StudyRootQueryRetrieveInformationModelFind,
				Status:                    types.StatusPendingMatches,
				CommandDataSetType:        types.DataSetPresent,
			}
			p.send(msg.PresentationContextID, resp, dataset.Encode(match, types.ImplicitVRLittleEndian))
		}

		final := types.CommandSet{
			CommandField:              types.CFindRSP,
			MessageIDBeingRespondedTo: msg.Command.MessageID,
			AffectedSOPClassUID:       types.StudyRootQueryRetrieveInformationModelFind,
			Status:                    types.StatusSuccess,
			CommandDataSetType:        types.NoDataSetPresent,
		}
		p.send(msg.PresentationContextID, final, nil)
	})

	identifier := dataset.New()
	identifier.Add(dataset.TagQueryRetrieveLevel, dataset.VRCS, "STUDY")

	results, err := Find(testConfig(address), FindRequest{Identifier: identifier})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	if got := results[0].GetString(dataset.TagStudyInstanceUID); got != "1.2.3.1" {
		t.Errorf("results[0] study UID = %q, want 1.2.3.1", got)
	}
	if got := results[1].GetString(dataset.TagStudyInstanceUID); got != "1.2.3.2" {
		t.Errorf("results[1] study UID = %q, want 1.2.3.2", got)
	}
}

func TestFindCancelSendsCCancelRQ(t *testing.T) {
	canceled := make(chan struct{})
	address := startServer(t, allowAll(types.StudyRootQueryRetrieveInformationModelFind), func(p *peer) {
		rq, err := p.receive()
		if err != nil {
			return
		}

		match := dataset.New()
		match.Add(dataset.TagStudyInstanceUID, dataset.VRUI, "1.2.3.1")
		pending := types.CommandSet{
			CommandField:              types.CFindRSP,
			MessageIDBeingRespondedTo: rq.Command.MessageID,
			AffectedSOPClassUID:       types.StudyRootQueryRetrieveInformationModelFind,
			Status:                    types.StatusPendingMatches,
			CommandDataSetType:        types.DataSetPresent,
		}
		p.send(rq.PresentationContextID, pending, dataset.Encode(match, types.ImplicitVRLittleEndian))

		cancelMsg, err := p.receive()
		if err != nil {
			return
		}
		if cancelMsg.Kind != types.CommandCCancelRQ {
			t.Errorf("server got kind %v, want CommandCCancelRQ", cancelMsg.Kind)
			return
		}
		close(canceled)

		final := types.CommandSet{
			CommandField:              types.CFindRSP,
			MessageIDBeingRespondedTo: rq.Command.MessageID,
			AffectedSOPClassUID:       types.StudyRootQueryRetrieveInformationModelFind,
			Status:                    types.StatusCancel,
			CommandDataSetType:        types.NoDataSetPresent,
		}
		p.send(rq.PresentationContextID, final, nil)
	})

	cancel := make(chan struct{})
	identifier := dataset.New()
	identifier.Add(dataset.TagQueryRetrieveLevel, dataset.VRCS, "STUDY")

	close(cancel) // already closed: Find should send C-CANCEL-RQ as soon as its loop starts selecting
	_, err := Find(testConfig(address), FindRequest{Identifier: identifier, Cancel: cancel})
	if err == nil {
		t.Fatal("expected a cancel error")
	}
	select {
	case <-canceled:
	default:
		t.Error("server never observed a C-CANCEL-RQ")
	}
}
