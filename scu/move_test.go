package scu

import (
	"testing"

	"github.com/medigo/dicomul/dataset"
	"github.com/medigo/dicomul/types"
)

func TestMoveStreamsProgressThenCompleted(t *testing.T) {
	address := startServer(t, allowAll(types.StudyRootQueryRetrieveInformationModelMove), func(p *peer) {
		msg, err := p.receive()
		if err != nil {
			t.Errorf("server receive: %v", err)
			return
		}
		if msg.Kind != types.CommandCMoveRQ {
			t.Errorf("server got kind %v, want CommandCMoveRQ", msg.Kind)
			return
		}
		if msg.Command.MoveDestination != "DEST_AE" {
			t.Errorf("MoveDestination = %q, want DEST_AE", msg.Command.MoveDestination)
		}

		pending := types.CommandSet{
			CommandField:              types.CMoveRSP,
			MessageIDBeingRespondedTo: msg.Command.MessageID,
			AffectedSOPClassUID:       types.StudyRootQueryRetrieveInformationModelMove,
			Status:                    types.StatusPendingMatches,
			CommandDataSetType:        types.NoDataSetPresent,
			RemainingSubOperations:    2,
			CompletedSubOperations:    0,
		}
		p.send(msg.PresentationContextID, pending, nil)

		final := types.CommandSet{
			CommandField:              types.CMoveRSP,
			MessageIDBeingRespondedTo: msg.Command.MessageID,
			AffectedSOPClassUID:       types.StudyRootQueryRetrieveInformationModelMove,
			Status:                    types.StatusSuccess,
			CommandDataSetType:        types.NoDataSetPresent,
			RemainingSubOperations:    0,
			CompletedSubOperations:    2,
		}
		p.send(msg.PresentationContextID, final, nil)
	})

	identifier := dataset.New()
	identifier.Add(dataset.TagQueryRetrieveLevel, dataset.VRCS, "STUDY")

	events := Move(testConfig(address), MoveRequest{
		MoveDestination: "DEST_AE",
		Identifier:      identifier,
	})

	var progress, completed int
	for ev := range events {
		if ev.Err != nil {
			t.Fatalf("unexpected error: %v", ev.Err)
		}
		switch ev.Kind {
		case MoveProgress:
			progress++
		case MoveCompleted:
			completed++
			if ev.CompletedSubOperations != 2 {
				t.Errorf("CompletedSubOperations = %d, want 2", ev.CompletedSubOperations)
			}
		}
	}
	if progress != 1 {
		t.Errorf("progress events = %d, want 1", progress)
	}
	if completed != 1 {
		t.Errorf("completed events = %d, want 1", completed)
	}
}
