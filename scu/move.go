package scu

import (
	"github.com/medigo/dicomul/dataset"
	"github.com/medigo/dicomul/errors"
	"github.com/medigo/dicomul/types"
)

// MoveEventKind classifies a Move stream event.
type MoveEventKind int

const (
	MoveProgress MoveEventKind = iota
	MoveCompleted
)

// MoveEvent is one event in a C-MOVE stream.
type MoveEvent struct {
	Kind                   MoveEventKind
	Status                 uint16
	RemainingSubOperations uint16
	CompletedSubOperations uint16
	FailedSubOperations    uint16
	WarningSubOperations   uint16
	Err                    error
}

// MoveRequest is the query for a C-MOVE operation.
type MoveRequest struct {
	InformationModel string // defaults to Study Root Query/Retrieve
	MoveDestination  types.AETitle
	Identifier       *dataset.Dataset
	Cancel           Cancel
}

// Move sends a C-MOVE-RQ naming move_destination, streaming Pending
// responses as Progress events until a terminal response (spec §4.5).
func Move(cfg Config, req MoveRequest) <-chan MoveEvent {
	events := make(chan MoveEvent)
	go func() {
		defer close(events)

		sopClass := req.InformationModel
		if sopClass == "" {
			sopClass = types.StudyRootQueryRetrieveInformationModelMove
		}
		contexts := []types.ProposedPresentationContext{
			{ID: 1, AbstractSyntax: sopClass, TransferSyntaxes: []string{
				types.ExplicitVRLittleEndian, types.ImplicitVRLittleEndian,
			}},
		}

		s, err := connect(cfg, contexts)
		if err != nil {
			events <- MoveEvent{Kind: MoveCompleted, Err: err}
			return
		}
		defer s.release()

		ctxID, err := s.contextFor(sopClass)
		if err != nil {
			s.abort()
			events <- MoveEvent{Kind: MoveCompleted, Err: err}
			return
		}
		ctx, _ := s.assoc.AcceptedContext(ctxID)
		identifierBytes := dataset.Encode(req.Identifier, ctx.TransferSyntax)

		cmd := types.CommandSet{
			CommandField:        types.CMoveRQ,
			MessageID:           s.messageID(),
			AffectedSOPClassUID: sopClass,
			MoveDestination:     req.MoveDestination,
			Priority:            types.PriorityMedium,
			CommandDataSetType:  types.DataSetPresent,
		}
		if err := s.send(ctxID, cmd, identifierBytes); err != nil {
			s.abort()
			events <- MoveEvent{Kind: MoveCompleted, Err: err}
			return
		}

		in, stop := s.messages()
		defer stop()
		cancelSent := false
		for {
			select {
			case <-req.Cancel:
				if !cancelSent {
					cancelSent = true
					if err := s.sendCancel(sopClass, cmd.MessageID); err != nil {
						events <- MoveEvent{Kind: MoveCompleted, Err: err}
						return
					}
				}
				req.Cancel = nil
			case iv, ok := <-in:
				if !ok {
					events <- MoveEvent{Kind: MoveCompleted, Err: errors.NewProtocolError("unexpected_pdu_parameter", "connection closed before C-MOVE-RSP")}
					return
				}
				if iv.err != nil {
					events <- MoveEvent{Kind: MoveCompleted, Err: iv.err}
					return
				}
				msg := iv.msg
				if msg.Kind != types.CommandCMoveRSP {
					s.abort()
					events <- MoveEvent{Kind: MoveCompleted, Err: errors.NewProtocolError("unexpected_pdu_parameter", "expected C-MOVE-RSP")}
					return
				}

				ev := MoveEvent{
					Status:                 msg.Command.Status,
					RemainingSubOperations: msg.Command.RemainingSubOperations,
					CompletedSubOperations: msg.Command.CompletedSubOperations,
					FailedSubOperations:    msg.Command.FailedSubOperations,
					WarningSubOperations:   msg.Command.WarningSubOperations,
				}
				if types.ClassifyStatus(msg.Command.Status) == types.StatusCategoryPending {
					ev.Kind = MoveProgress
					events <- ev
					continue
				}
				ev.Kind = MoveCompleted
				events <- ev
				return
			}
		}
	}()
	return events
}
