package scu

import (
	"github.com/medigo/dicomul/dataset"
	"github.com/medigo/dicomul/errors"
	"github.com/medigo/dicomul/types"
)

// GetEventKind classifies a Get stream event.
type GetEventKind int

const (
	GetProgress GetEventKind = iota
	GetInstance
	GetCompleted
)

// GetEvent is one event in a C-GET stream.
type GetEvent struct {
	Kind                   GetEventKind
	Status                 uint16
	RemainingSubOperations uint16
	CompletedSubOperations uint16
	FailedSubOperations    uint16
	WarningSubOperations   uint16
	SOPClassUID            string
	SOPInstanceUID         string
	Bytes                  int
	Err                    error
}

// GetRequest is the query for a C-GET operation.
type GetRequest struct {
	InformationModel  string // defaults to Study Root Query/Retrieve
	Identifier        *dataset.Dataset
	StorageSOPClasses []string

	// OnInstance, if set, is invoked with each received instance's data set
	// bytes before the SCU acknowledges the sub-operation's C-STORE-RQ with
	// C-STORE-RSP(Success). A non-nil return fails that sub-operation with
	// ProcessingFailure instead.
	OnInstance func(sopClassUID, sopInstanceUID, transferSyntaxUID string, datasetBytes []byte) error

	Cancel Cancel
}

// Get proposes both the C-GET SOP Class and the caller's Storage SOP
// Classes so the SCP can push C-STORE sub-operations back on the same
// association. It multiplexes between C-GET-RSP (Pending/Final) and
// inbound C-STORE-RQ, acknowledging each with C-STORE-RSP (spec §4.5's
// supplemented C-GET multiplexing).
func Get(cfg Config, req GetRequest) <-chan GetEvent {
	events := make(chan GetEvent)
	go func() {
		defer close(events)

		sopClass := req.InformationModel
		if sopClass == "" {
			sopClass = types.StudyRootQueryRetrieveInformationModelGet
		}
		contexts := []types.ProposedPresentationContext{
			{ID: 1, AbstractSyntax: sopClass, TransferSyntaxes: []string{
				types.ExplicitVRLittleEndian, types.ImplicitVRLittleEndian,
			}},
		}
		id := byte(3)
		for _, storageSOPClass := range req.StorageSOPClasses {
			if id > 255 {
				break
			}
			contexts = append(contexts, types.ProposedPresentationContext{
				ID:               id,
				AbstractSyntax:   storageSOPClass,
				TransferSyntaxes: []string{types.ExplicitVRLittleEndian, types.ImplicitVRLittleEndian},
			})
			id += 2
		}

		s, err := connect(cfg, contexts)
		if err != nil {
			events <- GetEvent{Kind: GetCompleted, Err: err}
			return
		}
		defer s.release()

		ctxID, err := s.contextFor(sopClass)
		if err != nil {
			s.abort()
			events <- GetEvent{Kind: GetCompleted, Err: err}
			return
		}
		ctx, _ := s.assoc.AcceptedContext(ctxID)
		identifierBytes := dataset.Encode(req.Identifier, ctx.TransferSyntax)

		cmd := types.CommandSet{
			CommandField:        types.CGetRQ,
			MessageID:           s.messageID(),
			AffectedSOPClassUID: sopClass,
			Priority:            types.PriorityMedium,
			CommandDataSetType:  types.DataSetPresent,
		}
		if err := s.send(ctxID, cmd, identifierBytes); err != nil {
			s.abort()
			events <- GetEvent{Kind: GetCompleted, Err: err}
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
						events <- GetEvent{Kind: GetCompleted, Err: err}
						return
					}
				}
				req.Cancel = nil
			case iv, ok := <-in:
				if !ok {
					events <- GetEvent{Kind: GetCompleted, Err: errors.NewProtocolError("unexpected_pdu_parameter", "connection closed before C-GET-RSP")}
					return
				}
				if iv.err != nil {
					events <- GetEvent{Kind: GetCompleted, Err: iv.err}
					return
				}
				msg := iv.msg

				switch msg.Kind {
				case types.CommandCStoreRQ:
					if err := s.acknowledgeSubOperationStore(msg, req.OnInstance); err != nil {
						events <- GetEvent{Kind: GetCompleted, Err: err}
						return
					}
					events <- GetEvent{
						Kind:           GetInstance,
						SOPClassUID:    msg.Command.AffectedSOPClassUID,
						SOPInstanceUID: msg.Command.AffectedSOPInstanceUID,
						Bytes:          len(msg.DataSet),
					}
				case types.CommandCGetRSP:
					ev := GetEvent{
						Status:                 msg.Command.Status,
						RemainingSubOperations: msg.Command.RemainingSubOperations,
						CompletedSubOperations: msg.Command.CompletedSubOperations,
						FailedSubOperations:    msg.Command.FailedSubOperations,
						WarningSubOperations:   msg.Command.WarningSubOperations,
					}
					if types.ClassifyStatus(msg.Command.Status) == types.StatusCategoryPending {
						ev.Kind = GetProgress
						events <- ev
						continue
					}
					ev.Kind = GetCompleted
					events <- ev
					return
				default:
					s.abort()
					events <- GetEvent{Kind: GetCompleted, Err: errors.NewProtocolError("unexpected_pdu_parameter", "expected C-GET-RSP or C-STORE-RQ")}
					return
				}
			}
		}
	}()
	return events
}

func (s *session) acknowledgeSubOperationStore(msg *types.Message, onInstance func(string, string, string, []byte) error) error {
	ctx, _ := s.assoc.AcceptedContext(msg.PresentationContextID)
	status := types.StatusSuccess
	if onInstance != nil {
		if err := onInstance(msg.Command.AffectedSOPClassUID, msg.Command.AffectedSOPInstanceUID, ctx.TransferSyntax, msg.DataSet); err != nil {
			status = types.StatusProcessingFailure
		}
	}
	respCmd := types.CommandSet{
		CommandField:              types.CStoreRSP,
		MessageIDBeingRespondedTo: msg.Command.MessageID,
		AffectedSOPClassUID:       msg.Command.AffectedSOPClassUID,
		AffectedSOPInstanceUID:    msg.Command.AffectedSOPInstanceUID,
		Status:                    status,
		CommandDataSetType:        types.NoDataSetPresent,
	}
	return s.send(msg.PresentationContextID, respCmd, nil)
}
