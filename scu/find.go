package scu

import (
	"github.com/medigo/dicomul/dataset"
	"github.com/medigo/dicomul/errors"
	"github.com/medigo/dicomul/types"
)

// FindRequest is the query for a C-FIND operation.
type FindRequest struct {
	InformationModel string // defaults to Study Root Query/Retrieve
	Priority         uint16
	Identifier       *dataset.Dataset
	Cancel           Cancel
}

// Find sends a C-FIND-RQ with the identifier data set, accumulating Pending
// responses until a terminal (Success/Failure/Cancel) status, returning the
// ordered list of identifier data sets the SCP matched (spec §4.5).
func Find(cfg Config, req FindRequest) ([]*dataset.Dataset, error) {
	sopClass := req.InformationModel
	if sopClass == "" {
		sopClass = types.StudyRootQueryRetrieveInformationModelFind
	}
	priority := req.Priority

	contexts := []types.ProposedPresentationContext{
		{ID: 1, AbstractSyntax: sopClass, TransferSyntaxes: []string{
			types.ExplicitVRLittleEndian, types.ImplicitVRLittleEndian,
		}},
	}

	s, err := connect(cfg, contexts)
	if err != nil {
		return nil, err
	}
	defer s.release()

	ctxID, err := s.contextFor(sopClass)
	if err != nil {
		s.abort()
		return nil, err
	}
	ctx, _ := s.assoc.AcceptedContext(ctxID)

	identifierBytes := dataset.Encode(req.Identifier, ctx.TransferSyntax)
	cmd := types.CommandSet{
		CommandField:        types.CFindRQ,
		MessageID:           s.messageID(),
		AffectedSOPClassUID: sopClass,
		CommandDataSetType:  types.DataSetPresent,
		Priority:             priority,
	}
	if err := s.send(ctxID, cmd, identifierBytes); err != nil {
		s.abort()
		return nil, err
	}

	var results []*dataset.Dataset
	in, stop := s.messages()
	defer stop()
	cancelSent := false
	for {
		select {
		case <-req.Cancel:
			if !cancelSent {
				cancelSent = true
				if err := s.sendCancel(sopClass, cmd.MessageID); err != nil {
					return results, err
				}
			}
			req.Cancel = nil // already fired, stop selecting on it again
		case ev, ok := <-in:
			if !ok {
				return results, errors.NewProtocolError("unexpected_pdu_parameter", "connection closed before C-FIND-RSP")
			}
			if ev.err != nil {
				return nil, ev.err
			}
			msg := ev.msg
			if msg.Kind != types.CommandCFindRSP {
				s.abort()
				return nil, errors.NewProtocolError("unexpected_pdu_parameter", "expected C-FIND-RSP")
			}

			switch types.ClassifyStatus(msg.Command.Status) {
			case types.StatusCategoryPending:
				if len(msg.DataSet) > 0 {
					ds, err := dataset.Parse(msg.DataSet, ctx.TransferSyntax)
					if err != nil {
						return nil, err
					}
					results = append(results, ds)
				}
			case types.StatusCategorySuccess:
				return results, nil
			case types.StatusCategoryCancel:
				return results, errors.NewApplicationError("c-find", msg.Command.Status, "C-FIND canceled")
			default:
				return results, errors.NewApplicationError("c-find", msg.Command.Status, "C-FIND failed")
			}
		}
	}
}
