package scu

import (
	"time"

	"github.com/medigo/dicomul/errors"
	"github.com/medigo/dicomul/types"
)

// EchoResult is the outcome of a C-ECHO verification (spec §4.5).
type EchoResult struct {
	RoundTripTime time.Duration
	RemoteAE      types.AETitle
}

// Echo performs a C-ECHO: one presentation context for the Verification
// SOP Class, send C-ECHO-RQ, await C-ECHO-RSP, assert Success.
func Echo(cfg Config) (*EchoResult, error) {
	contexts := []types.ProposedPresentationContext{
		{ID: 1, AbstractSyntax: types.VerificationSOPClass, TransferSyntaxes: []string{
			types.ImplicitVRLittleEndian, types.ExplicitVRLittleEndian,
		}},
	}

	started := time.Now()
	s, err := connect(cfg, contexts)
	if err != nil {
		return nil, err
	}
	defer s.release()

	ctxID, err := s.contextFor(types.VerificationSOPClass)
	if err != nil {
		s.abort()
		return nil, err
	}

	cmd := types.CommandSet{
		CommandField:        types.CEchoRQ,
		MessageID:           s.messageID(),
		AffectedSOPClassUID: types.VerificationSOPClass,
		CommandDataSetType:  types.NoDataSetPresent,
		Priority:            types.PriorityMedium,
	}
	if err := s.send(ctxID, cmd, nil); err != nil {
		s.abort()
		return nil, err
	}

	msg, err := s.receive()
	if err != nil {
		return nil, err
	}
	if msg.Kind != types.CommandCEchoRSP {
		s.abort()
		return nil, errors.NewProtocolError("unexpected_pdu_parameter", "expected C-ECHO-RSP")
	}
	if msg.Command.Status != types.StatusSuccess {
		return nil, errors.NewApplicationError("c-echo", msg.Command.Status, "C-ECHO-RSP status was not Success")
	}

	return &EchoResult{
		RoundTripTime: time.Since(started),
		RemoteAE:      s.assoc.RemoteAE(),
	}, nil
}
