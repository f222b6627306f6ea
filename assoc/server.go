package assoc

import (
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/medigo/dicomul/errors"
	"github.com/medigo/dicomul/pdu"
	"github.com/medigo/dicomul/transport"
	"github.com/medigo/dicomul/types"
)

// AdmissionResult is the SCP listener's verdict on an inbound
// ASSOCIATE-RQ, computed before negotiation (spec §4.6).
type AdmissionResult struct {
	Accept bool
	Result byte
	Source byte
	Reason byte
}

// AdmissionFunc runs blacklist/whitelist/called-AE checks and the
// should_accept_association delegate hook.
type AdmissionFunc func(calledAE, callingAE types.AETitle) AdmissionResult

// AcceptParams are the SCP-supplied local parameters used to answer an
// inbound association request.
type AcceptParams struct {
	LocalAE                   types.AETitle
	NegotiationPolicy         NegotiationPolicy
	MaxPDULength              uint32
	ImplementationClassUID    string
	ImplementationVersionName string
	Admission                 AdmissionFunc

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Logger zerolog.Logger
}

// Accept drives the server side of negotiation over an already-accepted
// net.Conn: Idle → AwaitingRQ → admission → negotiate → Established or
// Closed (spec §4.3/§4.6).
func Accept(conn net.Conn, p AcceptParams) (*Association, error) {
	if p.MaxPDULength == 0 {
		p.MaxPDULength = 16384
	}
	ft := transport.New(conn, 0, p.ReadTimeout, p.WriteTimeout)

	a := &Association{
		transport:                 ft,
		state:                     AwaitingRQ,
		logger:                    p.Logger,
		localAE:                   p.LocalAE,
		implementationClassUID:    p.ImplementationClassUID,
		implementationVersionName: p.ImplementationVersionName,
		acceptedContexts:          make(map[byte]types.AcceptedPresentationContext),
	}
	a.armARTIM(DefaultARTIMTimeout)
	defer a.disarmARTIM()

	v, err := ft.Receive()
	if err != nil {
		a.setState(Aborted)
		conn.Close()
		return nil, err
	}
	rq, ok := v.(pdu.AssociateRQ)
	if !ok {
		a.setState(Aborted)
		_ = ft.Abort(types.AbortSourceServiceProvider, types.AbortReasonUnexpectedPDU)
		return nil, errors.NewProtocolError("unexpected_pdu_type", "expected ASSOCIATE-RQ")
	}
	a.remoteAE = rq.CallingAE

	if p.Admission != nil {
		verdict := p.Admission(rq.CalledAE, rq.CallingAE)
		if !verdict.Accept {
			_ = ft.Send(pdu.AssociateRJ{Result: verdict.Result, Source: verdict.Source, Reason: verdict.Reason})
			a.setState(Closed)
			conn.Close()
			return nil, errors.NewAssociationRejectedError(verdict.Result, verdict.Source, verdict.Reason)
		}
	}

	accepted := p.NegotiationPolicy.Negotiate(rq.PresentationContexts)
	for _, ctx := range accepted {
		a.acceptedContexts[ctx.ID] = ctx
	}

	a.maxPDULength = min32(p.MaxPDULength, rq.MaxPDULength)
	ac := pdu.AssociateAC{
		CalledAE:                  rq.CalledAE,
		CallingAE:                 rq.CallingAE,
		ApplicationContextUID:     types.ApplicationContextUID,
		PresentationContexts:      accepted,
		MaxPDULength:              p.MaxPDULength,
		ImplementationClassUID:    p.ImplementationClassUID,
		ImplementationVersionName: p.ImplementationVersionName,
	}
	if err := ft.Send(ac); err != nil {
		a.setState(Aborted)
		conn.Close()
		return nil, err
	}
	ft.SetMaxPDULength(a.maxPDULength)
	a.setState(Established)
	return a, nil
}
