package assoc

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/medigo/dicomul/errors"
	"github.com/medigo/dicomul/pdu"
	"github.com/medigo/dicomul/transport"
	"github.com/medigo/dicomul/types"
)

// Association owns exactly one Framed Transport and the set of accepted
// presentation contexts for the life of the connection (spec §3's
// Association lifecycle invariant).
type Association struct {
	mu sync.Mutex

	transport *transport.FramedTransport
	state     State
	logger    zerolog.Logger

	localAE  types.AETitle
	remoteAE types.AETitle

	maxPDULength              uint32
	implementationClassUID    string
	implementationVersionName string

	acceptedContexts map[byte]types.AcceptedPresentationContext

	artimTimer *time.Timer
}

// State returns the association's current state.
func (a *Association) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Association) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// RemoteAE returns the peer's AE title, as negotiated.
func (a *Association) RemoteAE() types.AETitle { return a.remoteAE }

// LocalAE returns this side's AE title.
func (a *Association) LocalAE() types.AETitle { return a.localAE }

// MaxPDULength returns the negotiated maximum PDU length.
func (a *Association) MaxPDULength() uint32 { return a.maxPDULength }

// AcceptedContext looks up the accepted presentation context by ID.
func (a *Association) AcceptedContext(id byte) (types.AcceptedPresentationContext, bool) {
	ctx, ok := a.acceptedContexts[id]
	return ctx, ok
}

// AcceptedContexts returns all accepted (Result == Acceptance) contexts.
func (a *Association) AcceptedContexts() []types.AcceptedPresentationContext {
	out := make([]types.AcceptedPresentationContext, 0, len(a.acceptedContexts))
	for _, ctx := range a.acceptedContexts {
		if ctx.Accepted() {
			out = append(out, ctx)
		}
	}
	return out
}

// armARTIM starts (or restarts) the ARTIM timer; firing aborts the
// association (spec §4.3).
func (a *Association) armARTIM(d time.Duration) {
	if d <= 0 {
		d = DefaultARTIMTimeout
	}
	a.artimTimer = time.AfterFunc(d, func() {
		a.logger.Warn().Msg("ARTIM timer expired, aborting association")
		_ = a.Abort(types.AbortSourceServiceProvider, types.AbortReasonNotSpecified)
	})
}

func (a *Association) disarmARTIM() {
	if a.artimTimer != nil {
		a.artimTimer.Stop()
	}
}

// SendData writes a P-DATA-TF PDU of pdvs. Only valid while Established.
func (a *Association) SendData(pdvs []types.PDV) error {
	if a.State() != Established {
		return errors.NewProtocolError("unexpected_pdu_type", "cannot send data PDU outside Established state")
	}
	return a.transport.Send(pdu.PDataTF{PDVs: pdvs})
}

// ReceiveNext blocks for the next PDU and applies the common
// transport-error/A-ABORT handling shared by both client and server loops.
// Callers type-switch on the returned value for P-DATA-TF, ReleaseRQ/RP.
func (a *Association) ReceiveNext() (any, error) {
	v, err := a.transport.Receive()
	if err != nil {
		a.setState(Aborted)
		return nil, err
	}
	if ab, ok := v.(pdu.Abort); ok {
		a.setState(Aborted)
		return nil, errors.NewAssociationAbortedError(ab.Source, ab.Reason)
	}
	return v, nil
}

// Release performs the cooperative release handshake: Established + RQ →
// AwaitingRelease; peer's RP → Closed.
func (a *Association) Release() error {
	if a.State() != Established {
		return errors.NewConfigurationError("invalid_state", "release requires Established state")
	}
	if err := a.transport.Send(pdu.ReleaseRQ{}); err != nil {
		return err
	}
	a.setState(AwaitingRelease)
	a.armARTIM(DefaultARTIMTimeout)
	defer a.disarmARTIM()

	v, err := a.transport.Receive()
	if err != nil {
		a.setState(Aborted)
		return err
	}
	switch v.(type) {
	case pdu.ReleaseRP:
		a.setState(Closed)
		return a.transport.Close()
	default:
		a.setState(Aborted)
		return errors.NewProtocolError("unexpected_pdu_type", "expected RELEASE-RP")
	}
}

// AcceptRelease replies RELEASE-RP to a peer-initiated RELEASE-RQ, then
// closes (server-side mirror of Release, spec §4.6).
func (a *Association) AcceptRelease() error {
	if err := a.transport.Send(pdu.ReleaseRP{}); err != nil {
		return err
	}
	a.setState(Closed)
	return a.transport.Close()
}

// Abort sends an A-ABORT (best-effort) and closes the transport. Any state
// may transition to Aborted (spec §4.3: "Any state + A-ABORT received OR
// transport error → Aborted, close socket").
func (a *Association) Abort(source, reason byte) error {
	a.disarmARTIM()
	a.setState(Aborted)
	return a.transport.Abort(source, reason)
}
