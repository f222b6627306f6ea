package assoc

import (
	"crypto/tls"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/medigo/dicomul/errors"
	"github.com/medigo/dicomul/pdu"
	"github.com/medigo/dicomul/transport"
	"github.com/medigo/dicomul/types"
)

// RequestParams are the SCU-supplied parameters for an outbound association
// request (spec §3 Association parameters, minus the accepted-side fields).
type RequestParams struct {
	CalledAE                  types.AETitle
	CallingAE                 types.AETitle
	PresentationContexts      []types.ProposedPresentationContext
	MaxPDULength              uint32
	ImplementationClassUID    string
	ImplementationVersionName string

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	TLS            *transport.Config

	Logger zerolog.Logger

	// dialOverride replaces the TCP dial with a test-supplied connection
	// (e.g. one end of a net.Pipe). Unexported: production callers always
	// go through the real dialer.
	dialOverride func() (net.Conn, error)
}

// Request dials address, sends ASSOCIATE-RQ, and awaits the peer's
// response: Idle → AwaitingAC → Established on AC, or Closed with
// AssociationRejectedError on RJ (spec §4.3's client transitions).
func Request(address string, p RequestParams) (*Association, error) {
	if p.MaxPDULength == 0 {
		p.MaxPDULength = 16384
	}
	connectTimeout := p.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = 30 * time.Second
	}

	dialFn := p.dialOverride
	if dialFn == nil {
		dialFn = func() (net.Conn, error) { return dial(address, connectTimeout, p.TLS) }
	}
	conn, err := dialFn()
	if err != nil {
		return nil, errors.NewConnectionError("dial", err)
	}

	ft := transport.New(conn, 0, p.ReadTimeout, p.WriteTimeout)
	a := &Association{
		transport:                 ft,
		state:                     Idle,
		logger:                    p.Logger,
		localAE:                   p.CallingAE,
		remoteAE:                  p.CalledAE,
		implementationClassUID:    p.ImplementationClassUID,
		implementationVersionName: p.ImplementationVersionName,
		acceptedContexts:          make(map[byte]types.AcceptedPresentationContext),
	}

	rq := pdu.AssociateRQ{
		CalledAE:                  p.CalledAE,
		CallingAE:                 p.CallingAE,
		ApplicationContextUID:     types.ApplicationContextUID,
		PresentationContexts:      p.PresentationContexts,
		MaxPDULength:              p.MaxPDULength,
		ImplementationClassUID:    p.ImplementationClassUID,
		ImplementationVersionName: p.ImplementationVersionName,
	}
	if err := ft.Send(rq); err != nil {
		conn.Close()
		return nil, err
	}
	a.setState(AwaitingAC)
	a.armARTIM(DefaultARTIMTimeout)
	defer a.disarmARTIM()

	v, err := ft.Receive()
	if err != nil {
		a.setState(Aborted)
		conn.Close()
		return nil, err
	}

	switch resp := v.(type) {
	case pdu.AssociateAC:
		a.remoteAE = resp.CallingAE
		a.maxPDULength = min32(p.MaxPDULength, resp.MaxPDULength)
		for _, ctx := range resp.PresentationContexts {
			a.acceptedContexts[ctx.ID] = ctx
		}
		ft.SetMaxPDULength(a.maxPDULength)
		a.setState(Established)
		return a, nil
	case pdu.AssociateRJ:
		a.setState(Closed)
		conn.Close()
		return nil, errors.NewAssociationRejectedError(resp.Result, resp.Source, resp.Reason)
	case pdu.Abort:
		a.setState(Aborted)
		conn.Close()
		return nil, errors.NewAssociationAbortedError(resp.Source, resp.Reason)
	default:
		a.setState(Aborted)
		conn.Close()
		return nil, errors.NewProtocolError("unexpected_pdu_type", "expected ASSOCIATE-AC or ASSOCIATE-RJ")
	}
}

func dial(address string, timeout time.Duration, tlsCfg *transport.Config) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	if tlsCfg == nil {
		return dialer.Dial("tcp", address)
	}
	clientCfg, err := tlsCfg.ClientTLSConfig()
	if err != nil {
		return nil, err
	}
	return tls.DialWithDialer(dialer, "tcp", address, clientCfg)
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
