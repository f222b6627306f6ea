// Package scu implements the five SCU services (spec §4.5): C-ECHO,
// C-FIND, C-STORE (single and batch), C-MOVE, and C-GET. Each service
// establishes an association with exactly the presentation contexts it
// needs, runs its DIMSE exchange, then releases.
package scu

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/medigo/dicomul/assoc"
	"github.com/medigo/dicomul/dimse"
	"github.com/medigo/dicomul/errors"
	"github.com/medigo/dicomul/pdu"
	"github.com/medigo/dicomul/transport"
	"github.com/medigo/dicomul/types"
)

// Config holds the connection parameters shared by every SCU operation
// (spec §6's per-client configuration surface — a plain struct, following
// the teacher's client.Config).
type Config struct {
	Address   string
	CalledAE  types.AETitle
	CallingAE types.AETitle

	MaxPDULength              uint32
	ImplementationClassUID    string
	ImplementationVersionName string

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	TLS            *transport.Config

	Logger zerolog.Logger
}

// session pairs an established Association with the bookkeeping an SCU
// operation needs to address presentation contexts by abstract syntax
// (the ASSOCIATE-AC never echoes the abstract syntax, so the requestor is
// the only side that still knows the mapping) and reassemble responses.
type session struct {
	assoc       *assoc.Association
	contextByAS map[string]byte
	assembler   *dimse.Assembler
	nextMsgID   uint32
}

func connect(cfg Config, contexts []types.ProposedPresentationContext) (*session, error) {
	params := assoc.RequestParams{
		CalledAE:                  cfg.CalledAE,
		CallingAE:                 cfg.CallingAE,
		PresentationContexts:      contexts,
		MaxPDULength:              cfg.MaxPDULength,
		ImplementationClassUID:    cfg.ImplementationClassUID,
		ImplementationVersionName: cfg.ImplementationVersionName,
		ConnectTimeout:            cfg.ConnectTimeout,
		ReadTimeout:               cfg.ReadTimeout,
		WriteTimeout:              cfg.WriteTimeout,
		TLS:                       cfg.TLS,
		Logger:                    cfg.Logger,
	}
	a, err := assoc.Request(cfg.Address, params)
	if err != nil {
		return nil, err
	}

	contextByAS := make(map[string]byte, len(contexts))
	var knownIDs []byte
	for _, proposed := range contexts {
		accepted, ok := a.AcceptedContext(proposed.ID)
		if ok && accepted.Accepted() {
			contextByAS[proposed.AbstractSyntax] = proposed.ID
			knownIDs = append(knownIDs, proposed.ID)
		}
	}

	return &session{
		assoc:       a,
		contextByAS: contextByAS,
		assembler:   dimse.NewAssembler(knownIDs),
	}, nil
}

func (s *session) release() error {
	return s.assoc.Release()
}

func (s *session) abort() error {
	return s.assoc.Abort(types.AbortSourceServiceUser, types.AbortReasonNotSpecified)
}

func (s *session) contextFor(abstractSyntax string) (byte, error) {
	id, ok := s.contextByAS[abstractSyntax]
	if !ok {
		return 0, errors.ErrNoPresentationCtx
	}
	return id, nil
}

func (s *session) messageID() uint16 {
	return uint16(atomic.AddUint32(&s.nextMsgID, 1))
}

// send fragments cmd (and optional dataSet) into PDVs and writes them as
// P-DATA-TF PDUs, command stream before data stream.
func (s *session) send(contextID byte, cmd types.CommandSet, dataSet []byte) error {
	commandBytes := dimse.EncodeCommandSet(cmd)
	pdvs := dimse.Fragment(commandBytes, dataSet, contextID, s.assoc.MaxPDULength())
	return s.assoc.SendData(pdvs)
}

// receive blocks until one complete DIMSE message has been reassembled,
// transparently absorbing however many P-DATA-TF PDUs that takes.
func (s *session) receive() (*types.Message, error) {
	for {
		v, err := s.assoc.ReceiveNext()
		if err != nil {
			return nil, err
		}
		pdataTF, ok := v.(pdu.PDataTF)
		if !ok {
			return nil, errors.NewProtocolError("unexpected_pdu_type", "expected P-DATA-TF")
		}
		for _, pdv := range pdataTF.PDVs {
			msg, err := s.assembler.Feed(pdv)
			if err != nil {
				return nil, err
			}
			if msg != nil {
				return msg, nil
			}
		}
	}
}

// incoming is a message read off the wire, or the terminal error that ended
// the read loop (EOF, protocol violation, timeout).
type incoming struct {
	msg *types.Message
	err error
}

// messages starts a goroutine streaming every reassembled DIMSE message on
// the returned channel until receive fails, at which point it sends the
// error and closes. This lets a response loop select between the next
// message and an external cancel signal (spec §4.5's supplemented
// C-CANCEL), which a plain blocking receive() cannot do.
//
// The caller must invoke the returned stop func (typically deferred) once
// it stops reading from the channel, or the reader goroutine would block
// forever trying to deliver a message nobody consumes.
func (s *session) messages() (<-chan incoming, func()) {
	out := make(chan incoming)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for {
			msg, err := s.receive()
			select {
			case out <- incoming{msg: msg, err: err}:
				if err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()
	var stopOnce sync.Once
	stop := func() { stopOnce.Do(func() { close(done) }) }
	return out, stop
}

// sendCancel encodes and sends a C-CANCEL-RQ naming messageID as the
// operation being canceled, on the context already negotiated for
// sopClassUID (spec §4.5's supplemented cancellation: no response is
// expected, it only asks the SCP to stop sending further Pending results).
func (s *session) sendCancel(sopClassUID string, messageID uint16) error {
	ctxID, err := s.contextFor(sopClassUID)
	if err != nil {
		return err
	}
	cmd := types.CommandSet{
		CommandField:              types.CCancelRQ,
		MessageIDBeingRespondedTo: messageID,
		CommandDataSetType:        types.NoDataSetPresent,
	}
	return s.send(ctxID, cmd, nil)
}
