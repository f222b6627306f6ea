package pool

import (
	"sync/atomic"
	"time"

	"github.com/medigo/dicomul/assoc"
	"github.com/medigo/dicomul/dimse"
	"github.com/medigo/dicomul/errors"
	"github.com/medigo/dicomul/pdu"
	"github.com/medigo/dicomul/types"
)

// PooledConnection wraps an established Association with the bookkeeping
// Acquire/Release need: an identity for the pool's in-use map, the
// abstract-syntax-to-context mapping for addressing a C-ECHO health check,
// and the idle-sweep clock. It duplicates scu/scu.go's session in shape
// (send/receive/context lookup over dimse.EncodeCommandSet/Fragment/
// Assembler) rather than depending on it, since a pooled connection
// outlives any single SCU operation and scu.session is unexported.
type PooledConnection struct {
	id          uint64
	assoc       *assoc.Association
	contextByAS map[string]byte
	assembler   *dimse.Assembler
	nextMsgID   uint32
	lastUsedAt  time.Time
}

func (p *Pool) dial(contexts []types.ProposedPresentationContext) (*PooledConnection, error) {
	params := assoc.RequestParams{
		CalledAE:             p.cfg.CalledAE,
		CallingAE:            p.cfg.CallingAE,
		PresentationContexts: contexts,
		MaxPDULength:         p.cfg.MaxPDULength,
		ConnectTimeout:       p.cfg.ConnectTimeout,
		ReadTimeout:          p.cfg.ReadTimeout,
		WriteTimeout:         p.cfg.WriteTimeout,
		TLS:                  p.cfg.TLS,
		Logger:               p.cfg.Logger,
	}
	a, err := assoc.Request(p.cfg.endpoint(), params)
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

	return &PooledConnection{
		id:          atomic.AddUint64(&p.nextID, 1),
		assoc:       a,
		contextByAS: contextByAS,
		assembler:   dimse.NewAssembler(knownIDs),
		lastUsedAt:  time.Now(),
	}, nil
}

// Association exposes the underlying Association so a caller that
// acquired a connection can run its DIMSE exchange directly.
func (pc *PooledConnection) Association() *assoc.Association { return pc.assoc }

func (pc *PooledConnection) messageID() uint16 {
	return uint16(atomic.AddUint32(&pc.nextMsgID, 1))
}

func (pc *PooledConnection) send(contextID byte, cmd types.CommandSet, dataSet []byte) error {
	commandBytes := dimse.EncodeCommandSet(cmd)
	pdvs := dimse.Fragment(commandBytes, dataSet, contextID, pc.assoc.MaxPDULength())
	return pc.assoc.SendData(pdvs)
}

func (pc *PooledConnection) receive() (*types.Message, error) {
	for {
		v, err := pc.assoc.ReceiveNext()
		if err != nil {
			return nil, err
		}
		pdataTF, ok := v.(pdu.PDataTF)
		if !ok {
			return nil, errors.NewProtocolError("unexpected_pdu_type", "expected P-DATA-TF")
		}
		for _, pdv := range pdataTF.PDVs {
			msg, err := pc.assembler.Feed(pdv)
			if err != nil {
				return nil, err
			}
			if msg != nil {
				return msg, nil
			}
		}
	}
}

// echo runs a C-ECHO round trip over the connection's negotiated
// Verification context, used to validate an idle connection before
// handing it out and by the pool's periodic health check (spec §4.7).
func (pc *PooledConnection) echo() error {
	ctxID, ok := pc.contextByAS[types.VerificationSOPClass]
	if !ok {
		return errors.NewConfigurationError("no_verification_context", "pooled connection has no Verification presentation context to health-check")
	}
	cmd := types.CommandSet{
		CommandField:        types.CEchoRQ,
		MessageID:           pc.messageID(),
		AffectedSOPClassUID: types.VerificationSOPClass,
		CommandDataSetType:  types.NoDataSetPresent,
		Priority:            types.PriorityMedium,
	}
	if err := pc.send(ctxID, cmd, nil); err != nil {
		return err
	}
	msg, err := pc.receive()
	if err != nil {
		return err
	}
	if msg.Kind != types.CommandCEchoRSP || msg.Command.Status != types.StatusSuccess {
		return errors.NewProtocolError("unexpected_pdu_parameter", "expected successful C-ECHO-RSP")
	}
	return nil
}

func (pc *PooledConnection) close() {
	if err := pc.assoc.Release(); err != nil {
		_ = pc.assoc.Abort(types.AbortSourceServiceUser, types.AbortReasonNotSpecified)
	}
}
