package scp

import (
	"net"

	"github.com/medigo/dicomul/assoc"
	"github.com/medigo/dicomul/dimse"
	"github.com/medigo/dicomul/pdu"
	"github.com/medigo/dicomul/types"
)

// handleConnection runs the negotiation and, on success, the dispatch loop
// for one inbound connection, cleaning up regardless of outcome. Each
// connection runs on its own goroutine (spec §4.6: "Each new connection
// spawns an independent association handler").
func (l *Listener) handleConnection(conn net.Conn) {
	defer conn.Close()

	a, err := assoc.Accept(conn, assoc.AcceptParams{
		LocalAE:                   l.cfg.Address,
		NegotiationPolicy:         l.cfg.NegotiationPolicy,
		MaxPDULength:              l.cfg.MaxPDULength,
		ImplementationClassUID:    l.cfg.ImplementationClassUID,
		ImplementationVersionName: l.cfg.ImplementationVersionName,
		Admission:                 l.admissionFunc(),
		ReadTimeout:               l.cfg.ReadTimeout,
		WriteTimeout:              l.cfg.WriteTimeout,
		Logger:                    l.cfg.Logger,
	})
	if err != nil {
		l.cfg.Logger.Info().Err(err).Str("remote_addr", conn.RemoteAddr().String()).Msg("association not established")
		return
	}

	l.associationOpened()
	l.track(a)
	defer func() {
		l.untrack(a)
		l.associationClosed()
	}()

	var knownIDs []byte
	for _, ctx := range a.AcceptedContexts() {
		if ctx.Accepted() {
			knownIDs = append(knownIDs, ctx.ID)
		}
	}
	assembler := dimse.NewAssembler(knownIDs)

	for {
		v, err := a.ReceiveNext()
		if err != nil {
			return
		}
		switch pv := v.(type) {
		case pdu.PDataTF:
			for _, pdv := range pv.PDVs {
				msg, err := assembler.Feed(pdv)
				if err != nil {
					_ = a.Abort(types.AbortSourceServiceProvider, types.AbortReasonUnrecognizedPDU)
					return
				}
				if msg == nil {
					continue
				}
				if !l.dispatch(a, msg) {
					return
				}
			}
		case pdu.ReleaseRQ:
			_ = a.AcceptRelease()
			return
		default:
			_ = a.Abort(types.AbortSourceServiceProvider, types.AbortReasonUnexpectedPDU)
			return
		}
	}
}

// dispatch handles one fully assembled DIMSE message. It returns false when
// the connection should stop (an abort was sent).
func (l *Listener) dispatch(a *assoc.Association, msg *types.Message) bool {
	switch msg.Kind {
	case types.CommandCEchoRQ:
		return l.respond(a, msg, types.CEchoRQ, types.StatusSuccess, nil)
	case types.CommandCStoreRQ:
		return l.dispatchStore(a, msg)
	default:
		// Unknown to this listener: it only offers Verification and Storage
		// SCPs (spec §4.6's dispatch table names only C-ECHO and C-STORE).
		l.cfg.Logger.Warn().Int("kind", int(msg.Kind)).Msg("unexpected DIMSE command, aborting")
		_ = a.Abort(types.AbortSourceServiceProvider, types.AbortReasonUnexpectedParameter)
		return false
	}
}

func (l *Listener) dispatchStore(a *assoc.Association, msg *types.Message) bool {
	sopClassUID := msg.Command.AffectedSOPClassUID
	sopInstanceUID := msg.Command.AffectedSOPInstanceUID

	if !l.cfg.Handler.WillReceive(sopClassUID, sopInstanceUID) {
		return l.respond(a, msg, types.CStoreRQ, types.StatusRefusedOutOfResources, nil)
	}

	transferSyntaxUID := ""
	if ctx, ok := a.AcceptedContext(msg.PresentationContextID); ok {
		transferSyntaxUID = ctx.TransferSyntax
	}

	err := l.cfg.Handler.DidReceive(ReceivedFile{
		SOPClassUID:       sopClassUID,
		SOPInstanceUID:    sopInstanceUID,
		TransferSyntaxUID: transferSyntaxUID,
		DatasetBytes:      msg.DataSet,
		CallingAE:         a.RemoteAE(),
	})
	if err != nil {
		l.cfg.Logger.Error().Err(err).Str("sop_instance_uid", sopInstanceUID).Msg("storage handler failed")
		return l.respond(a, msg, types.CStoreRQ, types.StatusProcessingFailure, nil)
	}
	return l.respond(a, msg, types.CStoreRQ, types.StatusSuccess, nil)
}

// respond encodes and sends a response command set for req, returning false
// (so the caller stops serving the connection) if the send fails.
func (l *Listener) respond(a *assoc.Association, req *types.Message, requestCommand uint16, status uint16, dataSet []byte) bool {
	cmd := types.CommandSet{
		CommandField:              types.ResponseCommandFor(requestCommand),
		MessageIDBeingRespondedTo: req.Command.MessageID,
		AffectedSOPClassUID:       req.Command.AffectedSOPClassUID,
		AffectedSOPInstanceUID:    req.Command.AffectedSOPInstanceUID,
		Status:                    status,
		CommandDataSetType:        types.NoDataSetPresent,
	}
	if len(dataSet) > 0 {
		cmd.CommandDataSetType = types.DataSetPresent
	}
	commandBytes := dimse.EncodeCommandSet(cmd)
	pdvs := dimse.Fragment(commandBytes, dataSet, req.PresentationContextID, a.MaxPDULength())
	if err := a.SendData(pdvs); err != nil {
		l.cfg.Logger.Warn().Err(err).Msg("failed to send DIMSE response")
		return false
	}
	return true
}
