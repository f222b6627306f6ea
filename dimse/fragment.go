package dimse

import (
	"bytes"
	"fmt"

	"github.com/medigo/dicomul/errors"
	"github.com/medigo/dicomul/types"
)

// pduOverhead is the PDU header (6 bytes) plus the PDV item's own length
// field and control byte (4 + 1 = 5, plus the 1-byte presentation context
// ID), subtracted from max_pdu_size to get the largest payload a single
// PDV fragment can carry (spec §4.4).
const pduOverhead = 12

// Fragment splits an encoded command set and optional data set into PDVs
// addressed to contextID, sized to fit maxPDUSize. The command set is
// always fragmented before the data set. Each of the two streams gets its
// own terminal is_last_fragment PDV.
func Fragment(commandBytes, dataSetBytes []byte, contextID byte, maxPDUSize uint32) []types.PDV {
	maxPayload := int(maxPDUSize) - pduOverhead
	if maxPayload < 1 {
		maxPayload = 1
	}
	pdvs := chunk(commandBytes, contextID, true, maxPayload)
	if len(dataSetBytes) > 0 {
		pdvs = append(pdvs, chunk(dataSetBytes, contextID, false, maxPayload)...)
	}
	return pdvs
}

func chunk(payload []byte, contextID byte, isCommand bool, maxPayload int) []types.PDV {
	if len(payload) == 0 {
		return []types.PDV{{ContextID: contextID, IsCommand: isCommand, IsLastFragment: true}}
	}
	var out []types.PDV
	for offset := 0; offset < len(payload); offset += maxPayload {
		end := offset + maxPayload
		if end > len(payload) {
			end = len(payload)
		}
		out = append(out, types.PDV{
			ContextID:      contextID,
			IsCommand:      isCommand,
			IsLastFragment: end == len(payload),
			Data:           payload[offset:end],
		})
	}
	return out
}

// Assembler reassembles PDV fragments, per presentation context, into
// complete Messages. It tracks at most one in-flight command/data-set pair
// per context at a time, matching the protocol's rule that a DIMSE
// exchange on a given context completes before the next one starts.
type Assembler struct {
	knownContexts map[byte]bool

	commandBuf   map[byte]*bytes.Buffer
	dataBuf      map[byte]*bytes.Buffer
	readyCommand map[byte]types.CommandSet
}

// NewAssembler constructs an Assembler that only accepts PDVs addressed to
// one of knownContextIDs; any other context ID is a protocol violation
// (spec §4.4's "unexpected PDU parameter" failure mode). Pass nil to accept
// any context (used in tests that don't model negotiation).
func NewAssembler(knownContextIDs []byte) *Assembler {
	var known map[byte]bool
	if knownContextIDs != nil {
		known = make(map[byte]bool, len(knownContextIDs))
		for _, id := range knownContextIDs {
			known[id] = true
		}
	}
	return &Assembler{
		knownContexts: known,
		commandBuf:    make(map[byte]*bytes.Buffer),
		dataBuf:       make(map[byte]*bytes.Buffer),
		readyCommand:  make(map[byte]types.CommandSet),
	}
}

// Feed consumes one PDV. It returns a non-nil Message exactly when pdv
// completes a DIMSE exchange on its context; otherwise it returns nil, nil
// and the caller should keep reading PDVs.
func (a *Assembler) Feed(pdv types.PDV) (*types.Message, error) {
	ctx := pdv.ContextID
	if a.knownContexts != nil && !a.knownContexts[ctx] {
		return nil, errors.NewProtocolError("unexpected_pdu_parameter",
			fmt.Sprintf("PDV for unknown presentation context %d", ctx))
	}

	if pdv.IsCommand {
		buf := a.commandBuf[ctx]
		if buf == nil {
			buf = &bytes.Buffer{}
			a.commandBuf[ctx] = buf
		}
		buf.Write(pdv.Data)
		if !pdv.IsLastFragment {
			return nil, nil
		}
		cmd, err := DecodeCommandSet(buf.Bytes())
		delete(a.commandBuf, ctx)
		if err != nil {
			return nil, err
		}
		if !cmd.HasDataSet() {
			return &types.Message{PresentationContextID: ctx, Command: cmd, Kind: cmd.Kind()}, nil
		}
		a.readyCommand[ctx] = cmd
		return nil, nil
	}

	cmd, ok := a.readyCommand[ctx]
	if !ok {
		return nil, errors.NewProtocolError("unexpected_pdu_parameter",
			fmt.Sprintf("data set fragment on context %d preceding its command", ctx))
	}
	buf := a.dataBuf[ctx]
	if buf == nil {
		buf = &bytes.Buffer{}
		a.dataBuf[ctx] = buf
	}
	buf.Write(pdv.Data)
	if !pdv.IsLastFragment {
		return nil, nil
	}
	dataSet := buf.Bytes()
	delete(a.dataBuf, ctx)
	delete(a.readyCommand, ctx)
	return &types.Message{PresentationContextID: ctx, Command: cmd, DataSet: dataSet, Kind: cmd.Kind()}, nil
}

// Pending reports whether ctx has a partial command or data set still
// awaiting its last fragment. Callers should check this when the
// underlying transport closes, and raise a decoding-failure error if true
// (spec §4.4: a data set that never completes is malformed, not silently
// dropped).
func (a *Assembler) Pending(ctx byte) bool {
	if buf, ok := a.commandBuf[ctx]; ok && buf.Len() > 0 {
		return true
	}
	_, waitingForData := a.readyCommand[ctx]
	return waitingForData
}
