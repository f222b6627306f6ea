// Package pdu implements the PS3.8 Upper Layer PDU codec: binary framing
// for the seven PDU types and their nested TLV variable items. It has no
// knowledge of sockets or association state — see packages transport and
// assoc for those.
package pdu

import (
	"encoding/binary"

	"github.com/medigo/dicomul/errors"
	"github.com/medigo/dicomul/types"
)

const headerLength = 6

// ReadHeader parses the 6-byte PDU header, exposing framing without a full
// parse: 1-byte type, 1 reserved, 4-byte big-endian body length.
func ReadHeader(header []byte) (pduType byte, bodyLength uint32, err error) {
	if len(header) != headerLength {
		return 0, 0, errors.NewProtocolError("invalid_pdu", "PDU header must be 6 bytes")
	}
	return header[0], binary.BigEndian.Uint32(header[2:6]), nil
}

// frame wraps body with the 6-byte PDU header for pduType.
func frame(pduType byte, body []byte) []byte {
	out := make([]byte, headerLength, headerLength+len(body))
	out[0] = pduType
	out[1] = 0x00
	binary.BigEndian.PutUint32(out[2:6], uint32(len(body)))
	return append(out, body...)
}

// AssociateRQ is the decoded body of an A-ASSOCIATE-RQ PDU.
type AssociateRQ struct {
	CalledAE                  types.AETitle
	CallingAE                 types.AETitle
	ApplicationContextUID     string
	PresentationContexts      []types.ProposedPresentationContext
	MaxPDULength              uint32
	ImplementationClassUID    string
	ImplementationVersionName string
}

// AssociateAC is the decoded body of an A-ASSOCIATE-AC PDU.
type AssociateAC struct {
	CalledAE                  types.AETitle
	CallingAE                 types.AETitle
	ApplicationContextUID     string
	PresentationContexts      []types.AcceptedPresentationContext
	MaxPDULength              uint32
	ImplementationClassUID    string
	ImplementationVersionName string
}

// AssociateRJ is the decoded body of an A-ASSOCIATE-RJ PDU.
type AssociateRJ struct {
	Result byte
	Source byte
	Reason byte
}

// ReleaseRQ is the (empty) decoded body of an A-RELEASE-RQ PDU.
type ReleaseRQ struct{}

// ReleaseRP is the (empty) decoded body of an A-RELEASE-RP PDU.
type ReleaseRP struct{}

// Abort is the decoded body of an A-ABORT PDU.
type Abort struct {
	Source byte
	Reason byte
}

// PDataTF is the decoded body of a P-DATA-TF PDU: a sequence of PDVs.
type PDataTF struct {
	PDVs []types.PDV
}

func encodeFixedAssociateFields(calledAE, callingAE types.AETitle) []byte {
	out := make([]byte, 68)
	binary.BigEndian.PutUint16(out[0:2], 0x0001) // protocol version
	calledWire := calledAE.WireBytes()
	callingWire := callingAE.WireBytes()
	copy(out[4:20], calledWire[:])
	copy(out[20:36], callingWire[:])
	return out
}

// EncodeAssociateRQ encodes an A-ASSOCIATE-RQ PDU.
func EncodeAssociateRQ(v AssociateRQ) types.PDU {
	body := encodeFixedAssociateFields(v.CalledAE, v.CallingAE)
	body = writeItem(body, types.ItemApplicationContext, []byte(v.ApplicationContextUID))
	for _, ctx := range v.PresentationContexts {
		body = writeItem(body, types.ItemPresentationContextRQ, encodeProposedPresentationContext(ctx))
	}
	userInfo := encodeUserInformation(v.MaxPDULength, v.ImplementationClassUID, v.ImplementationVersionName)
	body = writeItem(body, types.ItemUserInformation, userInfo)
	return types.PDU{Type: types.TypeAssociateRQ, Body: body}
}

// DecodeAssociateRQ decodes the body of an A-ASSOCIATE-RQ PDU.
func DecodeAssociateRQ(body []byte) (AssociateRQ, error) {
	if len(body) < 68 {
		return AssociateRQ{}, errors.NewProtocolError("invalid_pdu", "ASSOCIATE-RQ shorter than fixed fields")
	}
	calledAE, err := wireAETitle(body[4:20])
	if err != nil {
		return AssociateRQ{}, errors.NewProtocolError("invalid_pdu", err.Error())
	}
	callingAE, err := wireAETitle(body[20:36])
	if err != nil {
		return AssociateRQ{}, errors.NewProtocolError("invalid_pdu", err.Error())
	}

	items, err := readItems(body[68:])
	if err != nil {
		return AssociateRQ{}, err
	}

	out := AssociateRQ{CalledAE: calledAE, CallingAE: callingAE}
	for _, it := range items {
		switch it.Type {
		case types.ItemApplicationContext:
			out.ApplicationContextUID = types.NormalizeUID(it.Value)
		case types.ItemPresentationContextRQ:
			ctx, err := decodeProposedPresentationContext(it.Value)
			if err != nil {
				return AssociateRQ{}, err
			}
			out.PresentationContexts = append(out.PresentationContexts, ctx)
		case types.ItemUserInformation:
			maxLen, implClass, implVersion, err := decodeUserInformation(it.Value)
			if err != nil {
				return AssociateRQ{}, err
			}
			out.MaxPDULength = maxLen
			out.ImplementationClassUID = implClass
			out.ImplementationVersionName = implVersion
		default:
			// unknown top-level item: skip, forward compatibility
		}
	}
	return out, nil
}

// EncodeAssociateAC encodes an A-ASSOCIATE-AC PDU.
func EncodeAssociateAC(v AssociateAC) types.PDU {
	body := encodeFixedAssociateFields(v.CalledAE, v.CallingAE)
	body = writeItem(body, types.ItemApplicationContext, []byte(v.ApplicationContextUID))
	for _, ctx := range v.PresentationContexts {
		body = writeItem(body, types.ItemPresentationContextAC, encodeAcceptedPresentationContext(ctx))
	}
	userInfo := encodeUserInformation(v.MaxPDULength, v.ImplementationClassUID, v.ImplementationVersionName)
	body = writeItem(body, types.ItemUserInformation, userInfo)
	return types.PDU{Type: types.TypeAssociateAC, Body: body}
}

// DecodeAssociateAC decodes the body of an A-ASSOCIATE-AC PDU.
func DecodeAssociateAC(body []byte) (AssociateAC, error) {
	if len(body) < 68 {
		return AssociateAC{}, errors.NewProtocolError("invalid_pdu", "ASSOCIATE-AC shorter than fixed fields")
	}
	calledAE, err := wireAETitle(body[4:20])
	if err != nil {
		return AssociateAC{}, errors.NewProtocolError("invalid_pdu", err.Error())
	}
	callingAE, err := wireAETitle(body[20:36])
	if err != nil {
		return AssociateAC{}, errors.NewProtocolError("invalid_pdu", err.Error())
	}

	items, err := readItems(body[68:])
	if err != nil {
		return AssociateAC{}, err
	}

	out := AssociateAC{CalledAE: calledAE, CallingAE: callingAE}
	for _, it := range items {
		switch it.Type {
		case types.ItemApplicationContext:
			out.ApplicationContextUID = types.NormalizeUID(it.Value)
		case types.ItemPresentationContextAC:
			ctx, err := decodeAcceptedPresentationContext(it.Value)
			if err != nil {
				return AssociateAC{}, err
			}
			out.PresentationContexts = append(out.PresentationContexts, ctx)
		case types.ItemUserInformation:
			maxLen, implClass, implVersion, err := decodeUserInformation(it.Value)
			if err != nil {
				return AssociateAC{}, err
			}
			out.MaxPDULength = maxLen
			out.ImplementationClassUID = implClass
			out.ImplementationVersionName = implVersion
		default:
			// unknown top-level item: skip
		}
	}
	return out, nil
}

// EncodeAssociateRJ encodes an A-ASSOCIATE-RJ PDU: reserved ∥ result ∥
// source ∥ reason.
func EncodeAssociateRJ(v AssociateRJ) types.PDU {
	return types.PDU{Type: types.TypeAssociateRJ, Body: []byte{0x00, v.Result, v.Source, v.Reason}}
}

// DecodeAssociateRJ decodes the body of an A-ASSOCIATE-RJ PDU.
func DecodeAssociateRJ(body []byte) (AssociateRJ, error) {
	if len(body) != 4 {
		return AssociateRJ{}, errors.NewProtocolError("invalid_pdu", "ASSOCIATE-RJ body must be 4 bytes")
	}
	return AssociateRJ{Result: body[1], Source: body[2], Reason: body[3]}, nil
}

// EncodeReleaseRQ encodes an A-RELEASE-RQ PDU: 4 reserved bytes.
func EncodeReleaseRQ(ReleaseRQ) types.PDU {
	return types.PDU{Type: types.TypeReleaseRQ, Body: make([]byte, 4)}
}

// DecodeReleaseRQ decodes the body of an A-RELEASE-RQ PDU.
func DecodeReleaseRQ(body []byte) (ReleaseRQ, error) {
	if len(body) != 4 {
		return ReleaseRQ{}, errors.NewProtocolError("invalid_pdu", "RELEASE-RQ body must be 4 bytes")
	}
	return ReleaseRQ{}, nil
}

// EncodeReleaseRP encodes an A-RELEASE-RP PDU: 4 reserved bytes.
func EncodeReleaseRP(ReleaseRP) types.PDU {
	return types.PDU{Type: types.TypeReleaseRP, Body: make([]byte, 4)}
}

// DecodeReleaseRP decodes the body of an A-RELEASE-RP PDU.
func DecodeReleaseRP(body []byte) (ReleaseRP, error) {
	if len(body) != 4 {
		return ReleaseRP{}, errors.NewProtocolError("invalid_pdu", "RELEASE-RP body must be 4 bytes")
	}
	return ReleaseRP{}, nil
}

// EncodeAbort encodes an A-ABORT PDU: 2 reserved ∥ source ∥ reason.
func EncodeAbort(v Abort) types.PDU {
	return types.PDU{Type: types.TypeAbort, Body: []byte{0x00, 0x00, v.Source, v.Reason}}
}

// DecodeAbort decodes the body of an A-ABORT PDU.
func DecodeAbort(body []byte) (Abort, error) {
	if len(body) != 4 {
		return Abort{}, errors.NewProtocolError("invalid_pdu", "A-ABORT body must be 4 bytes")
	}
	return Abort{Source: body[2], Reason: body[3]}, nil
}

// EncodePDataTF encodes a P-DATA-TF PDU as a concatenation of its PDVs, each
// framed as 4-byte length ∥ context_id ∥ control_byte ∥ payload.
func EncodePDataTF(v PDataTF) types.PDU {
	var body []byte
	for _, pdv := range v.PDVs {
		control := byte(0)
		if pdv.IsCommand {
			control |= types.PDVControlCommand
		}
		if pdv.IsLastFragment {
			control |= types.PDVControlLast
		}
		pdvBody := append([]byte{pdv.ContextID, control}, pdv.Data...)
		lengthBytes := make([]byte, 4)
		binary.BigEndian.PutUint32(lengthBytes, uint32(len(pdvBody)))
		body = append(body, lengthBytes...)
		body = append(body, pdvBody...)
	}
	return types.PDU{Type: types.TypePDataTF, Body: body}
}

// DecodePDataTF decodes the body of a P-DATA-TF PDU into its PDVs.
func DecodePDataTF(body []byte) (PDataTF, error) {
	var pdvs []types.PDV
	offset := 0
	for offset < len(body) {
		if offset+4 > len(body) {
			return PDataTF{}, errors.NewProtocolError("invalid_pdu", "truncated PDV length")
		}
		pdvLength := binary.BigEndian.Uint32(body[offset : offset+4])
		pdvStart := offset + 4
		pdvEnd := pdvStart + int(pdvLength)
		if pdvEnd > len(body) {
			return PDataTF{}, errors.NewProtocolError("invalid_pdu", "PDV exceeds PDU body length")
		}
		if pdvLength < 2 {
			return PDataTF{}, errors.NewProtocolError("invalid_pdu", "PDV shorter than context_id+control byte")
		}
		pdvBody := body[pdvStart:pdvEnd]
		control := pdvBody[1]
		pdvs = append(pdvs, types.PDV{
			ContextID:      pdvBody[0],
			IsCommand:      control&types.PDVControlCommand != 0,
			IsLastFragment: control&types.PDVControlLast != 0,
			Data:           pdvBody[2:],
		})
		offset = pdvEnd
	}
	return PDataTF{PDVs: pdvs}, nil
}

// Decode dispatches on p.Type and returns the typed PDU value (one of
// AssociateRQ, AssociateAC, AssociateRJ, ReleaseRQ, ReleaseRP, Abort,
// PDataTF) as an any. Callers type-switch on the result.
func Decode(p types.PDU) (any, error) {
	switch p.Type {
	case types.TypeAssociateRQ:
		return DecodeAssociateRQ(p.Body)
	case types.TypeAssociateAC:
		return DecodeAssociateAC(p.Body)
	case types.TypeAssociateRJ:
		return DecodeAssociateRJ(p.Body)
	case types.TypePDataTF:
		return DecodePDataTF(p.Body)
	case types.TypeReleaseRQ:
		return DecodeReleaseRQ(p.Body)
	case types.TypeReleaseRP:
		return DecodeReleaseRP(p.Body)
	case types.TypeAbort:
		return DecodeAbort(p.Body)
	default:
		return nil, errors.NewProtocolError("invalid_pdu", "unknown PDU type")
	}
}

// Encode dispatches on the concrete type of v and returns its wire bytes
// (header + body).
func Encode(v any) ([]byte, error) {
	var p types.PDU
	switch t := v.(type) {
	case AssociateRQ:
		p = EncodeAssociateRQ(t)
	case AssociateAC:
		p = EncodeAssociateAC(t)
	case AssociateRJ:
		p = EncodeAssociateRJ(t)
	case ReleaseRQ:
		p = EncodeReleaseRQ(t)
	case ReleaseRP:
		p = EncodeReleaseRP(t)
	case Abort:
		p = EncodeAbort(t)
	case PDataTF:
		p = EncodePDataTF(t)
	default:
		return nil, errors.NewProtocolError("encoding_failed", "unsupported PDU value type")
	}
	return frame(p.Type, p.Body), nil
}
