package pdu

import (
	"encoding/binary"
	"fmt"

	"github.com/medigo/dicomul/errors"
	"github.com/medigo/dicomul/types"
)

// item is one decoded TLV variable item: type(1) reserved(1) length(2 BE) value.
type item struct {
	Type  byte
	Value []byte
}

// writeItem appends a TLV-encoded item to buf.
func writeItem(buf []byte, itemType byte, value []byte) []byte {
	buf = append(buf, itemType, 0x00)
	lenBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(lenBytes, uint16(len(value)))
	buf = append(buf, lenBytes...)
	return append(buf, value...)
}

// readItems parses a flat run of TLV items from data, returning them in
// order. Each item's declared length must fit within data; otherwise it's a
// malformed-item protocol error.
func readItems(data []byte) ([]item, error) {
	var items []item
	offset := 0
	for offset < len(data) {
		if offset+4 > len(data) {
			return nil, errors.NewProtocolError("invalid_pdu", "truncated variable item header")
		}
		itemType := data[offset]
		length := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		valueStart := offset + 4
		valueEnd := valueStart + int(length)
		if valueEnd > len(data) {
			return nil, errors.NewProtocolError("invalid_pdu", "variable item length exceeds PDU body")
		}
		items = append(items, item{Type: itemType, Value: data[valueStart:valueEnd]})
		offset = valueEnd
	}
	return items, nil
}

// encodeProposedPresentationContext builds a 0x20 Presentation Context RQ
// item: id(1) res(3) then Abstract Syntax (0x30) and one or more Transfer
// Syntax (0x40) sub-items.
func encodeProposedPresentationContext(ctx types.ProposedPresentationContext) []byte {
	body := []byte{ctx.ID, 0x00, 0x00, 0x00}
	body = writeItem(body, types.ItemAbstractSyntax, []byte(ctx.AbstractSyntax))
	for _, ts := range ctx.TransferSyntaxes {
		body = writeItem(body, types.ItemTransferSyntax, []byte(ts))
	}
	return body
}

// decodeProposedPresentationContext parses the body of a 0x20 item.
func decodeProposedPresentationContext(body []byte) (types.ProposedPresentationContext, error) {
	if len(body) < 4 {
		return types.ProposedPresentationContext{}, errors.NewProtocolError("invalid_pdu", "presentation context item too short")
	}
	id := body[0]
	subItems, err := readItems(body[4:])
	if err != nil {
		return types.ProposedPresentationContext{}, err
	}
	var abstractSyntax string
	var transferSyntaxes []string
	for _, si := range subItems {
		switch si.Type {
		case types.ItemAbstractSyntax:
			abstractSyntax = types.NormalizeUID(si.Value)
		case types.ItemTransferSyntax:
			transferSyntaxes = append(transferSyntaxes, types.NormalizeUID(si.Value))
		default:
			// unknown sub-item type: skip, forward compatibility
		}
	}
	if abstractSyntax == "" {
		return types.ProposedPresentationContext{}, errors.NewProtocolError("invalid_pdu", "presentation context missing abstract syntax")
	}
	if len(transferSyntaxes) == 0 {
		return types.ProposedPresentationContext{}, errors.NewProtocolError("invalid_pdu", "presentation context missing transfer syntax")
	}
	return types.ProposedPresentationContext{
		ID:               id,
		AbstractSyntax:   abstractSyntax,
		TransferSyntaxes: transferSyntaxes,
	}, nil
}

// encodeAcceptedPresentationContext builds a 0x21 Presentation Context AC
// item. Per the DCMTK/Orthanc compatibility workaround documented in
// SPEC_FULL.md, non-accepted contexts carry no sub-items at all (omitted
// entirely rather than encoded empty), which this function expresses simply
// by never writing a Transfer Syntax sub-item unless Result is Acceptance.
func encodeAcceptedPresentationContext(ctx types.AcceptedPresentationContext) []byte {
	body := []byte{ctx.ID, 0x00, ctx.Result, 0x00}
	if ctx.Accepted() {
		body = writeItem(body, types.ItemTransferSyntax, []byte(ctx.TransferSyntax))
	}
	return body
}

// decodeAcceptedPresentationContext parses the body of a 0x21 item.
func decodeAcceptedPresentationContext(body []byte) (types.AcceptedPresentationContext, error) {
	if len(body) < 4 {
		return types.AcceptedPresentationContext{}, errors.NewProtocolError("invalid_pdu", "presentation context AC item too short")
	}
	id := body[0]
	result := body[2]
	subItems, err := readItems(body[4:])
	if err != nil {
		return types.AcceptedPresentationContext{}, err
	}
	var transferSyntax string
	for _, si := range subItems {
		if si.Type == types.ItemTransferSyntax {
			transferSyntax = types.NormalizeUID(si.Value)
		}
	}
	return types.AcceptedPresentationContext{ID: id, Result: result, TransferSyntax: transferSyntax}, nil
}

// encodeUserInformation builds the 0x50 User Information item body from its
// sub-items: Maximum Length (required), Implementation Class UID
// (required), Implementation Version Name (optional).
func encodeUserInformation(maxPDULength uint32, implClassUID, implVersionName string) []byte {
	maxLenValue := make([]byte, 4)
	binary.BigEndian.PutUint32(maxLenValue, maxPDULength)

	var body []byte
	body = writeItem(body, types.ItemMaximumLength, maxLenValue)
	body = writeItem(body, types.ItemImplementationClassUID, []byte(implClassUID))
	if implVersionName != "" {
		body = writeItem(body, types.ItemImplementationVersionName, []byte(implVersionName))
	}
	return body
}

// decodeUserInformation parses the body of a 0x50 item.
func decodeUserInformation(body []byte) (maxPDULength uint32, implClassUID, implVersionName string, err error) {
	subItems, err := readItems(body)
	if err != nil {
		return 0, "", "", err
	}
	for _, si := range subItems {
		switch si.Type {
		case types.ItemMaximumLength:
			if len(si.Value) != 4 {
				return 0, "", "", errors.NewProtocolError("invalid_pdu", "maximum length sub-item must be 4 bytes")
			}
			maxPDULength = binary.BigEndian.Uint32(si.Value)
		case types.ItemImplementationClassUID:
			implClassUID = types.NormalizeUID(si.Value)
		case types.ItemImplementationVersionName:
			implVersionName = types.NormalizeUID(si.Value)
		default:
			// unknown sub-item type: skip
		}
	}
	return maxPDULength, implClassUID, implVersionName, nil
}

func wireAETitle(raw []byte) (types.AETitle, error) {
	if len(raw) != 16 {
		return "", fmt.Errorf("dicomul: AE title field must be 16 bytes, got %d", len(raw))
	}
	return types.AETitleFromWire(raw), nil
}
