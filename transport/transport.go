// Package transport implements the Framed Transport: length-prefixed PDU
// reads/writes over a TCP (optionally TLS-wrapped) connection.
package transport

import (
	"io"
	"net"
	"time"

	"github.com/medigo/dicomul/errors"
	"github.com/medigo/dicomul/pdu"
	"github.com/medigo/dicomul/types"
)

// FramedTransport reads and writes whole PDUs over a net.Conn, enforcing
// the negotiated maximum PDU body length on receive.
type FramedTransport struct {
	conn        net.Conn
	maxPDULength uint32
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// New wraps conn in a FramedTransport. maxPDULength of 0 means unbounded
// (used before negotiation completes); readTimeout/writeTimeout of 0 means
// no per-operation deadline.
func New(conn net.Conn, maxPDULength uint32, readTimeout, writeTimeout time.Duration) *FramedTransport {
	return &FramedTransport{conn: conn, maxPDULength: maxPDULength, readTimeout: readTimeout, writeTimeout: writeTimeout}
}

// SetMaxPDULength updates the enforced receive ceiling, called once
// negotiation completes (spec §4.2: "validates body length ≤ negotiated
// max PDU size").
func (t *FramedTransport) SetMaxPDULength(max uint32) {
	t.maxPDULength = max
}

// RemoteAddr exposes the underlying connection's remote address.
func (t *FramedTransport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

// Send encodes and writes a single PDU value, delivered atomically to the
// kernel send buffer via one Write call.
func (t *FramedTransport) Send(v any) error {
	wire, err := pdu.Encode(v)
	if err != nil {
		return err
	}
	if t.writeTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return errors.NewConnectionError("set_write_deadline", err)
		}
	}
	if _, err := t.conn.Write(wire); err != nil {
		return errors.NewConnectionError("write", err)
	}
	return nil
}

// Receive reads exactly one PDU: 6-byte header, then the declared body in
// one further read, then decodes it into its typed value.
func (t *FramedTransport) Receive() (any, error) {
	if t.readTimeout > 0 {
		if err := t.conn.SetReadDeadline(time.Now().Add(t.readTimeout)); err != nil {
			return nil, errors.NewConnectionError("set_read_deadline", err)
		}
	}

	header := make([]byte, 6)
	if _, err := io.ReadFull(t.conn, header); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, errors.ErrConnectionClosed
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, errors.NewTimeoutError("receive", t.readTimeout)
		}
		return nil, errors.NewConnectionError("read_header", err)
	}

	pduType, bodyLength, err := pdu.ReadHeader(header)
	if err != nil {
		return nil, err
	}
	if t.maxPDULength > 0 && bodyLength > t.maxPDULength {
		return nil, &errors.PduTooLargeError{Received: bodyLength, Maximum: t.maxPDULength}
	}

	body := make([]byte, bodyLength)
	if _, err := io.ReadFull(t.conn, body); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, errors.ErrConnectionClosed
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, errors.NewTimeoutError("receive", t.readTimeout)
		}
		return nil, errors.NewConnectionError("read_body", err)
	}

	return pdu.Decode(types.PDU{Type: pduType, Body: body})
}

// Close closes the underlying connection without sending anything.
func (t *FramedTransport) Close() error {
	return t.conn.Close()
}

// Abort sends an A-ABORT PDU best-effort, then closes the connection. Send
// errors are ignored since the socket is being torn down regardless.
func (t *FramedTransport) Abort(source, reason byte) error {
	_ = t.Send(pdu.Abort{Source: source, Reason: reason})
	return t.conn.Close()
}
