package scp

import "github.com/medigo/dicomul/types"

// ReceivedFile is a fully reassembled C-STORE sub-operation handed to a
// Handler's DidReceive (spec §4.6).
type ReceivedFile struct {
	SOPClassUID       string
	SOPInstanceUID    string
	TransferSyntaxUID string
	DatasetBytes      []byte
	CallingAE         types.AETitle
}

// Handler is the delegate a Listener dispatches C-STORE sub-operations to.
// WillReceive runs before the data set is accepted into the association
// (spec §4.6's will_receive(sop_class, sop_instance) hook); returning false
// fails the operation with RefusedOutOfResources without calling
// DidReceive. DidReceive persists (or otherwise processes) an accepted
// file; a non-nil error reports ProcessingFailure to the SCU instead of
// Success.
type Handler interface {
	WillReceive(sopClassUID, sopInstanceUID string) bool
	DidReceive(file ReceivedFile) error
}

// DiscardHandler accepts and immediately discards every file. It is the
// Listener's zero-value default, useful for C-ECHO-only listeners and
// tests that don't care about storage.
type DiscardHandler struct{}

func (DiscardHandler) WillReceive(sopClassUID, sopInstanceUID string) bool { return true }
func (DiscardHandler) DidReceive(file ReceivedFile) error                 { return nil }
