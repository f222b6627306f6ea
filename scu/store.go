package scu

import (
	"time"

	"github.com/medigo/dicomul/errors"
	"github.com/medigo/dicomul/types"
)

// StoreFile is one data set to send via C-STORE: already stripped of any
// Part 10 preamble/file meta header (spec §1 leaves Part 10 handling to the
// dataset package, not this one).
type StoreFile struct {
	SOPClassUID       string
	SOPInstanceUID    string
	TransferSyntaxUID string
	DatasetBytes      []byte
}

// StoreResult is the outcome of one C-STORE exchange.
type StoreResult struct {
	Success       bool
	Status        uint16
	RoundTripTime time.Duration
}

func storeContexts(sopClassUID, preferredTS string) []types.ProposedPresentationContext {
	transferSyntaxes := []string{types.ExplicitVRLittleEndian, types.ImplicitVRLittleEndian}
	if preferredTS != "" && preferredTS != types.ExplicitVRLittleEndian && preferredTS != types.ImplicitVRLittleEndian {
		transferSyntaxes = append([]string{preferredTS}, transferSyntaxes...)
	} else if preferredTS != "" {
		// move the preferred (trivially-equivalent) syntax to the front
		transferSyntaxes = []string{preferredTS, types.ExplicitVRLittleEndian, types.ImplicitVRLittleEndian}
	}
	return []types.ProposedPresentationContext{
		{ID: 1, AbstractSyntax: sopClassUID, TransferSyntaxes: transferSyntaxes},
	}
}

// Store sends one file via C-STORE: proposes the file's SOP Class UID with
// its original transfer syntax plus VR LE fallbacks; if the negotiated
// transfer syntax differs from the file's and isn't trivially equivalent
// (Explicit<->Implicit VR LE), fails closed rather than transcode
// (spec §4.5, §9 Open Question (a)).
func Store(cfg Config, file StoreFile) (*StoreResult, error) {
	s, err := connect(cfg, storeContexts(file.SOPClassUID, file.TransferSyntaxUID))
	if err != nil {
		return nil, err
	}
	defer s.release()

	ctxID, err := s.contextFor(file.SOPClassUID)
	if err != nil {
		s.abort()
		return nil, err
	}
	ctx, _ := s.assoc.AcceptedContext(ctxID)
	if !transferSyntaxCompatible(file.TransferSyntaxUID, ctx.TransferSyntax) {
		s.abort()
		return nil, errors.NewInvalidStateError("cannot transcode")
	}

	started := time.Now()
	cmd := types.CommandSet{
		CommandField:           types.CStoreRQ,
		MessageID:              s.messageID(),
		AffectedSOPClassUID:    file.SOPClassUID,
		AffectedSOPInstanceUID: file.SOPInstanceUID,
		Priority:               types.PriorityMedium,
		CommandDataSetType:     types.DataSetPresent,
	}
	if err := s.send(ctxID, cmd, file.DatasetBytes); err != nil {
		s.abort()
		return nil, err
	}

	msg, err := s.receive()
	if err != nil {
		return nil, err
	}
	if msg.Kind != types.CommandCStoreRSP {
		s.abort()
		return nil, errors.NewProtocolError("unexpected_pdu_parameter", "expected C-STORE-RSP")
	}
	return &StoreResult{
		Success:       msg.Command.Status == types.StatusSuccess,
		Status:        msg.Command.Status,
		RoundTripTime: time.Since(started),
	}, nil
}

// transferSyntaxCompatible reports whether negotiated can carry want's
// bytes without re-encoding: identical, or either is empty (no declared
// original), or the Explicit<->Implicit VR LE pair, which differ only in
// element header framing (spec §9 Open Question (a)).
func transferSyntaxCompatible(want, negotiated string) bool {
	if want == "" || want == negotiated {
		return true
	}
	vrLEPair := map[string]bool{types.ExplicitVRLittleEndian: true, types.ImplicitVRLittleEndian: true}
	return vrLEPair[want] && vrLEPair[negotiated]
}

// BatchEventKind classifies a BatchStore stream event.
type BatchEventKind int

const (
	BatchProgress BatchEventKind = iota
	BatchFileResult
	BatchCompleted
)

// BatchEvent is one event in a BatchStore stream.
type BatchEvent struct {
	Kind       BatchEventKind
	FileIndex  int
	TotalFiles int
	File       StoreFile
	Result     *StoreResult
	Err        error
}

// BatchOptions configures a BatchStore run (spec §4.5).
type BatchOptions struct {
	MaxFilesPerAssociation int
	ContinueOnError        bool
	DelayBetweenFiles      time.Duration
}

// BatchStore sends files over as few associations as possible: all distinct
// SOP Class UIDs are gathered up front into a single set of up to 128
// presentation contexts (odd IDs 1,3,5,...), the association is reused
// until max_files_per_association is reached, then a new one is opened.
// Progress/FileResult/Completed events stream on the returned channel,
// which is closed when the run ends.
func BatchStore(cfg Config, files []StoreFile, opts BatchOptions) <-chan BatchEvent {
	if opts.MaxFilesPerAssociation <= 0 {
		opts.MaxFilesPerAssociation = len(files)
	}
	events := make(chan BatchEvent)

	go func() {
		defer close(events)
		contexts := batchContexts(files)

		var s *session
		filesOnAssoc := 0
		defer func() {
			if s != nil {
				s.release()
			}
		}()

		for i, file := range files {
			events <- BatchEvent{Kind: BatchProgress, FileIndex: i, TotalFiles: len(files), File: file}

			if s == nil {
				var err error
				s, err = connect(cfg, contexts)
				if err != nil {
					events <- BatchEvent{Kind: BatchFileResult, FileIndex: i, TotalFiles: len(files), File: file, Err: err}
					if !opts.ContinueOnError {
						break
					}
					continue
				}
				filesOnAssoc = 0
			}

			result, err := storeOnSession(s, file)
			events <- BatchEvent{Kind: BatchFileResult, FileIndex: i, TotalFiles: len(files), File: file, Result: result, Err: err}

			filesOnAssoc++
			if filesOnAssoc >= opts.MaxFilesPerAssociation {
				s.release()
				s = nil
			}

			if err != nil && !opts.ContinueOnError {
				break
			}
			if opts.DelayBetweenFiles > 0 && i < len(files)-1 {
				time.Sleep(opts.DelayBetweenFiles)
			}
		}

		events <- BatchEvent{Kind: BatchCompleted, TotalFiles: len(files)}
	}()

	return events
}

func batchContexts(files []StoreFile) []types.ProposedPresentationContext {
	seen := make(map[string]bool)
	var contexts []types.ProposedPresentationContext
	id := byte(1)
	for _, f := range files {
		if seen[f.SOPClassUID] || len(contexts) >= 128 {
			continue
		}
		seen[f.SOPClassUID] = true
		contexts = append(contexts, types.ProposedPresentationContext{
			ID:               id,
			AbstractSyntax:   f.SOPClassUID,
			TransferSyntaxes: []string{types.ExplicitVRLittleEndian, types.ImplicitVRLittleEndian},
		})
		id += 2
	}
	return contexts
}

func storeOnSession(s *session, file StoreFile) (*StoreResult, error) {
	ctxID, err := s.contextFor(file.SOPClassUID)
	if err != nil {
		return nil, err
	}
	ctx, _ := s.assoc.AcceptedContext(ctxID)
	if !transferSyntaxCompatible(file.TransferSyntaxUID, ctx.TransferSyntax) {
		return nil, errors.NewInvalidStateError("cannot transcode")
	}

	started := time.Now()
	cmd := types.CommandSet{
		CommandField:           types.CStoreRQ,
		MessageID:              s.messageID(),
		AffectedSOPClassUID:    file.SOPClassUID,
		AffectedSOPInstanceUID: file.SOPInstanceUID,
		Priority:               types.PriorityMedium,
		CommandDataSetType:     types.DataSetPresent,
	}
	if err := s.send(ctxID, cmd, file.DatasetBytes); err != nil {
		return nil, err
	}
	msg, err := s.receive()
	if err != nil {
		return nil, err
	}
	if msg.Kind != types.CommandCStoreRSP {
		return nil, errors.NewProtocolError("unexpected_pdu_parameter", "expected C-STORE-RSP")
	}
	return &StoreResult{
		Success:       msg.Command.Status == types.StatusSuccess,
		Status:        msg.Command.Status,
		RoundTripTime: time.Since(started),
	}, nil
}
