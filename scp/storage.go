package scp

import (
	"os"
	"path/filepath"

	"github.com/medigo/dicomul/dataset"
)

// StorageHandler is the default storage Handler (spec §4.6): persists each
// received file under storage_dir/{sop_instance_uid}.dcm, or, with
// Hierarchical set, under storage_dir/{patient_id}/{study_uid}/{series_uid}/
// {sop_instance_uid}.dcm when those attributes are present in the data set.
type StorageHandler struct {
	Dir          string
	Hierarchical bool

	// WillAccept is an optional admission hook run before a file is
	// persisted; nil accepts everything.
	WillAccept func(sopClassUID, sopInstanceUID string) bool
}

func (h StorageHandler) WillReceive(sopClassUID, sopInstanceUID string) bool {
	if h.WillAccept == nil {
		return true
	}
	return h.WillAccept(sopClassUID, sopInstanceUID)
}

func (h StorageHandler) DidReceive(file ReceivedFile) error {
	dir := h.Dir
	if h.Hierarchical {
		if sub := h.hierarchy(file); sub != "" {
			dir = filepath.Join(dir, sub)
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	part10 := dataset.WritePart10Header(file.DatasetBytes, file.SOPClassUID, file.SOPInstanceUID, file.TransferSyntaxUID)
	path := filepath.Join(dir, file.SOPInstanceUID+".dcm")
	return os.WriteFile(path, part10, 0o644)
}

// hierarchy extracts patient/study/series identifiers from the data set to
// build the optional hierarchical layout path; a parse failure or any
// missing attribute falls back to the flat layout (no subdirectories at
// all) rather than failing the store.
func (h StorageHandler) hierarchy(file ReceivedFile) string {
	ds, err := dataset.Parse(file.DatasetBytes, file.TransferSyntaxUID)
	if err != nil {
		return ""
	}
	patient := ds.PatientID()
	study := ds.StudyInstanceUID()
	series := ds.SeriesInstanceUID()
	if patient == "" || study == "" || series == "" {
		return ""
	}
	return filepath.Join(patient, study, series)
}
