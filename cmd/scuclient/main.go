// Command scuclient drives the five SCU services against a remote
// Application Entity: echo, find, store, move, and get. The first
// argument selects the operation; remaining flags configure it.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/medigo/dicomul/dataset"
	"github.com/medigo/dicomul/scu"
	"github.com/medigo/dicomul/types"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	op := os.Args[1]
	args := os.Args[2:]

	fs := flag.NewFlagSet(op, flag.ExitOnError)
	host := fs.String("host", "127.0.0.1", "remote host")
	port := fs.Int("port", 11112, "remote port")
	calledAE := fs.String("called-ae", "DICOMUL_SCP", "remote AE title")
	callingAE := fs.String("calling-ae", "DICOMUL_SCU", "local AE title")
	timeout := fs.Duration("timeout", 10*time.Second, "connect/read/write timeout")
	verbose := fs.Bool("verbose", false, "log the DIMSE exchange to stderr")

	var (
		patientID  = fs.String("patient-id", "", "query: Patient ID")
		studyUID   = fs.String("study-uid", "", "query: Study Instance UID")
		qrLevel    = fs.String("level", "STUDY", "query retrieve level: PATIENT, STUDY, SERIES, IMAGE")
		moveDest   = fs.String("dest", "", "move: destination AE title")
		filePath   = fs.String("file", "", "store: path to a DICOM Part 10 file")
		outDir     = fs.String("out", ".", "get: directory received instances are written to")
	)

	if err := fs.Parse(args); err != nil {
		os.Exit(2)
	}

	logger := zerolog.Nop()
	if *verbose {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}

	called, err := types.NewAETitle(*calledAE)
	if err != nil {
		fatal(err)
	}
	calling, err := types.NewAETitle(*callingAE)
	if err != nil {
		fatal(err)
	}

	cfg := scu.Config{
		Address:        fmt.Sprintf("%s:%d", *host, *port),
		CalledAE:       called,
		CallingAE:      calling,
		ConnectTimeout: *timeout,
		ReadTimeout:    *timeout,
		WriteTimeout:   *timeout,
		Logger:         logger,
	}

	switch op {
	case "echo":
		runEcho(cfg)
	case "find":
		runFind(cfg, *patientID, *studyUID, *qrLevel)
	case "store":
		runStore(cfg, *filePath)
	case "move":
		runMove(cfg, *moveDest, *patientID, *studyUID, *qrLevel)
	case "get":
		runGet(cfg, *patientID, *studyUID, *qrLevel, *outDir)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: scuclient <echo|find|store|move|get> [flags]")
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "scuclient:", err)
	os.Exit(1)
}

func runEcho(cfg scu.Config) {
	result, err := scu.Echo(cfg)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("C-ECHO to %s succeeded in %s\n", result.RemoteAE, result.RoundTripTime)
}

func queryIdentifier(patientID, studyUID, level string) *dataset.Dataset {
	id := dataset.New()
	id.Add(dataset.TagQueryRetrieveLevel, dataset.VRCS, level)
	if patientID != "" {
		id.Add(dataset.TagPatientID, dataset.VRLO, patientID)
	} else {
		id.Add(dataset.TagPatientID, dataset.VRLO, "")
	}
	if studyUID != "" {
		id.Add(dataset.TagStudyInstanceUID, dataset.VRUI, studyUID)
	} else {
		id.Add(dataset.TagStudyInstanceUID, dataset.VRUI, "")
	}
	return id
}

func runFind(cfg scu.Config, patientID, studyUID, level string) {
	results, err := scu.Find(cfg, scu.FindRequest{Identifier: queryIdentifier(patientID, studyUID, level)})
	if err != nil {
		fatal(err)
	}
	fmt.Printf("%d match(es)\n", len(results))
	for _, ds := range results {
		fmt.Printf("  study=%s patient=%s\n", ds.StudyInstanceUID(), ds.PatientID())
	}
}

func runStore(cfg scu.Config, path string) {
	if path == "" {
		fatal(fmt.Errorf("-file is required"))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		fatal(err)
	}
	meta, datasetBytes, err := dataset.ReadFileMeta(data)
	if err != nil {
		fatal(err)
	}
	result, err := scu.Store(cfg, scu.StoreFile{
		SOPClassUID:       meta.SOPClassUID,
		SOPInstanceUID:    meta.SOPInstanceUID,
		TransferSyntaxUID: meta.TransferSyntaxUID,
		DatasetBytes:      datasetBytes,
	})
	if err != nil {
		fatal(err)
	}
	fmt.Printf("C-STORE status=0x%04X in %s\n", result.Status, result.RoundTripTime)
}

func runMove(cfg scu.Config, dest, patientID, studyUID, level string) {
	if dest == "" {
		fatal(fmt.Errorf("-dest is required"))
	}
	destAE, err := types.NewAETitle(dest)
	if err != nil {
		fatal(err)
	}
	events := scu.Move(cfg, scu.MoveRequest{
		MoveDestination: destAE,
		Identifier:      queryIdentifier(patientID, studyUID, level),
	})
	for ev := range events {
		if ev.Err != nil {
			fatal(ev.Err)
		}
		switch ev.Kind {
		case scu.MoveProgress:
			fmt.Printf("progress: remaining=%d completed=%d failed=%d\n",
				ev.RemainingSubOperations, ev.CompletedSubOperations, ev.FailedSubOperations)
		case scu.MoveCompleted:
			fmt.Printf("move completed: status=0x%04X completed=%d failed=%d warning=%d\n",
				ev.Status, ev.CompletedSubOperations, ev.FailedSubOperations, ev.WarningSubOperations)
		}
	}
}

func runGet(cfg scu.Config, patientID, studyUID, level, outDir string) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		fatal(err)
	}
	req := scu.GetRequest{
		Identifier:        queryIdentifier(patientID, studyUID, level),
		StorageSOPClasses: []string{types.CTImageStorage, types.MRImageStorage, types.SecondaryCaptureImageStorage},
		OnInstance: func(sopClassUID, sopInstanceUID, transferSyntaxUID string, datasetBytes []byte) error {
			part10 := dataset.WritePart10Header(datasetBytes, sopClassUID, sopInstanceUID, transferSyntaxUID)
			path := fmt.Sprintf("%s/%s.dcm", outDir, sopInstanceUID)
			return os.WriteFile(path, part10, 0o644)
		},
	}
	for ev := range scu.Get(cfg, req) {
		if ev.Err != nil {
			fatal(ev.Err)
		}
		switch ev.Kind {
		case scu.GetProgress:
			fmt.Printf("progress: remaining=%d completed=%d failed=%d\n",
				ev.RemainingSubOperations, ev.CompletedSubOperations, ev.FailedSubOperations)
		case scu.GetInstance:
			fmt.Printf("received %s (%d bytes)\n", ev.SOPInstanceUID, ev.Bytes)
		case scu.GetCompleted:
			fmt.Printf("get completed: status=0x%04X completed=%d failed=%d warning=%d\n",
				ev.Status, ev.CompletedSubOperations, ev.FailedSubOperations, ev.WarningSubOperations)
		}
	}
}
