// Command scpserver runs a standalone DICOM Service Class Provider: it
// accepts associations, answers C-ECHO, and persists C-STORE sub-operations
// to a storage directory. It is the SCP-side counterpart to scuclient.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/medigo/dicomul/assoc"
	"github.com/medigo/dicomul/metrics"
	"github.com/medigo/dicomul/observability"
	"github.com/medigo/dicomul/scp"
	"github.com/medigo/dicomul/types"
)

func main() {
	var (
		port            = flag.Int("port", 11112, "TCP port to listen on")
		aeTitle         = flag.String("ae", "DICOMUL_SCP", "AE title this listener answers to")
		storageDir      = flag.String("dir", "./received", "directory C-STORE sub-operations are persisted under")
		hierarchical    = flag.Bool("hierarchical", false, "lay out stored files under patient/study/series subdirectories")
		maxAssociations = flag.Int("max-associations", 0, "maximum concurrent associations (0 = unlimited)")
		whitelist       = flag.String("whitelist", "", "comma-separated calling AE titles to allow (empty = allow all)")
		blacklist       = flag.String("blacklist", "", "comma-separated calling AE titles to reject")
		metricsAddr     = flag.String("metrics-addr", "", "address to serve Prometheus metrics on (empty disables)")
		auditPath       = flag.String("audit-log", "", "path to an audit trail JSON-Lines file (empty disables)")
		logLevel        = flag.String("log-level", "info", "minimum log level: debug, info, warning, error")
	)
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("component", "scpserver").Logger()

	structured := observability.New(parseLevel(*logLevel))
	structured.AddHandler(observability.NewConsoleHandler(os.Stderr))

	audit := observability.NewAuditLogger()
	if *auditPath != "" {
		fh, err := observability.NewAuditFileHandler(*auditPath, 10<<20, 5)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to open audit log")
		}
		defer fh.Close()
		audit.AddHandler(fh)
	}

	ae, err := types.NewAETitle(*aeTitle)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid AE title")
	}

	reg := prometheus.NewRegistry()
	listenerMetrics := metrics.NewListener(reg)

	cfg := scp.Config{
		Address:                   ae,
		MaxConcurrentAssociations: *maxAssociations,
		Blacklist:                 parseAETitles(*blacklist),
		Whitelist:                 parseAETitles(*whitelist),
		NegotiationPolicy:         defaultNegotiationPolicy(),
		Handler: auditingStorageHandler{
			StorageHandler: scp.StorageHandler{Dir: *storageDir, Hierarchical: *hierarchical},
			audit:          audit,
			structured:     structured,
			destination:    ae,
		},
		Logger:  logger,
		Metrics: listenerMetrics,
	}

	listener := scp.New(cfg)
	address := fmt.Sprintf(":%d", *port)
	if err := listener.Start(address); err != nil {
		logger.Fatal().Err(err).Str("address", address).Msg("failed to start listener")
	}
	logger.Info().Str("address", address).Str("ae_title", ae.String()).Str("storage_dir", *storageDir).Msg("listening")

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
		defer srv.Close()
		logger.Info().Str("address", *metricsAddr).Msg("serving metrics")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	logger.Info().Msg("shutting down")
	if err := listener.Stop(); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
		os.Exit(1)
	}
}

func parseLevel(s string) observability.Level {
	switch strings.ToLower(s) {
	case "debug":
		return observability.Debug
	case "warning", "warn":
		return observability.Warning
	case "error":
		return observability.Error
	default:
		return observability.Info
	}
}

func parseAETitles(csv string) []types.AETitle {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]types.AETitle, 0, len(parts))
	for _, p := range parts {
		ae, err := types.NewAETitle(p)
		if err != nil {
			continue
		}
		out = append(out, ae)
	}
	return out
}

// defaultNegotiationPolicy accepts the Verification SOP Class plus every
// registered Storage SOP Class, in Explicit or Implicit VR Little Endian.
func defaultNegotiationPolicy() assoc.NegotiationPolicy {
	return assoc.NegotiationPolicy{
		SupportsAbstractSyntax: func(uid string) bool {
			return uid == types.VerificationSOPClass || types.IsStorageSOPClass(uid)
		},
		AllowedTransferSyntaxes: map[string]bool{
			types.ExplicitVRLittleEndian: true,
			types.ImplicitVRLittleEndian: true,
		},
	}
}

// auditingStorageHandler wraps scp.StorageHandler to emit a structured log
// line and an audit trail entry for every C-STORE sub-operation, successful
// or not.
type auditingStorageHandler struct {
	scp.StorageHandler
	audit       *observability.AuditLogger
	structured  *observability.Logger
	destination types.AETitle
}

func (h auditingStorageHandler) DidReceive(file scp.ReceivedFile) error {
	start := time.Now()
	err := h.StorageHandler.DidReceive(file)
	outcome := observability.OutcomeSuccess
	if err != nil {
		outcome = observability.OutcomeSeriousFailure
	}

	h.structured.Infof(observability.CategoryStorage, "c-store sub-operation", map[string]string{
		"sop_instance_uid": file.SOPInstanceUID,
		"calling_ae":       file.CallingAE.String(),
	})
	h.audit.Record(observability.AuditEntry{
		EventType:      observability.AuditStore,
		Source:         observability.Participant{AETitle: file.CallingAE.String(), IsRequestor: true},
		Destination:    observability.Participant{AETitle: h.destination.String()},
		SOPInstanceUID: file.SOPInstanceUID,
		ByteCount:      int64(len(file.DatasetBytes)),
		Duration:       time.Since(start),
		Outcome:        outcome,
	})
	return err
}
