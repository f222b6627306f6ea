package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func TestAuditFileHandlerWritesSortedKeyJSONLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")
	h, err := NewAuditFileHandler(path, 0, 3)
	if err != nil {
		t.Fatalf("NewAuditFileHandler: %v", err)
	}
	defer h.Close()

	h.HandleAudit(AuditEntry{
		EventType:   AuditStore,
		Source:      Participant{AETitle: "SCU", IsRequestor: true},
		Destination: Participant{AETitle: "SCP"},
		Outcome:     OutcomeSuccess,
	})

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("line isn't valid JSON: %v", err)
	}

	// Read the keys in the order they appear in the file; ranging over raw
	// would yield them in Go's randomized map order instead.
	dec := json.NewDecoder(bytes.NewReader(data))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		t.Fatalf("line isn't a JSON object: %v %v", tok, err)
	}
	keys := make([]string, 0, len(raw))
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			t.Fatalf("reading key: %v", err)
		}
		keys = append(keys, tok.(string))
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			t.Fatalf("reading value: %v", err)
		}
	}
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	for i := range keys {
		if keys[i] != sorted[i] {
			t.Fatalf("keys not in sorted order: %v", keys)
		}
	}
}

func TestAuditFileHandlerRotatesPastMaxBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")
	h, err := NewAuditFileHandler(path, 200, 2)
	if err != nil {
		t.Fatalf("NewAuditFileHandler: %v", err)
	}
	defer h.Close()

	for i := 0; i < 20; i++ {
		h.HandleAudit(AuditEntry{
			EventType:   AuditVerification,
			Source:      Participant{AETitle: "SCU"},
			Destination: Participant{AETitle: "SCP"},
			Outcome:     OutcomeSuccess,
		})
	}

	ext := filepath.Ext(path)
	base := path[:len(path)-len(ext)]
	archive := base + ".1" + ext
	if _, err := os.Stat(archive); err != nil {
		t.Errorf("expected rotation to produce %s: %v", archive, err)
	}
}

func TestAuditLoggerFansOutToAllHandlers(t *testing.T) {
	var a, b []AuditEntry
	collectA := auditCollector(&a)
	collectB := auditCollector(&b)

	logger := NewAuditLogger()
	logger.AddHandler(collectA)
	logger.AddHandler(collectB)

	logger.Record(AuditEntry{EventType: AuditConnection, Outcome: OutcomeSuccess})

	if len(a) != 1 || len(b) != 1 {
		t.Fatalf("expected both handlers to receive the entry, got %d and %d", len(a), len(b))
	}
}

type auditCollectorFunc func(AuditEntry)

func (f auditCollectorFunc) HandleAudit(entry AuditEntry) { f(entry) }

func auditCollector(dest *[]AuditEntry) auditCollectorFunc {
	return func(entry AuditEntry) { *dest = append(*dest, entry) }
}
