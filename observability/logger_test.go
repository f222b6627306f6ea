package observability

import (
	"encoding/json"
	"os"
	"strings"
	"testing"
)

type recordingHandler struct {
	messages []Message
}

func (h *recordingHandler) Handle(msg Message) {
	h.messages = append(h.messages, msg)
}

func TestLogFiltersBelowMinLevel(t *testing.T) {
	rec := &recordingHandler{}
	l := New(Warning)
	l.AddHandler(rec)

	l.Infof(CategoryConnection, "connecting", nil)
	l.Errorf(CategoryConnection, "failed", nil)

	if len(rec.messages) != 1 {
		t.Fatalf("len(messages) = %d, want 1", len(rec.messages))
	}
	if rec.messages[0].Level != Error {
		t.Errorf("Level = %v, want Error", rec.messages[0].Level)
	}
}

func TestLogFiltersDisabledCategories(t *testing.T) {
	rec := &recordingHandler{}
	l := New(Debug, CategoryDimse)
	l.AddHandler(rec)

	l.Infof(CategoryConnection, "connecting", nil)
	l.Infof(CategoryDimse, "sending C-ECHO-RQ", nil)

	if len(rec.messages) != 1 {
		t.Fatalf("len(messages) = %d, want 1", len(rec.messages))
	}
	if rec.messages[0].Category != CategoryDimse {
		t.Errorf("Category = %v, want CategoryDimse", rec.messages[0].Category)
	}
}

func TestEnableCategoryNarrowsAnEmptyFilter(t *testing.T) {
	rec := &recordingHandler{}
	l := New(Debug)
	l.AddHandler(rec)
	l.EnableCategory(CategoryPdu)

	l.Infof(CategoryDimse, "ignored", nil)
	l.Infof(CategoryPdu, "kept", nil)

	if len(rec.messages) != 1 || rec.messages[0].Category != CategoryPdu {
		t.Fatalf("expected only the CategoryPdu message to survive, got %+v", rec.messages)
	}
}

func TestFileHandlerWritesOneJSONObjectPerLine(t *testing.T) {
	dir := t.TempDir()
	fh, f, err := NewFileHandler(dir + "/log.jsonl")
	if err != nil {
		t.Fatalf("NewFileHandler: %v", err)
	}
	defer f.Close()

	l := New(Debug)
	l.AddHandler(fh)
	l.Infof(CategoryStorage, "stored file", map[string]string{"sop_instance_uid": "1.2.3"})

	data, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("len(lines) = %d, want 1", len(lines))
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &decoded); err != nil {
		t.Fatalf("line isn't valid JSON: %v", err)
	}
	if decoded["category"] != "storage" {
		t.Errorf("category = %v, want storage", decoded["category"])
	}
}
