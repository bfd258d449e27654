package log

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"citysim.ai/internal/sim/model"
)

func TestAuditRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := NewAuditLogger(dir)
	at := time.Date(2026, 5, 2, 9, 30, 0, 0, time.UTC)
	l.w.now = func() time.Time { return at }

	if err := l.WriteAudit(model.AuditEntry{Time: at, Action: model.AuditSettle, ContractID: "k1", Price: 1250}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := l.WriteAudit(model.AuditEntry{Time: at, Action: model.AuditSettleFailed, ContractID: "k2", Code: "E_INSUFFICIENT_FUNDS"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	got, err := ReadAudit(dir)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].ContractID != "k1" || got[0].Price != 1250 {
		t.Fatalf("unexpected first entry: %+v", got[0])
	}
	if got[1].Code != "E_INSUFFICIENT_FUNDS" {
		t.Fatalf("unexpected second entry: %+v", got[1])
	}
}

func TestRotatesHourlyAndNeverAppends(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 5, 2, 9, 59, 0, 0, time.UTC)

	tl := NewTickLogger(dir)
	tl.w.now = func() time.Time { return now }
	_ = tl.WriteTick(map[string]int{"n": 1})
	now = now.Add(2 * time.Minute)
	_ = tl.WriteTick(map[string]int{"n": 2})
	_ = tl.Close()

	// Same hour, new process.
	tl2 := NewTickLogger(dir)
	tl2.w.now = func() time.Time { return now }
	_ = tl2.WriteTick(map[string]int{"n": 3})
	_ = tl2.Close()

	files, err := Files(dir+"/events", "events")
	if err != nil {
		t.Fatalf("files: %v", err)
	}
	if len(files) != 3 {
		t.Fatalf("expected 3 files, got %v", files)
	}
	var seq []int
	for _, f := range files {
		err := Scan(f, func(line []byte) error {
			var v map[string]int
			if err := json.Unmarshal(line, &v); err != nil {
				return err
			}
			seq = append(seq, v["n"])
			return nil
		})
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
	}
	if len(seq) != 3 || seq[0] != 1 || seq[1] != 2 || seq[2] != 3 {
		t.Fatalf("unexpected order: %v", seq)
	}
}

func TestOnCloseReportsFinishedFiles(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 5, 2, 9, 59, 0, 0, time.UTC)
	tl := NewTickLogger(dir)
	tl.w.now = func() time.Time { return now }
	var closed []string
	tl.OnClose(func(p string) { closed = append(closed, p) })

	_ = tl.WriteTick(map[string]int{"n": 1})
	if len(closed) != 0 {
		t.Fatalf("open file reported as closed: %v", closed)
	}
	now = now.Add(2 * time.Minute)
	_ = tl.WriteTick(map[string]int{"n": 2})
	if len(closed) != 1 || !strings.HasSuffix(closed[0], "events-2026-05-02-09.jsonl.zst") {
		t.Fatalf("expected the 09h file after rotation, got %v", closed)
	}
	_ = tl.Close()
	_ = tl.Close()
	if len(closed) != 2 || !strings.HasSuffix(closed[1], "events-2026-05-02-10.jsonl.zst") {
		t.Fatalf("expected the 10h file on close, got %v", closed)
	}
}
