package logmirror

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"
)

type fakeUploader struct {
	mu    sync.Mutex
	keys  []string
	fails int
	calls int
}

func (f *fakeUploader) PutFile(_ context.Context, key, localPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fails > 0 {
		f.fails--
		return errors.New("503 slow down")
	}
	if _, err := os.Stat(localPath); err != nil {
		return err
	}
	f.keys = append(f.keys, key)
	return nil
}

func touch(t *testing.T, p string) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestMirrorUploadsUnderPrefix(t *testing.T) {
	dir := t.TempDir()
	up := &fakeUploader{fails: 1}
	m := New(up, dir, Options{Prefix: "/venice/", Workers: 2, Backoff: time.Millisecond})

	m.Enqueue(touch(t, filepath.Join(dir, "events", "events-2026-05-02-09.jsonl.zst")))
	m.Enqueue(touch(t, filepath.Join(dir, "audit", "audit-2026-05-02-09.jsonl.zst")))
	m.Enqueue(filepath.Join(t.TempDir(), "elsewhere.jsonl.zst"))
	m.Close()
	m.Close()

	sort.Strings(up.keys)
	want := []string{"venice/audit/audit-2026-05-02-09.jsonl.zst", "venice/events/events-2026-05-02-09.jsonl.zst"}
	if len(up.keys) != 2 || up.keys[0] != want[0] || up.keys[1] != want[1] {
		t.Fatalf("unexpected keys %v", up.keys)
	}
	st := m.Stats()
	if st.EnqueuedTotal != 3 || st.UploadedTotal != 2 || st.FailedTotal != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
	if up.calls != 3 {
		t.Fatalf("expected one retry, got %d calls", up.calls)
	}
}

func TestMirrorGivesUpAfterAttempts(t *testing.T) {
	dir := t.TempDir()
	up := &fakeUploader{fails: 10}
	m := New(up, dir, Options{Attempts: 2, Backoff: time.Millisecond})
	m.Enqueue(touch(t, filepath.Join(dir, "events", "e.jsonl.zst")))
	m.Close()
	if st := m.Stats(); st.FailedTotal != 1 || st.LastErrorUnix == 0 || up.calls != 2 {
		t.Fatalf("unexpected stats %+v after %d calls", st, up.calls)
	}
}

func TestNilMirrorIsInert(t *testing.T) {
	var m *Mirror
	m.Enqueue("x")
	m.Close()
	if m.Stats() != (Stats{}) {
		t.Fatalf("nil mirror reports stats")
	}
}
