package tail

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/hkcontrol/querytap/internal/report"
)

const testInterval = 10 * time.Millisecond

type result struct {
	lines <-chan string
	errs  <-chan error
	done  <-chan struct{}
}

func collect(seq iter.Seq2[string, error]) result {
	lines := make(chan string, 64)
	errs := make(chan error, 4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for line, err := range seq {
			if err != nil {
				errs <- err
				continue
			}
			lines <- line
		}
	}()
	return result{lines: lines, errs: errs, done: done}
}

func (r result) next(t *testing.T) string {
	t.Helper()
	select {
	case line := <-r.lines:
		return line
	case err := <-r.errs:
		t.Fatalf("Unexpected error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for line")
	}
	return ""
}

func (r result) none(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case line := <-r.lines:
		t.Fatalf("Unexpected line %q", line)
	case <-time.After(d):
	}
}

func waitForLog(t *testing.T, logs *observer.ObservedLogs, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for logs.FilterMessage(msg).Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Log %q never written", msg)
		}
		time.Sleep(time.Millisecond)
	}
}

func appendTo(t *testing.T, path, data string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatalf("Failed to open %s: %v", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(data); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}
}

func newTestTailer(t *testing.T, path string, opts ...Option) (*Tailer, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	opts = append([]Option{WithInterval(testInterval), WithLogger(zap.New(core))}, opts...)
	return New(path, opts...), logs
}

func TestFollowSkipsExistingContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "captured_queries.sql")
	for i := 0; i < 10; i++ {
		appendTo(t, path, fmt.Sprintf("SELECT %d FROM old;\n", i))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tl, logs := newTestTailer(t, path)
	r := collect(tl.Follow(ctx))
	waitForLog(t, logs, "tailing log file")

	appendTo(t, path, "SELECT 1\n")
	if got := r.next(t); got != "SELECT 1" {
		t.Errorf("Expected %q, got %q", "SELECT 1", got)
	}
	r.none(t, 5*testInterval)

	fi, _ := os.Stat(path)
	if cur := tl.Cursor(); cur.Offset != fi.Size() || cur.Generation != 0 {
		t.Errorf("Expected cursor at %d gen 0, got %+v", fi.Size(), cur)
	}
}

func TestFollowWaitsForMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "captured_queries.sql")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tl, logs := newTestTailer(t, path)
	r := collect(tl.Follow(ctx))
	waitForLog(t, logs, "log file not found, waiting")

	// the file appears with content already in it, as when it is moved into place
	tmp := filepath.Join(filepath.Dir(path), "staging.sql")
	appendTo(t, tmp, "h1\nh2\n")
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("Failed to move log into place: %v", err)
	}
	waitForLog(t, logs, "tailing log file")
	r.none(t, 5*testInterval)

	if cur := tl.Cursor(); cur.Offset != 6 {
		t.Errorf("Expected cursor at EOF (6), got %+v", cur)
	}

	appendTo(t, path, "SELECT 1\n")
	if got := r.next(t); got != "SELECT 1" {
		t.Errorf("Expected first appended line, got %q", got)
	}
	appendTo(t, path, "second\r\n")
	if got := r.next(t); got != "second" {
		t.Errorf("Expected CR to be trimmed, got %q", got)
	}
}

func TestFollowHoldsBackPartialLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q.sql")
	appendTo(t, path, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tl, logs := newTestTailer(t, path)
	r := collect(tl.Follow(ctx))
	waitForLog(t, logs, "tailing log file")

	appendTo(t, path, "SELECT")
	r.none(t, 5*testInterval)

	appendTo(t, path, " 2\nSELECT 3\n")
	if got := r.next(t); got != "SELECT 2" {
		t.Errorf("Expected joined line, got %q", got)
	}
	if got := r.next(t); got != "SELECT 3" {
		t.Errorf("Expected SELECT 3, got %q", got)
	}
}

func TestFollowTruncateRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q.sql")
	appendTo(t, path, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := report.NewMetrics()
	tl, logs := newTestTailer(t, path, WithMetrics(metrics))
	r := collect(tl.Follow(ctx))
	waitForLog(t, logs, "tailing log file")

	appendTo(t, path, "SELECT * FROM a_rather_long_table_name;\n")
	r.next(t)

	if err := os.WriteFile(path, []byte("new\n"), 0644); err != nil {
		t.Fatalf("Failed to truncate: %v", err)
	}
	if got := r.next(t); got != "new" {
		t.Errorf("Expected line after truncation, got %q", got)
	}
	if cur := tl.Cursor(); cur.Generation != 1 || cur.Offset != 4 {
		t.Errorf("Expected gen 1 offset 4, got %+v", cur)
	}
	if metrics.Truncations.Load() != 1 {
		t.Errorf("Expected 1 truncation, got %d", metrics.Truncations.Load())
	}
}

func TestFollowTruncateFail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q.sql")
	appendTo(t, path, "SELECT * FROM a_rather_long_table_name;\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tl, logs := newTestTailer(t, path, WithTruncatePolicy(TruncateFail))
	r := collect(tl.Follow(ctx))
	waitForLog(t, logs, "tailing log file")

	if err := os.Truncate(path, 0); err != nil {
		t.Fatalf("Failed to truncate: %v", err)
	}

	select {
	case err := <-r.errs:
		if !errors.Is(err, ErrTruncated) {
			t.Errorf("Expected ErrTruncated, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for truncation error")
	}
	<-r.done
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestFollowReopensRenamedFile(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("open files cannot be renamed on Windows")
	}
	path := filepath.Join(t.TempDir(), "q.sql")
	appendTo(t, path, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := report.NewMetrics()
	tl, logs := newTestTailer(t, path, WithMetrics(metrics))
	r := collect(tl.Follow(ctx))
	waitForLog(t, logs, "tailing log file")

	appendTo(t, path, "SEL")
	waitFor(t, func() bool { return tl.Cursor().Offset == 3 })

	if err := os.Rename(path, path+".1"); err != nil {
		t.Fatalf("Failed to rotate: %v", err)
	}
	appendTo(t, path, "new1\n")

	if got := r.next(t); got != "new1" {
		t.Errorf("Expected held partial line to be dropped, got %q", got)
	}
	if cur := tl.Cursor(); cur.Generation != 1 || cur.Offset != 5 {
		t.Errorf("Expected gen 1 offset 5, got %+v", cur)
	}
	if metrics.Truncations.Load() != 1 {
		t.Errorf("Expected 1 truncation, got %d", metrics.Truncations.Load())
	}
	r.none(t, 5*testInterval)
}

func TestFollowSurvivesDeletedFile(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("open files cannot be removed on Windows")
	}
	path := filepath.Join(t.TempDir(), "q.sql")
	appendTo(t, path, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tl, logs := newTestTailer(t, path)
	r := collect(tl.Follow(ctx))
	waitForLog(t, logs, "tailing log file")

	appendTo(t, path, "SELECT 1\n")
	r.next(t)

	if err := os.Remove(path); err != nil {
		t.Fatalf("Failed to remove: %v", err)
	}
	r.none(t, 5*testInterval)
	select {
	case err := <-r.errs:
		t.Fatalf("Expected deleted file to be tolerated, got %v", err)
	case <-r.done:
		t.Fatal("Follow ended after the file was deleted")
	default:
	}

	appendTo(t, path, "after\n")
	if got := r.next(t); got != "after" {
		t.Errorf("Expected line from recreated file, got %q", got)
	}
	if cur := tl.Cursor(); cur.Generation != 1 {
		t.Errorf("Expected recreated file to start generation 1, got %+v", cur)
	}
}

func TestFollowNotifyWakesEarly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q.sql")
	appendTo(t, path, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// the mock clock never advances, so only a filesystem event can end a wait
	tl, logs := newTestTailer(t, path, WithClock(clock.NewMock()), WithInterval(time.Hour), WithNotify(true))
	r := collect(tl.Follow(ctx))
	waitForLog(t, logs, "tailing log file")

	appendTo(t, path, "SELECT 1\n")
	if got := r.next(t); got != "SELECT 1" {
		t.Errorf("Expected %q, got %q", "SELECT 1", got)
	}
}

func TestFollowDropsOversizeLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q.sql")
	appendTo(t, path, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := report.NewMetrics()
	tl, logs := newTestTailer(t, path, WithMaxLineBytes(8), WithMetrics(metrics))
	r := collect(tl.Follow(ctx))
	waitForLog(t, logs, "tailing log file")

	// longer than the limit and still unterminated
	appendTo(t, path, "SELECT 0123456789")
	waitFor(t, func() bool { return metrics.LinesDropped.Load() == 1 })
	r.none(t, 5*testInterval)

	appendTo(t, path, " FROM t\nok\n")
	if got := r.next(t); got != "ok" {
		t.Errorf("Expected rest of dropped line to be skipped, got %q", got)
	}

	appendTo(t, path, "a complete but long line\nshort\n")
	if got := r.next(t); got != "short" {
		t.Errorf("Expected long complete line to be dropped, got %q", got)
	}
	if n := metrics.LinesDropped.Load(); n != 2 {
		t.Errorf("Expected 2 dropped lines, got %d", n)
	}
}

func TestFollowTwice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q.sql")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tl, logs := newTestTailer(t, path)
	first := collect(tl.Follow(ctx))
	waitForLog(t, logs, "log file not found, waiting")

	for _, err := range tl.Follow(ctx) {
		if !errors.Is(err, ErrAlreadyStarted) {
			t.Errorf("Expected ErrAlreadyStarted, got %v", err)
		}
	}

	cancel()
	<-first.done
}

func TestFollowCancelEndsWithoutError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q.sql")
	appendTo(t, path, "old\n")

	ctx, cancel := context.WithCancel(context.Background())
	tl, logs := newTestTailer(t, path, WithNotify(true))
	r := collect(tl.Follow(ctx))
	waitForLog(t, logs, "tailing log file")

	cancel()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("Follow did not stop after cancel")
	}
	select {
	case err := <-r.errs:
		t.Errorf("Expected no error on cancel, got %v", err)
	default:
	}
}

func TestParseTruncatePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    TruncatePolicy
		wantErr bool
	}{
		{"", TruncateRestart, false},
		{"restart", TruncateRestart, false},
		{"FAIL", TruncateFail, false},
		{"rewind", TruncateRestart, true},
	}
	for _, tt := range tests {
		got, err := ParseTruncatePolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseTruncatePolicy(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseTruncatePolicy(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
