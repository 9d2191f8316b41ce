package inject

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"testing"
)

const payload = `D:\server\panel\dll\DapperSQLLogger.dll`

func mustRequest(t *testing.T, pid int32, path string) Request {
	t.Helper()
	req, err := NewRequest(pid, path)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	return req
}

func TestInjectSuccess(t *testing.T) {
	fc := NewFakeControl()
	inj := New(fc)

	if err := inj.Inject(context.Background(), mustRequest(t, 4242, payload)); err != nil {
		t.Fatalf("Inject failed: %v", err)
	}

	threads := fc.Threads()
	if len(threads) != 1 {
		t.Fatalf("Expected 1 remote thread, got %d", len(threads))
	}
	th := threads[0]
	if th.Start != fc.LoaderAddr {
		t.Errorf("Expected thread start %#x, got %#x", fc.LoaderAddr, th.Start)
	}

	want := append([]byte(payload), 0)
	if got := fc.Memory(th.Arg); string(got) != string(want) {
		t.Errorf("Remote buffer = %q, want %q", got, want)
	}
	if size := fc.AllocSize(th.Arg); size != uintptr(len(payload)+1) {
		t.Errorf("Expected alloc size %d, got %d", len(payload)+1, size)
	}

	resolved := fc.Resolved()
	if len(resolved) != 1 || resolved[0] != "kernel32.dll!LoadLibraryA" {
		t.Errorf("Unexpected loader resolution: %v", resolved)
	}

	// Process handle and thread handle are both released
	if n := fc.OpenHandles(); n != 0 {
		t.Errorf("Expected all handles closed, %d still open", n)
	}
}

func TestInjectOpenFailureHasNoSideEffects(t *testing.T) {
	fc := NewFakeControl().FailAt(StageOpen, errors.New("access denied"))
	inj := New(fc)

	err := inj.Inject(context.Background(), mustRequest(t, 4242, payload))
	if !errors.Is(err, ErrProcessOpenFailed) {
		t.Fatalf("Expected ProcessOpenFailed, got %v", err)
	}

	for _, stage := range []Stage{StageAlloc, StageWrite, StageResolve, StageThread, StageClose} {
		if n := fc.Calls(stage); n != 0 {
			t.Errorf("Expected no %s calls after open failure, got %d", stage, n)
		}
	}
}

func TestInjectStageFailures(t *testing.T) {
	tests := []struct {
		stage    Stage
		sentinel error
		kind     string
		after    []Stage // stages that must not run
	}{
		{StageAlloc, ErrMemoryAllocationFailed, "memory_allocation_failed", []Stage{StageWrite, StageResolve, StageThread}},
		{StageWrite, ErrMemoryWriteFailed, "memory_write_failed", []Stage{StageResolve, StageThread}},
		{StageResolve, ErrSymbolResolutionFailed, "symbol_resolution_failed", []Stage{StageThread}},
		{StageThread, ErrThreadCreationFailed, "thread_creation_failed", nil},
	}

	for _, tt := range tests {
		t.Run(tt.stage.String(), func(t *testing.T) {
			fc := NewFakeControl().FailAt(tt.stage, errors.New("boom"))
			inj := New(fc)

			err := inj.Inject(context.Background(), mustRequest(t, 99, payload))
			if !errors.Is(err, tt.sentinel) {
				t.Fatalf("Expected %v, got %v", tt.sentinel, err)
			}
			if KindOf(err) != tt.kind {
				t.Errorf("Expected kind %s, got %s", tt.kind, KindOf(err))
			}
			for _, s := range tt.after {
				if n := fc.Calls(s); n != 0 {
					t.Errorf("Stage %s ran %d times after %s failed", s, n, tt.stage)
				}
			}
			if fc.Calls(StageClose) != 1 {
				t.Errorf("Expected exactly 1 close, got %d", fc.Calls(StageClose))
			}
			if n := fc.OpenHandles(); n != 0 {
				t.Errorf("Process handle leaked: %d open", n)
			}
		})
	}
}

func TestInjectCloseErrorIsCombined(t *testing.T) {
	fc := NewFakeControl().
		FailAt(StageThread, errors.New("thread refused")).
		FailAt(StageClose, errors.New("close refused"))
	inj := New(fc)

	err := inj.Inject(context.Background(), mustRequest(t, 5, payload))
	if !errors.Is(err, ErrThreadCreationFailed) {
		t.Fatalf("Expected ThreadCreationFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "close refused") || !strings.Contains(err.Error(), "thread refused") {
		t.Errorf("Expected both errors in message, got %q", err.Error())
	}
}

func TestInjectCancelledContext(t *testing.T) {
	fc := NewFakeControl()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := New(fc).Inject(ctx, mustRequest(t, 5, payload)); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if fc.Calls(StageOpen) != 0 {
		t.Error("No OS calls expected on a cancelled context")
	}
}

func TestInjectCustomLoader(t *testing.T) {
	fc := NewFakeControl()
	inj := New(fc, WithLoader("kernelbase.dll", "LoadLibraryW"))

	if err := inj.Inject(context.Background(), mustRequest(t, 5, payload)); err != nil {
		t.Fatalf("Inject failed: %v", err)
	}
	if r := fc.Resolved(); r[0] != "kernelbase.dll!LoadLibraryW" {
		t.Errorf("Unexpected loader: %v", r)
	}
}

func TestNewRequest(t *testing.T) {
	tests := []struct {
		name    string
		pid     int32
		path    string
		wantErr bool
	}{
		{"windows drive path", 1, payload, false},
		{"forward slash drive path", 1, "C:/payload/x.dll", false},
		{"relative", 1, `dll\x.dll`, true},
		{"zero pid", 0, payload, true},
		{"embedded nul", 1, "C:\\x\x00.dll", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRequest(tt.pid, tt.path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewRequest(%d, %q) err = %v, wantErr %v", tt.pid, tt.path, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("Expected ErrInvalidRequest, got %v", err)
			}
		})
	}
}

func TestIsAbsPath(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{`C:\hooks\QueryHook.dll`, true},
		{"d:/hooks/QueryHook.dll", true},
		{`C:QueryHook.dll`, false},
		{`hooks\QueryHook.dll`, false},
		{"QueryHook.dll", false},
		{"", false},
		{"1:/x.dll", false},
	}
	for _, tt := range tests {
		if got := IsAbsPath(tt.path); got != tt.want {
			t.Errorf("IsAbsPath(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
	if runtime.GOOS != "windows" && !IsAbsPath("/opt/hooks/QueryHook.so") {
		t.Error("Expected host absolute path to be accepted")
	}
}

func TestRequestBuffer(t *testing.T) {
	req := mustRequest(t, 1, "C:\\a.dll")
	buf := req.Buffer()
	if len(buf) != len("C:\\a.dll")+1 || buf[len(buf)-1] != 0 {
		t.Errorf("Expected NUL-terminated buffer, got %q", buf)
	}
}
