package inject

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hkcontrol/querytap/internal/logging"
)

// Loader entry point used to load the payload inside the target
const (
	DefaultLoaderModule = "kernel32.dll"
	DefaultLoaderExport = "LoadLibraryA"
)

// Request is one injection attempt. Immutable once built.
type Request struct {
	PID         int32
	PayloadPath string
}

// NewRequest validates and builds a request. The payload path must be
// absolute since the target resolves it against its own working directory.
func NewRequest(pid int32, payloadPath string) (Request, error) {
	if pid <= 0 {
		return Request{}, fmt.Errorf("%w: pid %d", ErrInvalidRequest, pid)
	}
	if !IsAbsPath(payloadPath) {
		return Request{}, fmt.Errorf("%w: payload path %q is not absolute", ErrInvalidRequest, payloadPath)
	}
	if strings.IndexByte(payloadPath, 0) >= 0 {
		return Request{}, fmt.Errorf("%w: payload path contains NUL", ErrInvalidRequest)
	}
	return Request{PID: pid, PayloadPath: payloadPath}, nil
}

// IsAbsPath reports whether p is absolute on this host or is a Windows
// drive-letter path (D:\x or D:/x), so payload paths can be checked off-box.
func IsAbsPath(p string) bool {
	if filepath.IsAbs(p) {
		return true
	}
	return len(p) >= 3 && p[1] == ':' && (p[2] == '\\' || p[2] == '/') &&
		((p[0] >= 'a' && p[0] <= 'z') || (p[0] >= 'A' && p[0] <= 'Z'))
}

// Buffer returns the bytes written into the target: the path plus a NUL.
func (r Request) Buffer() []byte {
	buf := make([]byte, len(r.PayloadPath)+1)
	copy(buf, r.PayloadPath)
	return buf
}

// Injector loads a payload module into a running process by starting a
// remote thread at the loader entry point.
type Injector struct {
	control      Control
	loaderModule string
	loaderExport string
	logger       *zap.Logger
}

// Option configures an Injector
type Option func(*Injector)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(i *Injector) { i.logger = logging.Component(l, "injector") }
}

// WithLoader overrides the loader module and export
func WithLoader(module, export string) Option {
	return func(i *Injector) {
		i.loaderModule = module
		i.loaderExport = export
	}
}

// New creates an injector over control
func New(control Control, opts ...Option) *Injector {
	i := &Injector{
		control:      control,
		loaderModule: DefaultLoaderModule,
		loaderExport: DefaultLoaderExport,
		logger:       logging.Component(nil, "injector"),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Inject runs one attempt. It returns once the remote thread is created and
// does not wait for the payload to finish loading. The process handle is
// closed on every return path. Remote memory is never freed.
//
// Precondition: the loader module is mapped at the same base address in
// this process and the target (same boot session and bitness).
func (i *Injector) Inject(ctx context.Context, req Request) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	h, openErr := i.control.OpenProcess(req.PID)
	if openErr != nil {
		return &InjectionError{Stage: StageOpen, PID: req.PID, Err: openErr}
	}
	defer func() {
		if closeErr := i.control.CloseHandle(h); closeErr != nil {
			if ie, ok := err.(*InjectionError); ok {
				ie.Err = multierr.Append(ie.Err, fmt.Errorf("close process handle: %w", closeErr))
				return
			}
			i.logger.Warn("failed to close process handle", zap.Int32("pid", req.PID), zap.Error(closeErr))
		}
	}()

	buf := req.Buffer()
	addr, allocErr := i.control.Alloc(h, uintptr(len(buf)))
	if allocErr != nil {
		return &InjectionError{Stage: StageAlloc, PID: req.PID, Err: allocErr}
	}

	if writeErr := i.control.Write(h, addr, buf); writeErr != nil {
		return &InjectionError{Stage: StageWrite, PID: req.PID, Err: writeErr}
	}

	start, resolveErr := i.control.ResolveLoader(i.loaderModule, i.loaderExport)
	if resolveErr != nil {
		return &InjectionError{Stage: StageResolve, PID: req.PID,
			Err: fmt.Errorf("%s!%s: %w", i.loaderModule, i.loaderExport, resolveErr)}
	}

	th, threadErr := i.control.CreateRemoteThread(h, start, addr)
	if threadErr != nil {
		return &InjectionError{Stage: StageThread, PID: req.PID, Err: threadErr}
	}
	if err := i.control.CloseHandle(th); err != nil {
		i.logger.Debug("failed to close remote thread handle", zap.Error(err))
	}

	i.logger.Info("payload load started",
		zap.Int32("pid", req.PID),
		zap.String("payload", req.PayloadPath),
		zap.Uintptr("remote_addr", uintptr(addr)))
	return nil
}
