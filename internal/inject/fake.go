package inject

import (
	"fmt"
	"sync"
)

// FakeThread records a remote thread started through FakeControl
type FakeThread struct {
	Process Handle
	Start   Addr
	Arg     Addr
}

// FakeControl is an in-memory Control. It hands out handles and addresses,
// keeps written bytes per address, counts calls per stage and fails any
// stage on demand.
type FakeControl struct {
	mu sync.Mutex

	// Fail maps a stage to the error it returns
	Fail map[Stage]error
	// LoaderAddr is returned by ResolveLoader
	LoaderAddr Addr

	calls    map[Stage]int
	open     map[Handle]bool
	memory   map[Addr][]byte
	sizes    map[Addr]uintptr
	threads  []FakeThread
	resolved []string
	next     uintptr
}

// NewFakeControl creates a fake with no failures
func NewFakeControl() *FakeControl {
	return &FakeControl{
		Fail:       make(map[Stage]error),
		LoaderAddr: 0x7ff0_0000_1000,
		calls:      make(map[Stage]int),
		open:       make(map[Handle]bool),
		memory:     make(map[Addr][]byte),
		sizes:      make(map[Addr]uintptr),
		next:       0x1000,
	}
}

// FailAt makes stage return err from now on
func (f *FakeControl) FailAt(stage Stage, err error) *FakeControl {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Fail[stage] = err
	return f
}

func (f *FakeControl) enter(stage Stage) error {
	f.calls[stage]++
	return f.Fail[stage]
}

func (f *FakeControl) nextID() uintptr {
	f.next += 0x1000
	return f.next
}

// OpenProcess implements Control
func (f *FakeControl) OpenProcess(pid int32) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(StageOpen); err != nil {
		return 0, err
	}
	h := Handle(f.nextID())
	f.open[h] = true
	return h, nil
}

// Alloc implements Control
func (f *FakeControl) Alloc(h Handle, size uintptr) (Addr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(StageAlloc); err != nil {
		return 0, err
	}
	if !f.open[h] {
		return 0, fmt.Errorf("invalid handle %#x", h)
	}
	addr := Addr(f.nextID())
	f.sizes[addr] = size
	return addr, nil
}

// Write implements Control
func (f *FakeControl) Write(h Handle, addr Addr, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(StageWrite); err != nil {
		return err
	}
	size, ok := f.sizes[addr]
	if !ok {
		return fmt.Errorf("address %#x not allocated", addr)
	}
	if uintptr(len(data)) > size {
		return fmt.Errorf("write of %d bytes overflows %d byte region", len(data), size)
	}
	f.memory[addr] = append([]byte(nil), data...)
	return nil
}

// ResolveLoader implements Control
func (f *FakeControl) ResolveLoader(module, export string) (Addr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(StageResolve); err != nil {
		return 0, err
	}
	f.resolved = append(f.resolved, module+"!"+export)
	return f.LoaderAddr, nil
}

// CreateRemoteThread implements Control
func (f *FakeControl) CreateRemoteThread(h Handle, start, arg Addr) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(StageThread); err != nil {
		return 0, err
	}
	th := Handle(f.nextID())
	f.open[th] = true
	f.threads = append(f.threads, FakeThread{Process: h, Start: start, Arg: arg})
	return th, nil
}

// CloseHandle implements Control
func (f *FakeControl) CloseHandle(h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(StageClose); err != nil {
		delete(f.open, h)
		return err
	}
	if !f.open[h] {
		return fmt.Errorf("handle %#x not open", h)
	}
	delete(f.open, h)
	return nil
}

// Calls returns how many times stage was invoked
func (f *FakeControl) Calls(stage Stage) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[stage]
}

// OpenHandles returns the number of handles not yet closed
func (f *FakeControl) OpenHandles() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.open)
}

// Memory returns the bytes written at addr
func (f *FakeControl) Memory(addr Addr) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.memory[addr]...)
}

// AllocSize returns the size requested for addr
func (f *FakeControl) AllocSize(addr Addr) uintptr {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sizes[addr]
}

// Threads returns the remote threads started so far
func (f *FakeControl) Threads() []FakeThread {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FakeThread(nil), f.threads...)
}

// Resolved returns the module!export lookups performed
func (f *FakeControl) Resolved() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.resolved...)
}
