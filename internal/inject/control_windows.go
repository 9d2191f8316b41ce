//go:build windows

package inject

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// processAllAccess is the classic PROCESS_ALL_ACCESS value (pre-Vista
// layout) that works across all supported Windows versions.
const processAllAccess = 0x1F0FFF

var (
	modkernel32 = windows.NewLazySystemDLL("kernel32.dll")

	procVirtualAllocEx     = modkernel32.NewProc("VirtualAllocEx")
	procCreateRemoteThread = modkernel32.NewProc("CreateRemoteThread")
)

type systemControl struct{}

// NewSystemControl returns the Windows kernel32 implementation
func NewSystemControl() Control {
	return systemControl{}
}

func (systemControl) OpenProcess(pid int32) (Handle, error) {
	h, err := windows.OpenProcess(processAllAccess, false, uint32(pid))
	if err != nil {
		return 0, err
	}
	return Handle(h), nil
}

func (systemControl) Alloc(h Handle, size uintptr) (Addr, error) {
	addr, _, err := procVirtualAllocEx.Call(
		uintptr(h),
		0,
		size,
		windows.MEM_COMMIT|windows.MEM_RESERVE,
		windows.PAGE_EXECUTE_READWRITE,
	)
	if addr == 0 {
		return 0, err
	}
	return Addr(addr), nil
}

func (systemControl) Write(h Handle, addr Addr, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty write")
	}
	var written uintptr
	if err := windows.WriteProcessMemory(windows.Handle(h), uintptr(addr), &data[0], uintptr(len(data)), &written); err != nil {
		return err
	}
	if written != uintptr(len(data)) {
		return fmt.Errorf("short write: %d of %d bytes", written, len(data))
	}
	return nil
}

// ResolveLoader resolves the export in this process. kernel32.dll is mapped
// at the same base in every process of a boot session, so the address is
// valid in the target as long as both processes share bitness.
func (systemControl) ResolveLoader(module, export string) (Addr, error) {
	proc := windows.NewLazySystemDLL(module).NewProc(export)
	if err := proc.Find(); err != nil {
		return 0, err
	}
	return Addr(proc.Addr()), nil
}

func (systemControl) CreateRemoteThread(h Handle, start, arg Addr) (Handle, error) {
	th, _, err := procCreateRemoteThread.Call(
		uintptr(h),
		0, // default security attributes
		0, // default stack size
		uintptr(start),
		uintptr(arg),
		0, // run immediately
		0, // thread id not needed
	)
	if th == 0 {
		return 0, err
	}
	return Handle(th), nil
}

func (systemControl) CloseHandle(h Handle) error {
	return windows.CloseHandle(windows.Handle(h))
}
