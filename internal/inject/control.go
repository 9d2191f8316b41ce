package inject

// Handle is an OS handle to a process or thread
type Handle uintptr

// Addr is an address in some process's address space
type Addr uintptr

// Control is the OS capability layer used by the Injector. Every method maps
// to one kernel primitive so tests can count and fail each call.
type Control interface {
	// OpenProcess opens pid with full access rights
	OpenProcess(pid int32) (Handle, error)
	// Alloc commits size bytes of read/write/execute memory in the target
	Alloc(h Handle, size uintptr) (Addr, error)
	// Write copies data to addr in the target
	Write(h Handle, addr Addr, data []byte) error
	// ResolveLoader returns the address of export in the system module
	ResolveLoader(module, export string) (Addr, error)
	// CreateRemoteThread starts a thread in the target at start with arg
	CreateRemoteThread(h Handle, start, arg Addr) (Handle, error)
	// CloseHandle releases a process or thread handle
	CloseHandle(h Handle) error
}
