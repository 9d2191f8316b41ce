//go:build !windows

package inject

type systemControl struct{}

// NewSystemControl returns a Control that fails every call on this platform
func NewSystemControl() Control {
	return systemControl{}
}

func (systemControl) OpenProcess(int32) (Handle, error) {
	return 0, ErrUnsupportedPlatform
}

func (systemControl) Alloc(Handle, uintptr) (Addr, error) {
	return 0, ErrUnsupportedPlatform
}

func (systemControl) Write(Handle, Addr, []byte) error {
	return ErrUnsupportedPlatform
}

func (systemControl) ResolveLoader(string, string) (Addr, error) {
	return 0, ErrUnsupportedPlatform
}

func (systemControl) CreateRemoteThread(Handle, Addr, Addr) (Handle, error) {
	return 0, ErrUnsupportedPlatform
}

func (systemControl) CloseHandle(Handle) error {
	return nil
}
