package discover

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Process is one entry of a process table snapshot
type Process struct {
	PID        int32
	Name       string
	Exe        string
	CreateTime time.Time
}

// Table provides process table snapshots. The production implementation
// reads the live OS table; tests substitute a fixed or scripted table.
type Table interface {
	// Snapshot returns the live processes in enumeration order
	Snapshot(ctx context.Context) ([]Process, error)
	// Exists reports whether pid is still alive
	Exists(ctx context.Context, pid int32) (bool, error)
}

// SystemTable reads the OS process table through gopsutil
type SystemTable struct {
	// ownPID is skipped so querytap never selects itself
	ownPID int32
	// Detail also resolves Exe and CreateTime for every entry (slower)
	Detail bool
}

// NewSystemTable creates a table over the live OS processes
func NewSystemTable(ownPID int32) *SystemTable {
	return &SystemTable{ownPID: ownPID}
}

// Snapshot implements Table
func (t *SystemTable) Snapshot(ctx context.Context) ([]Process, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, &DiscoveryError{Kind: KindEnumeration, Operation: "snapshot", Err: err}
	}

	out := make([]Process, 0, len(procs))
	for _, p := range procs {
		if p.Pid == t.ownPID {
			continue
		}
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue // Process may have exited or be inaccessible
		}

		entry := Process{PID: p.Pid, Name: name}
		if t.Detail {
			if exe, err := p.ExeWithContext(ctx); err == nil {
				entry.Exe = exe
			}
			if ms, err := p.CreateTimeWithContext(ctx); err == nil {
				entry.CreateTime = time.UnixMilli(ms)
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

// Exists implements Table
func (t *SystemTable) Exists(ctx context.Context, pid int32) (bool, error) {
	ok, err := process.PidExistsWithContext(ctx, pid)
	if err != nil {
		return false, &DiscoveryError{Kind: KindLiveness, Operation: "exists", PID: pid, Err: err}
	}
	return ok, nil
}

// StaticTable is a fixed snapshot, used by tests and dry runs
type StaticTable []Process

// Snapshot implements Table
func (s StaticTable) Snapshot(context.Context) ([]Process, error) {
	out := make([]Process, len(s))
	copy(out, s)
	return out, nil
}

// Exists implements Table
func (s StaticTable) Exists(_ context.Context, pid int32) (bool, error) {
	for _, p := range s {
		if p.PID == pid {
			return true, nil
		}
	}
	return false, nil
}
