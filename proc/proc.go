// Package proc implements inferior.Process for live Linux processes:
// memory reads through /proc/PID/mem, mappings from /proc/PID/maps,
// and type layouts, globals and symbols from the DWARF and ELF data of
// the executable and its loaded shared objects.
//
// The caller needs permission to read the target's memory (same uid
// with a permissive ptrace_scope, or CAP_SYS_PTRACE). The target is
// not stopped; for coherent results, stop it first (e.g. SIGSTOP).
package proc

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/rogerhu/gdb-heap/inferior"
)

// Process is a live Linux process. It implements inferior.Process.
type Process struct {
	pid int
	mem *os.File

	ptrSize int
	order   binary.ByteOrder

	dbg    *debugInfo
	dbgErr error
}

var _ inferior.Process = (*Process)(nil)
var _ inferior.StateFingerprinter = (*Process)(nil)

// Pid returns the target's process id.
func (p *Process) Pid() int { return p.pid }

// Attach opens /proc/PID for inspection. Debug data is loaded lazily
// on the first type or symbol lookup.
func Attach(pid int) (*Process, error) {
	exe, err := elf.Open(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		return nil, fmt.Errorf("attach pid %d: %w", pid, err)
	}
	defer exe.Close()

	ptrSize := 8
	if exe.Class == elf.ELFCLASS32 {
		ptrSize = 4
	}
	var order binary.ByteOrder = binary.LittleEndian
	if exe.Data == elf.ELFDATA2MSB {
		order = binary.BigEndian
	}

	mem, err := os.Open(fmt.Sprintf("/proc/%d/mem", pid))
	if err != nil {
		return nil, fmt.Errorf("attach pid %d: %w", pid, err)
	}
	return &Process{pid: pid, mem: mem, ptrSize: ptrSize, order: order}, nil
}

// Close releases the process handles.
func (p *Process) Close() error {
	return p.mem.Close()
}

// ReadBytes implements inferior.Memory.
func (p *Process) ReadBytes(addr, n uint64) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	if addr > math.MaxInt64 || n > math.MaxInt32 {
		return nil, &inferior.UnreadableError{Addr: addr, Len: n}
	}
	buf := make([]byte, n)
	if _, err := p.mem.ReadAt(buf, int64(addr)); err != nil {
		return nil, &inferior.UnreadableError{Addr: addr, Len: n}
	}
	return buf, nil
}

// PointerSize implements inferior.Memory.
func (p *Process) PointerSize() int { return p.ptrSize }

// ByteOrder implements inferior.Memory.
func (p *Process) ByteOrder() binary.ByteOrder { return p.order }

// MappedRegions implements inferior.Process.
func (p *Process) MappedRegions() ([]inferior.Region, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", p.pid))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseMaps(f)
}

// StateFingerprint implements inferior.StateFingerprinter. It hashes
// over /proc/PID/syscall (instruction and stack pointers of the main
// thread) plus the scheduling counters from /proc/PID/stat, which
// together change whenever the process runs.
func (p *Process) StateFingerprint() ([]byte, error) {
	syscall, err := os.ReadFile(fmt.Sprintf("/proc/%d/syscall", p.pid))
	if err != nil {
		return nil, err
	}
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", p.pid))
	if err != nil {
		return nil, err
	}
	return append(syscall, stat...), nil
}

func (p *Process) debug() (*debugInfo, error) {
	if p.dbg == nil && p.dbgErr == nil {
		regions, err := p.MappedRegions()
		if err != nil {
			p.dbgErr = err
		} else {
			p.dbg, p.dbgErr = loadDebugInfo(fmt.Sprintf("/proc/%d/exe", p.pid), regions)
		}
	}
	return p.dbg, p.dbgErr
}

// LookupType implements inferior.TypeResolver.
func (p *Process) LookupType(name string) (*inferior.Layout, error) {
	dbg, err := p.debug()
	if err != nil {
		return nil, err
	}
	return dbg.lookupType(name)
}

// LookupGlobal implements inferior.SymbolResolver.
func (p *Process) LookupGlobal(name string) (uint64, error) {
	dbg, err := p.debug()
	if err != nil {
		return 0, err
	}
	return dbg.lookupGlobal(name)
}

// SymbolAt implements inferior.SymbolResolver.
func (p *Process) SymbolAt(addr uint64) (string, error) {
	dbg, err := p.debug()
	if err != nil {
		return "", err
	}
	return dbg.symbolAt(addr)
}
