package vm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// execPage is an mmap'd, page-aligned buffer holding compiled native code.
// It is writable only while newExecPage copies the code in, then read and
// execute only, enforcing W^X for the lifetime of a CompiledProgram.
type execPage struct {
	mem []byte
}

func newExecPage(code []byte) (*execPage, error) {
	size := pageAlign(len(code))
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}
	copy(mem, code)
	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		_ = unix.Munmap(mem)
		return nil, err
	}
	return &execPage{mem: mem}, nil
}

func (p *execPage) addr() uintptr {
	return uintptr(unsafe.Pointer(&p.mem[0]))
}

func (p *execPage) close() error {
	return unix.Munmap(p.mem)
}

func pageAlign(n int) int {
	const pageSize = 4096
	if n == 0 {
		return pageSize
	}
	return (n + pageSize - 1) &^ (pageSize - 1)
}
