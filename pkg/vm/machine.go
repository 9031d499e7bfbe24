package vm

import "unsafe"

// StackSize is the size, in bytes, of the fixed per-invocation guest stack.
const StackSize = 1 << 9

// NumRegisters is the eBPF register file size: R0..R10.
const NumRegisters = 11

// Machine is the register file and stack shared by one interpreter or JIT
// invocation. It is single-owner, non-reentrant state: a fresh Machine is
// built for every Exec/ExecJIT call.
type Machine struct {
	Regs  [NumRegisters]uint64
	Stack [StackSize]byte
}

// newMachine zero-initializes a Machine and points R10 one past the end of
// its stack; the guest stack grows downward from there.
func newMachine() *Machine {
	m := &Machine{}
	m.Regs[10] = m.stackTop()
	return m
}

func (m *Machine) stackTop() uint64 {
	return uint64(uintptr(unsafe.Pointer(&m.Stack[0]))) + StackSize
}

// guestBytes reinterprets a raw guest address as a byte slice of the
// requested width. There is no verification that addr actually falls
// inside the stack, mem, or mbuff region backing it: accesses are
// unchecked against guest region bounds, matching the interpreter/JIT
// parity the engine promises for well-formed accesses and the documented
// undefined behavior for out-of-bounds ones.
func guestBytes(addr uint64, width int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), width)
}

func addrOf(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}
