package vm

import "encoding/binary"

// ArgStrategy selects how a VM's Exec and ExecJIT populate the guest's
// R1/R2 (and, for OwnedMbuff, how they stitch raw memory pointers into a
// metadata buffer) ahead of every execution. This replaces four
// near-duplicate per-flavor VM types with one VM plus a value describing
// which flavor it is: the flavors differ only in argument setup, never in
// Exec/JIT machinery, so separate types would buy nothing.
type ArgStrategy struct {
	kind    argKind
	offsets []uint32 // OwnedMbuff only: byte offset of each pointer slot
}

type argKind uint8

const (
	argNone argKind = iota
	argRaw
	argCallerMbuff
	argOwnedMbuff
)

// NoData is the strategy for programs that take no external input.
func NoData() ArgStrategy { return ArgStrategy{kind: argNone} }

// Raw is the strategy for programs that receive one flat memory region
// directly as R1, with its length in R2.
func Raw() ArgStrategy { return ArgStrategy{kind: argRaw} }

// CallerMbuff is the strategy for programs that receive an
// already-assembled metadata buffer prepared by the caller.
func CallerMbuff() ArgStrategy { return ArgStrategy{kind: argCallerMbuff} }

// OwnedMbuff is the strategy for programs that receive one or more
// separate memory regions, which the VM stitches into a fixed-size
// metadata buffer it owns; offsets gives the byte position within that
// buffer where each region's pointer is written, in the order regions are
// passed to Exec or ExecJIT.
func OwnedMbuff(offsets []uint32) ArgStrategy {
	return ArgStrategy{kind: argOwnedMbuff, offsets: append([]uint32(nil), offsets...)}
}

// VM is the single facade over the interpreter and JIT. It owns a
// verified program, a helper registry, and an optional compiled
// image; the New* constructors set up the ArgStrategy once, up front, and
// are the only thing that varies between flavors.
type VM struct {
	strategy ArgStrategy
	helpers  *HelperRegistry
	prog     *Program
	compiled *CompiledProgram

	mbuff []byte // OwnedMbuff's owned scratch buffer
}

// NewNoData constructs a VM for programs with no external input.
func NewNoData(bytecode []byte) (*VM, error) { return newVM(bytecode, NoData()) }

// NewRaw constructs a VM whose Exec/ExecJIT take exactly one memory region.
func NewRaw(bytecode []byte) (*VM, error) { return newVM(bytecode, Raw()) }

// NewMbuff constructs a VM whose Exec/ExecJIT take a caller-assembled
// metadata buffer directly.
func NewMbuff(bytecode []byte) (*VM, error) { return newVM(bytecode, CallerMbuff()) }

// NewFixedMbuff constructs a VM that stitches its Exec/ExecJIT arguments
// into an owned metadata buffer at the given offsets.
func NewFixedMbuff(bytecode []byte, mbuffLen int, offsets []uint32) (*VM, error) {
	v, err := newVM(bytecode, OwnedMbuff(offsets))
	if err != nil {
		return nil, err
	}
	v.mbuff = make([]byte, mbuffLen)
	return v, nil
}

func newVM(bytecode []byte, strategy ArgStrategy) (*VM, error) {
	if err := Verify(bytecode); err != nil {
		return nil, err
	}
	prog, err := DecodeProgram(bytecode)
	if err != nil {
		return nil, err
	}
	return &VM{strategy: strategy, helpers: NewHelperRegistry(), prog: prog}, nil
}

// SetProg replaces the running program after re-verifying it. Any
// previously compiled image is discarded; callers must JITCompile again.
func (v *VM) SetProg(bytecode []byte) error {
	if err := Verify(bytecode); err != nil {
		return err
	}
	prog, err := DecodeProgram(bytecode)
	if err != nil {
		return err
	}
	if v.compiled != nil {
		_ = v.compiled.Close()
		v.compiled = nil
	}
	v.prog = prog
	return nil
}

// RegisterHelper installs a host callable under key. This has no effect
// on an already-compiled image.
func (v *VM) RegisterHelper(key uint32, fn HelperFunc) {
	v.helpers.Register(key, fn)
}

// args resolves the ArgStrategy against the caller's regions into the
// (r1, r2) pair the interpreter or JIT entry point receives, writing into
// v.mbuff for OwnedMbuff.
func (v *VM) args(regions ...[]byte) (r1, r2 uint64) {
	switch v.strategy.kind {
	case argNone:
		return 0, 0
	case argRaw:
		if len(regions) == 0 || len(regions[0]) == 0 {
			return 0, 0
		}
		return addrOf(regions[0]), uint64(len(regions[0]))
	case argCallerMbuff:
		if len(regions) == 0 {
			return 0, 0
		}
		return addrOf(regions[0]), uint64(len(regions[0]))
	case argOwnedMbuff:
		for i, off := range v.strategy.offsets {
			if i >= len(regions) {
				break
			}
			binary.LittleEndian.PutUint64(v.mbuff[off:], addrOf(regions[i]))
		}
		return addrOf(v.mbuff), uint64(len(v.mbuff))
	}
	return 0, 0
}

// Exec interprets the current program against the regions appropriate
// for this VM's ArgStrategy.
func (v *VM) Exec(regions ...[]byte) (uint64, error) {
	r1, r2 := v.args(regions...)
	return Exec(v.prog, v.helpers, r1, r2)
}

// JITCompile compiles the current program for x86_64, snapshotting the
// helper registry as of this call.
func (v *VM) JITCompile() error {
	if v.compiled != nil {
		_ = v.compiled.Close()
	}
	c, err := JITCompile(v.prog, v.helpers)
	if err != nil {
		v.compiled = nil
		return err
	}
	v.compiled = c
	return nil
}

// ExecJIT runs the compiled image built by JITCompile. It returns
// JitNotCompiled if no image exists yet.
func (v *VM) ExecJIT(regions ...[]byte) (uint64, error) {
	if v.compiled == nil {
		return 0, &JitError{Kind: JitNotCompiled, PC: -1}
	}
	switch v.strategy.kind {
	case argNone:
		return v.compiled.Run(0, 0, 0, 0), nil
	case argRaw:
		if len(regions) == 0 || len(regions[0]) == 0 {
			return v.compiled.Run(0, 0, 0, 0), nil
		}
		return v.compiled.Run(0, 0, addrOf(regions[0]), uint64(len(regions[0]))), nil
	case argCallerMbuff:
		if len(regions) == 0 {
			return v.compiled.Run(0, 0, 0, 0), nil
		}
		return v.compiled.Run(addrOf(regions[0]), uint64(len(regions[0])), 0, 0), nil
	case argOwnedMbuff:
		for i, off := range v.strategy.offsets {
			if i >= len(regions) {
				break
			}
			binary.LittleEndian.PutUint64(v.mbuff[off:], addrOf(regions[i]))
		}
		return v.compiled.Run(addrOf(v.mbuff), uint64(len(v.mbuff)), 0, 0), nil
	}
	return 0, nil
}

// Close releases the compiled image, if any.
func (v *VM) Close() error {
	if v.compiled == nil {
		return nil
	}
	err := v.compiled.Close()
	v.compiled = nil
	return err
}
