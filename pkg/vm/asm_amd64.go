package vm

// A minimal x86_64 instruction encoder covering exactly the forms the JIT
// in jit_amd64.go needs: register-register and register-immediate ALU
// ops, shifts, multiply/divide, moves, memory loads/stores at a
// register+disp32 address, byte-swaps, comparisons, near jumps (direct
// and conditional), indirect calls, and push/pop. It intentionally does
// not attempt to be a general-purpose assembler.

// Reg is a physical x86_64 general-purpose register, numbered the way the
// ModRM/SIB and REX encodings expect (0=RAX .. 15=R15).
type Reg uint8

const (
	RAX Reg = 0
	RCX Reg = 1
	RDX Reg = 2
	RBX Reg = 3
	RSP Reg = 4
	RBP Reg = 5
	RSI Reg = 6
	RDI Reg = 7
	R8  Reg = 8
	R9  Reg = 9
	R10 Reg = 10
	R11 Reg = 11
	R12 Reg = 12
	R13 Reg = 13
	R14 Reg = 14
	R15 Reg = 15
)

func (r Reg) low3() byte  { return byte(r) & 0x07 }
func (r Reg) ext() bool   { return r >= 8 }

// buffer accumulates emitted machine code.
type buffer struct {
	code []byte
}

func (b *buffer) emit(bs ...byte) {
	b.code = append(b.code, bs...)
}

func (b *buffer) pos() int {
	return len(b.code)
}

func (b *buffer) emitU32(v uint32) {
	b.emit(byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func (b *buffer) emitU64(v uint64) {
	b.emitU32(uint32(v))
	b.emitU32(uint32(v >> 32))
}

// rex builds a REX prefix if one is required (64-bit operand size, or any
// operand register in R8..R15); it returns 0 (meaning "omit") otherwise.
func rex(w bool, r, x, bReg Reg) byte {
	var v byte
	if w {
		v |= 0x48
	}
	if r.ext() {
		v |= 0x44
	}
	if x.ext() {
		v |= 0x42
	}
	if bReg.ext() {
		v |= 0x41
	}
	if v == 0 {
		return 0
	}
	return v | 0x40
}

func (b *buffer) maybeREX(w bool, r, x, bReg Reg) {
	if v := rex(w, r, x, bReg); v != 0 {
		b.emit(v)
	}
}

func modrm(mod, reg, rm byte) byte {
	return mod<<6 | (reg&7)<<3 | (rm & 7)
}

// regReg emits a two-byte-opcode-or-less instruction of the form
// `op /r` operating on two registers in direct (mod=11) addressing.
// reg supplies the ModRM.reg field, rm supplies ModRM.rm.
func (b *buffer) regReg(w bool, opcode byte, reg, rm Reg) {
	b.maybeREX(w, reg, 0, rm)
	b.emit(opcode, modrm(3, reg.low3(), rm.low3()))
}

// aluRegReg emits `op dst, src` for one of the classic two-operand ALU
// opcodes (ADD=0x01 SUB=0x29 AND=0x21 OR=0x09 XOR=0x31 CMP=0x39 TEST=0x85),
// all of which take the form `opcode /r` with reg=src, rm=dst.
func (b *buffer) aluRegReg(w bool, opcode byte, dst, src Reg) {
	b.regReg(w, opcode, src, dst)
}

// aluRegImm32 emits `op dst, imm32` using the 0x81 /ext id family, where
// ext selects the operation (ADD=0 OR=1 AND=4 SUB=5 XOR=6 CMP=7).
func (b *buffer) aluRegImm32(w bool, ext byte, dst Reg, imm int32) {
	b.maybeREX(w, 0, 0, dst)
	b.emit(0x81, modrm(3, ext, dst.low3()))
	b.emitU32(uint32(imm))
}

const (
	extADD = 0
	extOR  = 1
	extAND = 4
	extSUB = 5
	extXOR = 6
	extCMP = 7
)

// movRegReg emits `mov dst, src`.
func (b *buffer) movRegReg(w bool, dst, src Reg) {
	b.regReg(w, 0x89, src, dst)
}

// movRegImm32 emits `mov dst, imm32` (sign-extended to 64 bits when w).
func (b *buffer) movRegImm32(w bool, dst Reg, imm int32) {
	b.maybeREX(w, 0, 0, dst)
	b.emit(0xc7, modrm(3, 0, dst.low3()))
	b.emitU32(uint32(imm))
}

// movRegImm64 emits `movabs dst, imm64`.
func (b *buffer) movRegImm64(dst Reg, imm uint64) {
	b.maybeREX(true, 0, 0, dst)
	b.emit(0xb8 + dst.low3())
	b.emitU64(imm)
}

// shiftRegImm8 emits `op dst, imm8` for the 0xc1 /ext shift family
// (SHL=4 SHR=5 SAR=7).
func (b *buffer) shiftRegImm8(w bool, ext byte, dst Reg, count uint8) {
	b.maybeREX(w, 0, 0, dst)
	b.emit(0xc1, modrm(3, ext, dst.low3()), count)
}

// shiftRegCL emits `op dst, cl`, the variable-count form of the same
// family. The shift count must already be in CL.
func (b *buffer) shiftRegCL(w bool, ext byte, dst Reg) {
	b.maybeREX(w, 0, 0, dst)
	b.emit(0xd3, modrm(3, ext, dst.low3()))
}

const (
	extSHL  = 4
	extSHR  = 5
	extSAR  = 7
	extNEG  = 3
	extMUL  = 4
	extDIV  = 6
	extCALL = 2
	extJMP  = 4
)

// negReg emits `neg dst`.
func (b *buffer) negReg(w bool, dst Reg) {
	b.maybeREX(w, 0, 0, dst)
	b.emit(0xf7, modrm(3, extNEG, dst.low3()))
}

// mulDivReg emits `mul dst` or `div dst` (unsigned, operating on the
// RDX:RAX pair), per ext (extMUL or extDIV).
func (b *buffer) mulDivReg(w bool, ext byte, src Reg) {
	b.maybeREX(w, 0, 0, src)
	b.emit(0xf7, modrm(3, ext, src.low3()))
}

// imulRegReg emits the two-operand `imul dst, src` (0F AF /r); low bits of
// the result match unsigned multiplication, which is all the ISA requires.
func (b *buffer) imulRegReg(w bool, dst, src Reg) {
	b.maybeREX(w, dst, 0, src)
	b.emit(0x0f, 0xaf, modrm(3, dst.low3(), src.low3()))
}

// bswapReg32Or64 emits `bswap dst` (only defined for 32/64-bit operands).
func (b *buffer) bswapReg32Or64(w bool, dst Reg) {
	b.maybeREX(w, 0, 0, dst)
	b.emit(0x0f, 0xc8+dst.low3())
}

// rol16Imm8 emits `rol dst_word, imm8`, used to byte-swap a 16-bit value
// (x86 has no 16-bit BSWAP).
func (b *buffer) rol16Imm8(dst Reg, count uint8) {
	b.emit(0x66)
	b.maybeREX(false, 0, 0, dst)
	b.emit(0xc1, modrm(3, 0, dst.low3()), count)
}

// loadMem emits `mov dst, [base+disp32]` with zero extension into the
// 64-bit destination, matching eBPF LDX semantics. Widths B/H use
// MOVZX; W relies on the CPU's implicit zero-extension of 32-bit writes;
// DW is a plain 64-bit load.
func (b *buffer) loadMem(size Size, dst, base Reg, disp int32) {
	switch size {
	case SizeB:
		b.maybeREX(true, dst, 0, base)
		b.emit(0x0f, 0xb6, modrm(2, dst.low3(), base.low3()))
		b.emitU32(uint32(disp))
	case SizeH:
		b.maybeREX(true, dst, 0, base)
		b.emit(0x0f, 0xb7, modrm(2, dst.low3(), base.low3()))
		b.emitU32(uint32(disp))
	case SizeW:
		b.maybeREX(false, dst, 0, base)
		b.emit(0x8b, modrm(2, dst.low3(), base.low3()))
		b.emitU32(uint32(disp))
	case SizeDW:
		b.maybeREX(true, dst, 0, base)
		b.emit(0x8b, modrm(2, dst.low3(), base.low3()))
		b.emitU32(uint32(disp))
	}
}

// storeMem emits `mov [base+disp32], src` at the given width.
func (b *buffer) storeMem(size Size, base, src Reg, disp int32) {
	switch size {
	case SizeB:
		// Without a REX prefix, byte-register codes 4-7 name AH/CH/DH/BH
		// rather than SPL/BPL/SIL/DIL, so those sources always get one.
		if v := rex(false, src, 0, base); v != 0 {
			b.emit(v)
		} else if src >= RSP && src <= RDI {
			b.emit(0x40)
		}
		b.emit(0x88, modrm(2, src.low3(), base.low3()))
		b.emitU32(uint32(disp))
	case SizeH:
		b.emit(0x66)
		b.maybeREX(false, src, 0, base)
		b.emit(0x89, modrm(2, src.low3(), base.low3()))
		b.emitU32(uint32(disp))
	case SizeW:
		b.maybeREX(false, src, 0, base)
		b.emit(0x89, modrm(2, src.low3(), base.low3()))
		b.emitU32(uint32(disp))
	case SizeDW:
		b.maybeREX(true, src, 0, base)
		b.emit(0x89, modrm(2, src.low3(), base.low3()))
		b.emitU32(uint32(disp))
	}
}

// storeMemImm32 emits `mov dword ptr [base+disp32], imm32` (or a narrower
// width via a truncated immediate), for eBPF's store-immediate form.
func (b *buffer) storeMemImm32(size Size, base Reg, disp int32, imm int32) {
	switch size {
	case SizeB:
		b.maybeREX(false, 0, 0, base)
		b.emit(0xc6, modrm(2, 0, base.low3()))
		b.emitU32(uint32(disp))
		b.emit(byte(imm))
	case SizeH:
		b.emit(0x66)
		b.maybeREX(false, 0, 0, base)
		b.emit(0xc7, modrm(2, 0, base.low3()))
		b.emitU32(uint32(disp))
		b.emit(byte(imm), byte(imm>>8))
	case SizeW:
		b.maybeREX(false, 0, 0, base)
		b.emit(0xc7, modrm(2, 0, base.low3()))
		b.emitU32(uint32(disp))
		b.emitU32(uint32(imm))
	case SizeDW:
		b.maybeREX(true, 0, 0, base)
		b.emit(0xc7, modrm(2, 0, base.low3()))
		b.emitU32(uint32(disp))
		b.emitU32(uint32(imm))
	}
}

func (b *buffer) pushReg(r Reg) {
	if r.ext() {
		b.emit(0x41)
	}
	b.emit(0x50 + r.low3())
}

func (b *buffer) popReg(r Reg) {
	if r.ext() {
		b.emit(0x41)
	}
	b.emit(0x58 + r.low3())
}

func (b *buffer) ret() {
	b.emit(0xc3)
}

// callReg emits `call dst` (indirect, FF /2).
func (b *buffer) callReg(dst Reg) {
	b.maybeREX(false, 0, 0, dst)
	b.emit(0xff, modrm(3, extCALL, dst.low3()))
}

// jmpRel32 emits a near unconditional jump with a placeholder rel32 and
// returns the offset of that rel32 for later patching.
func (b *buffer) jmpRel32() int {
	b.emit(0xe9)
	at := b.pos()
	b.emitU32(0)
	return at
}

// jccRel32 emits a near conditional jump (0F 8x) and returns the
// placeholder rel32 offset.
func (b *buffer) jccRel32(cc byte) int {
	b.emit(0x0f, 0x80+cc)
	at := b.pos()
	b.emitU32(0)
	return at
}

// Condition codes for jccRel32, matching Intel's Jcc tttn encoding.
const (
	ccO  = 0x0
	ccNO = 0x1
	ccB  = 0x2 // below (unsigned <)
	ccAE = 0x3 // above or equal (unsigned >=)
	ccE  = 0x4
	ccNE = 0x5
	ccBE = 0x6 // below or equal (unsigned <=)
	ccA  = 0x7 // above (unsigned >)
	ccS  = 0x8
	ccNS = 0x9
	ccL  = 0xc // less (signed <)
	ccGE = 0xd // greater or equal (signed >=)
	ccLE = 0xe // less or equal (signed <=)
	ccG  = 0xf // greater (signed >)
)

// patchImm32 backpatches a previously-emitted absolute imm32 placeholder
// (as opposed to patchRel32's PC-relative one) at offset `at`.
func (b *buffer) patchImm32(at int, v uint32) {
	b.code[at] = byte(v)
	b.code[at+1] = byte(v >> 8)
	b.code[at+2] = byte(v >> 16)
	b.code[at+3] = byte(v >> 24)
}

// patchRel32 backpatches a previously-emitted rel32 placeholder at offset
// `at` so that it jumps to `target` (both are offsets into b.code).
func (b *buffer) patchRel32(at, target int) {
	rel := int32(target - (at + 4))
	b.code[at] = byte(rel)
	b.code[at+1] = byte(rel >> 8)
	b.code[at+2] = byte(rel >> 16)
	b.code[at+3] = byte(rel >> 24)
}
