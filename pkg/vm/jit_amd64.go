package vm

// This file implements the x86_64 JIT: a single-pass translator with a
// fixed (non-graph-colored) eBPF-register-to-native-register allocation,
// matching the interpreter's semantics for well-formed programs with two
// documented, intentional exceptions: unchecked guest memory bounds
// (shared with the interpreter, see machine.go) and the
// divide-by-zero/unknown-helper divergence noted throughout this file.
//
// Register allocation, entry ABI, and the helper-call push/pop discipline
// around DIV/MUL/MOD follow the structure of a classic uBPF/rbpf x86_64
// JIT (see original_source/src/jit.rs's emit_muldivmod and register map)
// adapted to a Go entry point that cannot use cgo: helper calls bounce
// through jitHelperEntry (jit_bridge_amd64.s) instead of calling a raw C
// function pointer directly.
// R8's native home, R14, is also the register Go's amd64 ABI permanently
// reserves for the current goroutine's g. That's fine for straight-line
// compiled code, which never dereferences g, but jit_bridge_amd64.s has to
// save and restore both sides (the guest value here, g on the way into
// jitHelperDispatch) around every helper call and around the outer
// callCompiled boundary.
var regMap = [NumRegisters]Reg{
	RAX, // R0
	RDI, // R1
	RSI, // R2
	RDX, // R3
	RCX, // R4
	R8,  // R5
	RBX, // R6
	R13, // R7
	R14, // R8
	R15, // R9
	RBP, // R10 (frame pointer)
}

// CompiledProgram is a JIT-compiled program: an executable native buffer
// plus the helper table slots it references. Its Run entry point takes
// the flavor-agnostic ABI (mbuff_ptr, mbuff_len, mem_ptr, mem_len) -> u64,
// with mem taking over whenever mbuff_ptr is zero, exactly like the
// reference JIT's own mbuff/mem fallback.
type CompiledProgram struct {
	page       *execPage
	helperBase uint32
	helperN    int
}

type reloc struct {
	at     int // offset of the rel32 placeholder
	target int // eBPF pc, or -1 for the shared epilogue
}

// JITCompile translates a verified program into native code. helpers is
// snapshotted at this point: registrations made afterward have no effect
// on the returned CompiledProgram.
func JITCompile(prog *Program, helpers *HelperRegistry) (*CompiledProgram, error) {
	snapshot := helpers.snapshot()

	b := &buffer{}
	emitPrologue(b)

	n := prog.Len()
	pcOffsets := make([]int, n+1)
	var relocs []reloc

	var pendingHelpers []HelperFunc
	var pendingPatches []struct {
		at   int
		slot uint32
	}
	slotForKey := make(map[uint32]uint32)

	for pc := 0; pc < n; {
		pcOffsets[pc] = b.pos()
		instr := prog.Instructions[pc]

		if uint8(instr.Opcode) == OpLDDW {
			dst := regMap[instr.Dst()]
			b.movRegImm64(dst, prog.ImmediateU64(pc))
			pcOffsets[pc+1] = b.pos()
			pc += 2
			continue
		}

		switch instr.Opcode.Class() {
		case ClassALU, ClassALU64:
			if err := emitALU(b, instr, &relocs); err != nil {
				return nil, err
			}
		case ClassLD, ClassLDX:
			dst := regMap[instr.Dst()]
			base := regMap[instr.Src()]
			b.loadMem(instr.Opcode.Size(), dst, base, int32(instr.Offset))
		case ClassST:
			base := regMap[instr.Dst()]
			b.storeMemImm32(instr.Opcode.Size(), base, int32(instr.Offset), instr.Immediate)
		case ClassSTX:
			base := regMap[instr.Dst()]
			src := regMap[instr.Src()]
			b.storeMem(instr.Opcode.Size(), base, src, int32(instr.Offset))
		case ClassJMP:
			if err := emitJump(b, instr, pc, &relocs, snapshot, slotForKey, &pendingHelpers, &pendingPatches); err != nil {
				return nil, err
			}
		default:
			return nil, &JitError{Kind: JitUnsupportedOpcode, PC: pc, Opcode: instr.Opcode}
		}
		pc++
	}
	pcOffsets[n] = b.pos()

	epilogueOffset := b.pos()
	emitEpilogue(b)

	base := reserveHelperSlots(pendingHelpers)
	for _, p := range pendingPatches {
		b.patchImm32(p.at, base+p.slot)
	}
	for _, r := range relocs {
		target := epilogueOffset
		if r.target >= 0 {
			target = pcOffsets[r.target]
		}
		b.patchRel32(r.at, target)
	}

	page, err := newExecPage(b.code)
	if err != nil {
		return nil, err
	}
	return &CompiledProgram{page: page, helperBase: base, helperN: len(pendingHelpers)}, nil
}

// Run invokes the compiled image. A fresh stack is allocated per call,
// matching the interpreter's non-reentrant, single-owner Machine.
func (c *CompiledProgram) Run(mbuffPtr, mbuffLen, memPtr, memLen uint64) uint64 {
	m := newMachine()
	return callCompiled(c.page.addr(), mbuffPtr, mbuffLen, memPtr, memLen, m.stackTop())
}

// Close releases the compiled image's executable pages and its helper
// table slots.
func (c *CompiledProgram) Close() error {
	releaseHelperSlots(c.helperBase, c.helperN)
	return c.page.close()
}

// emitPrologue saves the host registers this JIT repurposes for the
// guest register file, resolves the mbuff/mem argument fallback (the
// entry always receives both; whichever pointer is non-zero wins, same
// as the reference JIT), and zeroes every guest register besides R1, R2,
// and R10.
func emitPrologue(b *buffer) {
	b.pushReg(RBX)
	b.pushReg(RBP)
	b.pushReg(R13)
	b.pushReg(R14)
	b.pushReg(R15)

	b.movRegReg(true, R9, R8) // stash stack_top (arg5) before R8 becomes eBPF R5

	b.aluRegReg(false, 0x31, RAX, RAX) // R0 = 0

	b.aluRegReg(true, 0x85, RDI, RDI) // test mbuff_ptr, mbuff_ptr
	jneAt := b.jccRel32(ccNE)
	b.movRegReg(true, RDI, RDX) // R1 = mem_ptr
	b.movRegReg(true, RSI, RCX) // R2 = mem_len
	jmpAt := b.jmpRel32()
	useMbuff := b.pos()
	b.patchRel32(jneAt, useMbuff)
	// mbuff branch: RDI/RSI already hold mbuff_ptr/mbuff_len.
	argsReady := b.pos()
	b.patchRel32(jmpAt, argsReady)

	b.aluRegReg(true, 0x31, RDX, RDX) // R3 = 0
	b.aluRegReg(true, 0x31, RCX, RCX) // R4 = 0
	b.aluRegReg(true, 0x31, R8, R8)   // R5 = 0
	b.aluRegReg(true, 0x31, RBX, RBX) // R6 = 0
	b.aluRegReg(true, 0x31, R13, R13) // R7 = 0
	b.aluRegReg(true, 0x31, R14, R14) // R8 = 0
	b.aluRegReg(true, 0x31, R15, R15) // R9 = 0

	b.movRegReg(true, RBP, R9) // R10 = stack_top
}

func emitEpilogue(b *buffer) {
	b.popReg(R15)
	b.popReg(R14)
	b.popReg(R13)
	b.popReg(RBP)
	b.popReg(RBX)
	b.ret()
}

var aluTwoOp = map[ALUOp]struct {
	regOp byte
	ext   byte
}{
	ALUAdd: {0x01, extADD},
	ALUSub: {0x29, extSUB},
	ALUOr:  {0x09, extOR},
	ALUAnd: {0x21, extAND},
	ALUXor: {0x31, extXOR},
}

var shiftExt = map[ALUOp]byte{
	ALULsh:  extSHL,
	ALURsh:  extSHR,
	ALUArsh: extSAR,
}

func emitALU(b *buffer, instr Instruction, relocs *[]reloc) error {
	dst := regMap[instr.Dst()]
	w := instr.Opcode.Class() == ClassALU64
	op := instr.Opcode.ALUOp()
	srcIsReg := instr.Opcode.Source() == SrcReg

	switch {
	case op == ALUEnd:
		emitEndian(b, instr, dst)
		return nil
	case op == ALUNeg:
		b.negReg(w, dst)
		return nil
	case op == ALUMov:
		if srcIsReg {
			b.movRegReg(w, dst, regMap[instr.Src()])
		} else if w {
			b.movRegImm32(true, dst, instr.Immediate)
		} else {
			b.movRegImm32(false, dst, instr.Immediate)
		}
		return nil
	case op == ALUMul || op == ALUDiv || op == ALUMod:
		if (op == ALUDiv || op == ALUMod) && srcIsReg {
			srcPhys := regMap[instr.Src()]
			b.aluRegReg(w, 0x85, srcPhys, srcPhys)
			jneAt := b.jccRel32(ccNE)
			b.movRegImm64(RAX, sentinelFaultValue)
			*relocs = append(*relocs, reloc{at: b.jmpRel32(), target: -1})
			b.patchRel32(jneAt, b.pos())
		}
		emitMulDivMod(b, op, w, dst, instr, srcIsReg)
		return nil
	case op == ALULsh || op == ALURsh || op == ALUArsh:
		ext := shiftExt[op]
		if !srcIsReg {
			mask := uint8(31)
			if w {
				mask = 63
			}
			b.shiftRegImm8(w, ext, dst, uint8(instr.Immediate)&mask)
		} else {
			emitShiftByReg(b, ext, w, dst, regMap[instr.Src()])
		}
		return nil
	default:
		forms := aluTwoOp[op]
		if srcIsReg {
			b.aluRegReg(w, forms.regOp, dst, regMap[instr.Src()])
		} else {
			b.aluRegImm32(w, forms.ext, dst, instr.Immediate)
		}
		return nil
	}
}

// emitShiftByReg shifts dst by the count in src, working around the two
// registers being physically pinned to specific eBPF registers while the
// shift-by-register x86 form requires the count in CL specifically.
func emitShiftByReg(b *buffer, ext byte, w bool, dst, src Reg) {
	switch {
	case src == RCX:
		b.shiftRegCL(w, ext, dst)
	case dst == RCX:
		b.movRegReg(true, R11, RCX)
		b.movRegReg(true, RCX, src)
		b.shiftRegCL(w, ext, R11)
		b.movRegReg(w, RCX, R11)
	default:
		b.pushReg(RCX)
		b.movRegReg(true, RCX, src)
		b.shiftRegCL(w, ext, dst)
		b.popReg(RCX)
	}
}

// emitMulDivMod handles MUL/DIV/MOD, all unsigned (resolved via
// original_source/src/jit.rs's emit_muldivmod), by staging the operand in
// the scratch register R11 and saving/restoring RAX/RDX around the
// RDX:RAX-pair instruction when dst isn't already one of them.
func emitMulDivMod(b *buffer, op ALUOp, w bool, dst Reg, instr Instruction, srcIsReg bool) {
	saveRAX := dst != RAX
	saveRDX := dst != RDX

	if saveRAX {
		b.pushReg(RAX)
	}
	if saveRDX {
		b.pushReg(RDX)
	}

	if srcIsReg {
		b.movRegReg(true, R11, regMap[instr.Src()])
	} else {
		var imm uint64
		if w {
			imm = uint64(int64(instr.Immediate))
		} else {
			imm = uint64(uint32(instr.Immediate))
		}
		b.movRegImm64(R11, imm)
	}

	if dst != RAX {
		b.movRegReg(true, RAX, dst)
	}

	ext := byte(extMUL)
	if op == ALUDiv || op == ALUMod {
		b.aluRegReg(true, 0x31, RDX, RDX) // zero-extend dividend
		ext = extDIV
	}
	b.mulDivReg(w, ext, R11)

	switch op {
	case ALUMul, ALUDiv:
		if dst != RAX {
			b.movRegReg(w, dst, RAX)
		}
	case ALUMod:
		if dst != RDX {
			b.movRegReg(w, dst, RDX)
		}
	}

	if saveRDX {
		b.popReg(RDX)
	}
	if saveRAX {
		b.popReg(RAX)
	}
}

// emitEndian mirrors execEndian's LE=mask-only / BE=swap-then-mask split.
func emitEndian(b *buffer, instr Instruction, dst Reg) {
	toBE := instr.Opcode.Source() == SrcReg
	switch instr.Immediate {
	case 16:
		if toBE {
			b.rol16Imm8(dst, 8)
		}
		b.aluRegImm32(false, extAND, dst, 0xffff)
	case 32:
		if toBE {
			b.bswapReg32Or64(false, dst)
		} else {
			b.aluRegImm32(false, extAND, dst, -1)
		}
	case 64:
		if toBE {
			b.bswapReg32Or64(true, dst)
		}
	}
}

func emitJump(
	b *buffer, instr Instruction, pc int, relocs *[]reloc,
	snapshot map[uint32]HelperFunc, slotForKey map[uint32]uint32,
	pendingHelpers *[]HelperFunc,
	pendingPatches *[]struct {
		at   int
		slot uint32
	},
) error {
	op := instr.Opcode.JumpOp()

	switch op {
	case JumpEXIT:
		*relocs = append(*relocs, reloc{at: b.jmpRel32(), target: -1})
		return nil

	case JumpCALL:
		key := uint32(instr.Immediate)
		fn, ok := snapshot[key]
		if !ok {
			b.movRegImm64(RAX, sentinelFaultValue)
			*relocs = append(*relocs, reloc{at: b.jmpRel32(), target: -1})
			return nil
		}
		slot, seen := slotForKey[key]
		if !seen {
			slot = uint32(len(*pendingHelpers))
			*pendingHelpers = append(*pendingHelpers, fn)
			slotForKey[key] = slot
		}
		emitHelperCall(b, slot, pendingPatches)
		return nil

	case JumpJA:
		target := pc + int(instr.Offset) + 1
		*relocs = append(*relocs, reloc{at: b.jmpRel32(), target: target})
		return nil
	}

	dst := regMap[instr.Dst()]
	srcIsReg := instr.Opcode.Source() == SrcReg

	if op == JumpJSET {
		if srcIsReg {
			b.aluRegReg(true, 0x85, dst, regMap[instr.Src()])
		} else {
			b.movRegImm64(R11, uint64(int64(instr.Immediate)))
			b.aluRegReg(true, 0x85, dst, R11)
		}
	} else if srcIsReg {
		b.aluRegReg(true, 0x39, dst, regMap[instr.Src()])
	} else {
		b.aluRegImm32(true, extCMP, dst, instr.Immediate)
	}

	cc, ok := jumpCC[op]
	if !ok {
		cc = ccNE // JSET falls through here
	}
	at := b.jccRel32(cc)
	target := pc + int(instr.Offset) + 1
	*relocs = append(*relocs, reloc{at: at, target: target})
	return nil
}

var jumpCC = map[JumpOp]byte{
	JumpJEQ:  ccE,
	JumpJNE:  ccNE,
	JumpJGT:  ccA,
	JumpJGE:  ccAE,
	JumpJLT:  ccB,
	JumpJLE:  ccBE,
	JumpJSGT: ccG,
	JumpJSGE: ccGE,
	JumpJSLT: ccL,
	JumpJSLE: ccLE,
}

// emitHelperCall marshals R1..R5 into the argument order jitHelperEntry
// expects (slot, r1..r5) and calls it. R0 receives the helper's return
// value directly since it already lives in RAX.
func emitHelperCall(b *buffer, slot uint32, pendingPatches *[]struct {
	at   int
	slot uint32
}) {
	b.movRegReg(true, R9, R8)   // r5
	b.movRegReg(true, R8, RCX)  // r4
	b.movRegReg(true, RCX, RDX) // r3
	b.movRegReg(true, RDX, RSI) // r2
	b.movRegReg(true, RSI, RDI) // r1

	b.emit(0xbf) // mov edi, imm32 (short form: 0xB8 + reg, RDI's low3 is 7)
	at := b.pos()
	b.emitU32(0)
	*pendingPatches = append(*pendingPatches, struct {
		at   int
		slot uint32
	}{at: at, slot: slot})

	b.movRegImm64(R11, uint64(jitHelperEntryAddr))
	b.callReg(R11)
}
