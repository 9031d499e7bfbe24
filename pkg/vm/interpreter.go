package vm

import "encoding/binary"

// Exec runs prog against a fresh Machine using r1/r2 as the initial values
// of R1/R2 (populated per VM flavor) and returns R0 at EXIT. It is the
// fetch-decode-dispatch loop, generalized from the teacher's original
// seven-opcode Execute to the full instruction table.
//
// Memory accesses are unchecked against guest region bounds: an
// out-of-bounds address either faults the host process or returns
// undefined data. This mirrors the JIT's contract exactly, which is what
// makes interpreter/JIT parity meaningful for well-formed programs.
func Exec(prog *Program, helpers *HelperRegistry, r1, r2 uint64) (uint64, error) {
	m := newMachine()
	m.Regs[1] = r1
	m.Regs[2] = r2

	pc := 0
	for pc < prog.Len() {
		instr := prog.Instructions[pc]

		if uint8(instr.Opcode) == OpLDDW {
			m.Regs[instr.Dst()] = prog.ImmediateU64(pc)
			pc += 2
			continue
		}

		switch instr.Opcode.Class() {
		case ClassALU, ClassALU64:
			if err := execALU(instr, m, pc); err != nil {
				return 0, err
			}
			pc++

		case ClassLD, ClassLDX:
			addr := memAddr(m.Regs[instr.Src()], instr.Offset)
			m.Regs[instr.Dst()] = loadWidth(addr, instr.Opcode.Size())
			pc++

		case ClassST:
			addr := memAddr(m.Regs[instr.Dst()], instr.Offset)
			// The JIT's DW-width store emits x86's MOV qword ptr, imm32,
			// which sign-extends; matching that here keeps a negative
			// store immediate identical between interpreter and JIT. The
			// W/H/B widths truncate the low bits either way.
			storeWidth(addr, instr.Opcode.Size(), uint64(int64(instr.Immediate)))
			pc++

		case ClassSTX:
			addr := memAddr(m.Regs[instr.Dst()], instr.Offset)
			storeWidth(addr, instr.Opcode.Size(), m.Regs[instr.Src()])
			pc++

		case ClassJMP:
			taken, terminal, ret, err := execJump(instr, m, helpers, pc)
			if err != nil {
				return 0, err
			}
			if terminal {
				return ret, nil
			}
			if taken {
				pc = pc + int(instr.Offset) + 1
			} else {
				pc++
			}
		}
	}

	return m.Regs[0], nil
}

func memAddr(base uint64, offset int16) uint64 {
	return uint64(int64(base) + int64(offset))
}

func loadWidth(addr uint64, size Size) uint64 {
	b := guestBytes(addr, size.bytes())
	switch size {
	case SizeB:
		return uint64(b[0])
	case SizeH:
		return uint64(binary.LittleEndian.Uint16(b))
	case SizeW:
		return uint64(binary.LittleEndian.Uint32(b))
	case SizeDW:
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func storeWidth(addr uint64, size Size, val uint64) {
	b := guestBytes(addr, size.bytes())
	switch size {
	case SizeB:
		b[0] = uint8(val)
	case SizeH:
		binary.LittleEndian.PutUint16(b, uint16(val))
	case SizeW:
		binary.LittleEndian.PutUint32(b, uint32(val))
	case SizeDW:
		binary.LittleEndian.PutUint64(b, val)
	}
}

func execALU(instr Instruction, m *Machine, pc int) error {
	dst := instr.Dst()
	imm64 := instr.Opcode.Class() == ClassALU64
	aluOp := instr.Opcode.ALUOp()

	if aluOp == ALUEnd {
		execEndian(instr, m)
		return nil
	}

	if aluOp == ALUNeg {
		if imm64 {
			m.Regs[dst] = uint64(-int64(m.Regs[dst]))
		} else {
			m.Regs[dst] = uint64(uint32(-int32(uint32(m.Regs[dst]))))
		}
		return nil
	}

	var src uint64
	if instr.Opcode.Source() == SrcReg {
		src = m.Regs[instr.Src()]
	} else if imm64 {
		src = uint64(int64(instr.Immediate))
	} else {
		src = uint64(uint32(instr.Immediate))
	}

	if aluOp == ALUDiv || aluOp == ALUMod {
		zero := src == 0
		if !imm64 {
			zero = uint32(src) == 0
		}
		if zero {
			return &ExecutionFault{Kind: FaultDivByZeroReg, PC: pc}
		}
	}

	if imm64 {
		m.Regs[dst] = alu64(aluOp, m.Regs[dst], src)
	} else {
		m.Regs[dst] = uint64(alu32(aluOp, uint32(m.Regs[dst]), uint32(src)))
	}
	return nil
}

func alu64(op ALUOp, dst, src uint64) uint64 {
	switch op {
	case ALUAdd:
		return dst + src
	case ALUSub:
		return dst - src
	case ALUMul:
		return dst * src
	case ALUDiv:
		return dst / src
	case ALUOr:
		return dst | src
	case ALUAnd:
		return dst & src
	case ALULsh:
		return dst << (src & 63)
	case ALURsh:
		return dst >> (src & 63)
	case ALUMod:
		return dst % src
	case ALUXor:
		return dst ^ src
	case ALUMov:
		return src
	case ALUArsh:
		return uint64(int64(dst) >> (src & 63))
	}
	return dst
}

func alu32(op ALUOp, dst, src uint32) uint32 {
	switch op {
	case ALUAdd:
		return dst + src
	case ALUSub:
		return dst - src
	case ALUMul:
		return dst * src
	case ALUDiv:
		return dst / src
	case ALUOr:
		return dst | src
	case ALUAnd:
		return dst & src
	case ALULsh:
		return dst << (src & 31)
	case ALURsh:
		return dst >> (src & 31)
	case ALUMod:
		return dst % src
	case ALUXor:
		return dst ^ src
	case ALUMov:
		return src
	case ALUArsh:
		return uint32(int32(dst) >> (src & 31))
	}
	return dst
}

// execEndian implements BE/LE. The host (x86_64) is little-endian, so LE is
// a truncating no-op and BE truncates then byte-swaps; this matches the
// reference JIT's emit_alu/bswap pairing for the ebpf::LE and ebpf::BE
// cases rather than a looser "always swap" reading of the instruction name.
func execEndian(instr Instruction, m *Machine) {
	dst := instr.Dst()
	val := m.Regs[dst]

	toBE := instr.Opcode.Source() == SrcReg

	switch instr.Immediate {
	case 16:
		v := uint16(val)
		if toBE {
			v = v<<8 | v>>8
		}
		m.Regs[dst] = uint64(v)
	case 32:
		v := uint32(val)
		if toBE {
			v = (v&0x000000ff)<<24 | (v&0x0000ff00)<<8 | (v&0x00ff0000)>>8 | (v&0xff000000)>>24
		}
		m.Regs[dst] = uint64(v)
	case 64:
		if toBE {
			m.Regs[dst] = bits64Swap(val)
		}
	}
}

func bits64Swap(v uint64) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	for i, j := 0, 7; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return binary.LittleEndian.Uint64(b[:])
}

// execJump evaluates one JMP-class instruction. It returns taken (whether
// a conditional branch should be followed), terminal (EXIT was reached,
// ret is the final return value), and any fault raised by CALL.
func execJump(instr Instruction, m *Machine, helpers *HelperRegistry, pc int) (taken, terminal bool, ret uint64, err error) {
	op := instr.Opcode.JumpOp()

	switch op {
	case JumpEXIT:
		return false, true, m.Regs[0], nil
	case JumpCALL:
		key := uint32(instr.Immediate)
		fn, ok := helpers.Lookup(key)
		if !ok {
			return false, false, 0, &ExecutionFault{Kind: FaultUnknownHelper, PC: pc, Key: key}
		}
		m.Regs[0] = fn(m.Regs[1], m.Regs[2], m.Regs[3], m.Regs[4], m.Regs[5])
		return false, false, 0, nil
	case JumpJA:
		return true, false, 0, nil
	}

	dst := m.Regs[instr.Dst()]
	var src uint64
	if instr.Opcode.Source() == SrcReg {
		src = m.Regs[instr.Src()]
	} else {
		src = uint64(int64(instr.Immediate))
	}

	var t bool
	switch op {
	case JumpJEQ:
		t = dst == src
	case JumpJNE:
		t = dst != src
	case JumpJGT:
		t = dst > src
	case JumpJGE:
		t = dst >= src
	case JumpJLT:
		t = dst < src
	case JumpJLE:
		t = dst <= src
	case JumpJSET:
		t = dst&src != 0
	case JumpJSGT:
		t = int64(dst) > int64(src)
	case JumpJSGE:
		t = int64(dst) >= int64(src)
	case JumpJSLT:
		t = int64(dst) < int64(src)
	case JumpJSLE:
		t = int64(dst) <= int64(src)
	}
	return t, false, 0, nil
}
