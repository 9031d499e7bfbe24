package vm

import "testing"

// asm assembles a slice of Instructions into wire-format bytecode.
func asm(t *testing.T, instrs ...Instruction) []byte {
	t.Helper()
	buf := make([]byte, 0, len(instrs)*InstructionSize)
	for _, i := range instrs {
		enc := i.Encode()
		buf = append(buf, enc[:]...)
	}
	return buf
}

func mov64Imm(dst uint8, imm int32) Instruction {
	return Instruction{Opcode: Opcode(OpMov64Imm), DstSrc: dst, Immediate: imm}
}

func alu64Reg(op ALUOp, dst, src uint8) Instruction {
	return Instruction{Opcode: Opcode(uint8(ClassALU64) | uint8(SrcReg) | uint8(op)), DstSrc: dst | src<<4}
}

func alu64Imm(op ALUOp, dst uint8, imm int32) Instruction {
	return Instruction{Opcode: Opcode(uint8(ClassALU64) | uint8(SrcImm) | uint8(op)), DstSrc: dst, Immediate: imm}
}

func exitInstr() Instruction {
	return Instruction{Opcode: Opcode(OpEXIT)}
}

func lddw(dst uint8, imm uint64) []Instruction {
	return []Instruction{
		{Opcode: Opcode(OpLDDW), DstSrc: dst, Immediate: int32(uint32(imm))},
		{Immediate: int32(uint32(imm >> 32))},
	}
}

func ldxReg(size Size, dst, src uint8, offset int16) Instruction {
	return Instruction{Opcode: Opcode(uint8(ClassLDX) | uint8(ModeMEM) | uint8(size)), DstSrc: dst | src<<4, Offset: offset}
}

func stxReg(size Size, dst, src uint8, offset int16) Instruction {
	return Instruction{Opcode: Opcode(uint8(ClassSTX) | uint8(ModeMEM) | uint8(size)), DstSrc: dst | src<<4, Offset: offset}
}

func stImm(size Size, dst uint8, offset int16, imm int32) Instruction {
	return Instruction{Opcode: Opcode(uint8(ClassST) | uint8(ModeMEM) | uint8(size)), DstSrc: dst, Offset: offset, Immediate: imm}
}

func callInstr(key uint32) Instruction {
	return Instruction{Opcode: Opcode(OpCALL), Immediate: int32(key)}
}
