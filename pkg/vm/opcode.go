package vm

// Opcode is the first byte of an eBPF instruction. Its bit layout is
// interpreted differently depending on Class(): memory classes split it
// into Mode|Size|Class, ALU/JMP classes split it into Op|Source|Class.
// Bit layout and constant values follow the Linux kernel's eBPF ISA.
type Opcode uint8

// Class returns the instruction class, the low three bits of the opcode.
func (o Opcode) Class() Class {
	return Class(o & classMask)
}

// Size returns the memory access width, valid for LD/LDX/ST/STX opcodes.
func (o Opcode) Size() Size {
	return Size(o & sizeMask)
}

// Mode returns the addressing mode, valid for LD/LDX/ST/STX opcodes.
func (o Opcode) Mode() Mode {
	return Mode(o & modeMask)
}

// ALUOp returns the arithmetic operation, valid for ALU/ALU64 opcodes.
func (o Opcode) ALUOp() ALUOp {
	return ALUOp(o & aluOpMask)
}

// JumpOp returns the jump condition, valid for JMP opcodes.
func (o Opcode) JumpOp() JumpOp {
	return JumpOp(o & jumpOpMask)
}

// Source returns which operand supplies the second value for ALU/JMP
// opcodes: an immediate (SrcImm) or a register (SrcReg).
func (o Opcode) Source() Source {
	return Source(o & sourceMask)
}

// Class is an eBPF instruction class, the low three bits of the opcode.
type Class uint8

const (
	ClassLD    Class = 0x00
	ClassLDX   Class = 0x01
	ClassST    Class = 0x02
	ClassSTX   Class = 0x03
	ClassALU   Class = 0x04
	ClassJMP   Class = 0x05
	ClassALU64 Class = 0x07
)

const classMask = 0x07

// Size is the width of a memory load or store.
type Size uint8

const (
	SizeW  Size = 0x00 // 32 bit
	SizeH  Size = 0x08 // 16 bit
	SizeB  Size = 0x10 // 8 bit
	SizeDW Size = 0x18 // 64 bit
)

const sizeMask = 0x18

func (s Size) bytes() int {
	switch s {
	case SizeW:
		return 4
	case SizeH:
		return 2
	case SizeB:
		return 1
	case SizeDW:
		return 8
	}
	return 0
}

// Mode is the addressing mode of a load or store instruction.
type Mode uint8

const (
	ModeIMM Mode = 0x00
	ModeABS Mode = 0x20
	ModeIND Mode = 0x40
	ModeMEM Mode = 0x60
)

const modeMask = 0xe0

// ALUOp is an ALU/ALU64 operation.
type ALUOp uint8

const (
	ALUAdd  ALUOp = 0x00
	ALUSub  ALUOp = 0x10
	ALUMul  ALUOp = 0x20
	ALUDiv  ALUOp = 0x30
	ALUOr   ALUOp = 0x40
	ALUAnd  ALUOp = 0x50
	ALULsh  ALUOp = 0x60
	ALURsh  ALUOp = 0x70
	ALUNeg  ALUOp = 0x80
	ALUMod  ALUOp = 0x90
	ALUXor  ALUOp = 0xa0
	ALUMov  ALUOp = 0xb0
	ALUArsh ALUOp = 0xc0
	ALUEnd  ALUOp = 0xd0
)

const aluOpMask = 0xf0

// JumpOp is a JMP-class jump condition.
type JumpOp uint8

const (
	JumpJA   JumpOp = 0x00
	JumpJEQ  JumpOp = 0x10
	JumpJGT  JumpOp = 0x20
	JumpJGE  JumpOp = 0x30
	JumpJSET JumpOp = 0x40
	JumpJNE  JumpOp = 0x50
	JumpJSGT JumpOp = 0x60
	JumpJSGE JumpOp = 0x70
	JumpCALL JumpOp = 0x80
	JumpEXIT JumpOp = 0x90
	JumpJLT  JumpOp = 0xa0
	JumpJLE  JumpOp = 0xb0
	JumpJSLT JumpOp = 0xc0
	JumpJSLE JumpOp = 0xd0
)

const jumpOpMask = 0xf0

// Source selects the second ALU/JMP operand.
type Source uint8

const (
	SrcImm Source = 0x00
	SrcReg Source = 0x08
)

const sourceMask = 0x08

// Fully-formed opcode values, spelled out for readability at call sites
// that switch on a concrete byte (verifier, disassembler) rather than
// decomposing via the accessors above.
const (
	OpAddImm  = uint8(ClassALU) | uint8(SrcImm) | uint8(ALUAdd)
	OpAddReg  = uint8(ClassALU) | uint8(SrcReg) | uint8(ALUAdd)
	OpSubImm  = uint8(ClassALU) | uint8(SrcImm) | uint8(ALUSub)
	OpSubReg  = uint8(ClassALU) | uint8(SrcReg) | uint8(ALUSub)
	OpMulImm  = uint8(ClassALU) | uint8(SrcImm) | uint8(ALUMul)
	OpMulReg  = uint8(ClassALU) | uint8(SrcReg) | uint8(ALUMul)
	OpDivImm  = uint8(ClassALU) | uint8(SrcImm) | uint8(ALUDiv)
	OpDivReg  = uint8(ClassALU) | uint8(SrcReg) | uint8(ALUDiv)
	OpOrImm   = uint8(ClassALU) | uint8(SrcImm) | uint8(ALUOr)
	OpOrReg   = uint8(ClassALU) | uint8(SrcReg) | uint8(ALUOr)
	OpAndImm  = uint8(ClassALU) | uint8(SrcImm) | uint8(ALUAnd)
	OpAndReg  = uint8(ClassALU) | uint8(SrcReg) | uint8(ALUAnd)
	OpLshImm  = uint8(ClassALU) | uint8(SrcImm) | uint8(ALULsh)
	OpLshReg  = uint8(ClassALU) | uint8(SrcReg) | uint8(ALULsh)
	OpRshImm  = uint8(ClassALU) | uint8(SrcImm) | uint8(ALURsh)
	OpRshReg  = uint8(ClassALU) | uint8(SrcReg) | uint8(ALURsh)
	OpNegImm  = uint8(ClassALU) | uint8(SrcImm) | uint8(ALUNeg)
	OpModImm  = uint8(ClassALU) | uint8(SrcImm) | uint8(ALUMod)
	OpModReg  = uint8(ClassALU) | uint8(SrcReg) | uint8(ALUMod)
	OpXorImm  = uint8(ClassALU) | uint8(SrcImm) | uint8(ALUXor)
	OpXorReg  = uint8(ClassALU) | uint8(SrcReg) | uint8(ALUXor)
	OpMovImm  = uint8(ClassALU) | uint8(SrcImm) | uint8(ALUMov)
	OpMovReg  = uint8(ClassALU) | uint8(SrcReg) | uint8(ALUMov)
	OpArshImm = uint8(ClassALU) | uint8(SrcImm) | uint8(ALUArsh)
	OpArshReg = uint8(ClassALU) | uint8(SrcReg) | uint8(ALUArsh)
	OpLE      = uint8(ClassALU) | uint8(SrcImm) | uint8(ALUEnd)
	OpBE      = uint8(ClassALU) | uint8(SrcReg) | uint8(ALUEnd)

	OpAdd64Imm  = uint8(ClassALU64) | uint8(SrcImm) | uint8(ALUAdd)
	OpAdd64Reg  = uint8(ClassALU64) | uint8(SrcReg) | uint8(ALUAdd)
	OpSub64Imm  = uint8(ClassALU64) | uint8(SrcImm) | uint8(ALUSub)
	OpSub64Reg  = uint8(ClassALU64) | uint8(SrcReg) | uint8(ALUSub)
	OpMul64Imm  = uint8(ClassALU64) | uint8(SrcImm) | uint8(ALUMul)
	OpMul64Reg  = uint8(ClassALU64) | uint8(SrcReg) | uint8(ALUMul)
	OpDiv64Imm  = uint8(ClassALU64) | uint8(SrcImm) | uint8(ALUDiv)
	OpDiv64Reg  = uint8(ClassALU64) | uint8(SrcReg) | uint8(ALUDiv)
	OpOr64Imm   = uint8(ClassALU64) | uint8(SrcImm) | uint8(ALUOr)
	OpOr64Reg   = uint8(ClassALU64) | uint8(SrcReg) | uint8(ALUOr)
	OpAnd64Imm  = uint8(ClassALU64) | uint8(SrcImm) | uint8(ALUAnd)
	OpAnd64Reg  = uint8(ClassALU64) | uint8(SrcReg) | uint8(ALUAnd)
	OpLsh64Imm  = uint8(ClassALU64) | uint8(SrcImm) | uint8(ALULsh)
	OpLsh64Reg  = uint8(ClassALU64) | uint8(SrcReg) | uint8(ALULsh)
	OpRsh64Imm  = uint8(ClassALU64) | uint8(SrcImm) | uint8(ALURsh)
	OpRsh64Reg  = uint8(ClassALU64) | uint8(SrcReg) | uint8(ALURsh)
	OpNeg64Imm  = uint8(ClassALU64) | uint8(SrcImm) | uint8(ALUNeg)
	OpMod64Imm  = uint8(ClassALU64) | uint8(SrcImm) | uint8(ALUMod)
	OpMod64Reg  = uint8(ClassALU64) | uint8(SrcReg) | uint8(ALUMod)
	OpXor64Imm  = uint8(ClassALU64) | uint8(SrcImm) | uint8(ALUXor)
	OpXor64Reg  = uint8(ClassALU64) | uint8(SrcReg) | uint8(ALUXor)
	OpMov64Imm  = uint8(ClassALU64) | uint8(SrcImm) | uint8(ALUMov)
	OpMov64Reg  = uint8(ClassALU64) | uint8(SrcReg) | uint8(ALUMov)
	OpArsh64Imm = uint8(ClassALU64) | uint8(SrcImm) | uint8(ALUArsh)
	OpArsh64Reg = uint8(ClassALU64) | uint8(SrcReg) | uint8(ALUArsh)

	OpLDDW = uint8(ClassLD) | uint8(ModeIMM) | uint8(SizeDW)

	OpLDXW  = uint8(ClassLDX) | uint8(ModeMEM) | uint8(SizeW)
	OpLDXH  = uint8(ClassLDX) | uint8(ModeMEM) | uint8(SizeH)
	OpLDXB  = uint8(ClassLDX) | uint8(ModeMEM) | uint8(SizeB)
	OpLDXDW = uint8(ClassLDX) | uint8(ModeMEM) | uint8(SizeDW)

	OpSTW  = uint8(ClassST) | uint8(ModeMEM) | uint8(SizeW)
	OpSTH  = uint8(ClassST) | uint8(ModeMEM) | uint8(SizeH)
	OpSTB  = uint8(ClassST) | uint8(ModeMEM) | uint8(SizeB)
	OpSTDW = uint8(ClassST) | uint8(ModeMEM) | uint8(SizeDW)

	OpSTXW  = uint8(ClassSTX) | uint8(ModeMEM) | uint8(SizeW)
	OpSTXH  = uint8(ClassSTX) | uint8(ModeMEM) | uint8(SizeH)
	OpSTXB  = uint8(ClassSTX) | uint8(ModeMEM) | uint8(SizeB)
	OpSTXDW = uint8(ClassSTX) | uint8(ModeMEM) | uint8(SizeDW)

	OpJA   = uint8(ClassJMP) | uint8(SrcImm) | uint8(JumpJA)
	OpJEQImm  = uint8(ClassJMP) | uint8(SrcImm) | uint8(JumpJEQ)
	OpJEQReg  = uint8(ClassJMP) | uint8(SrcReg) | uint8(JumpJEQ)
	OpJGTImm  = uint8(ClassJMP) | uint8(SrcImm) | uint8(JumpJGT)
	OpJGTReg  = uint8(ClassJMP) | uint8(SrcReg) | uint8(JumpJGT)
	OpJGEImm  = uint8(ClassJMP) | uint8(SrcImm) | uint8(JumpJGE)
	OpJGEReg  = uint8(ClassJMP) | uint8(SrcReg) | uint8(JumpJGE)
	OpJSETImm = uint8(ClassJMP) | uint8(SrcImm) | uint8(JumpJSET)
	OpJSETReg = uint8(ClassJMP) | uint8(SrcReg) | uint8(JumpJSET)
	OpJNEImm  = uint8(ClassJMP) | uint8(SrcImm) | uint8(JumpJNE)
	OpJNEReg  = uint8(ClassJMP) | uint8(SrcReg) | uint8(JumpJNE)
	OpJSGTImm = uint8(ClassJMP) | uint8(SrcImm) | uint8(JumpJSGT)
	OpJSGTReg = uint8(ClassJMP) | uint8(SrcReg) | uint8(JumpJSGT)
	OpJSGEImm = uint8(ClassJMP) | uint8(SrcImm) | uint8(JumpJSGE)
	OpJSGEReg = uint8(ClassJMP) | uint8(SrcReg) | uint8(JumpJSGE)
	OpJLTImm  = uint8(ClassJMP) | uint8(SrcImm) | uint8(JumpJLT)
	OpJLTReg  = uint8(ClassJMP) | uint8(SrcReg) | uint8(JumpJLT)
	OpJLEImm  = uint8(ClassJMP) | uint8(SrcImm) | uint8(JumpJLE)
	OpJLEReg  = uint8(ClassJMP) | uint8(SrcReg) | uint8(JumpJLE)
	OpJSLTImm = uint8(ClassJMP) | uint8(SrcImm) | uint8(JumpJSLT)
	OpJSLTReg = uint8(ClassJMP) | uint8(SrcReg) | uint8(JumpJSLT)
	OpJSLEImm = uint8(ClassJMP) | uint8(SrcImm) | uint8(JumpJSLE)
	OpJSLEReg = uint8(ClassJMP) | uint8(SrcReg) | uint8(JumpJSLE)

	OpCALL = uint8(ClassJMP) | uint8(SrcImm) | uint8(JumpCALL)
	OpEXIT = uint8(ClassJMP) | uint8(SrcImm) | uint8(JumpEXIT)
)

// knownOpcodes is the complete set of opcodes this engine recognizes. Load
// modes ABS/IND (implicit-r6 packet addressing carried over from classic
// BPF) are deliberately absent: the modern eBPF ISA this engine targets
// only uses the LD class for LDDW, so a program using them is rejected by
// the verifier as UnknownOpcode rather than silently accepted and left
// unsupported by the interpreter and JIT.
var knownOpcodes = buildKnownOpcodes()

func buildKnownOpcodes() map[uint8]bool {
	list := []uint8{
		OpAddImm, OpAddReg, OpSubImm, OpSubReg, OpMulImm, OpMulReg,
		OpDivImm, OpDivReg, OpOrImm, OpOrReg, OpAndImm, OpAndReg,
		OpLshImm, OpLshReg, OpRshImm, OpRshReg, OpNegImm, OpModImm,
		OpModReg, OpXorImm, OpXorReg, OpMovImm, OpMovReg, OpArshImm,
		OpArshReg, OpLE, OpBE,

		OpAdd64Imm, OpAdd64Reg, OpSub64Imm, OpSub64Reg, OpMul64Imm,
		OpMul64Reg, OpDiv64Imm, OpDiv64Reg, OpOr64Imm, OpOr64Reg,
		OpAnd64Imm, OpAnd64Reg, OpLsh64Imm, OpLsh64Reg, OpRsh64Imm,
		OpRsh64Reg, OpNeg64Imm, OpMod64Imm, OpMod64Reg, OpXor64Imm,
		OpXor64Reg, OpMov64Imm, OpMov64Reg, OpArsh64Imm, OpArsh64Reg,

		OpLDDW,
		OpLDXW, OpLDXH, OpLDXB, OpLDXDW,
		OpSTW, OpSTH, OpSTB, OpSTDW,
		OpSTXW, OpSTXH, OpSTXB, OpSTXDW,

		OpJA, OpJEQImm, OpJEQReg, OpJGTImm, OpJGTReg, OpJGEImm, OpJGEReg,
		OpJSETImm, OpJSETReg, OpJNEImm, OpJNEReg, OpJSGTImm, OpJSGTReg,
		OpJSGEImm, OpJSGEReg, OpJLTImm, OpJLTReg, OpJLEImm, OpJLEReg,
		OpJSLTImm, OpJSLTReg, OpJSLEImm, OpJSLEReg,
		OpCALL, OpEXIT,
	}
	m := make(map[uint8]bool, len(list))
	for _, op := range list {
		m[op] = true
	}
	return m
}

// IsKnown reports whether op is part of the recognized opcode table.
func (o Opcode) IsKnown() bool {
	return knownOpcodes[uint8(o)]
}
