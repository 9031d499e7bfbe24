package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyRejectsEmpty(t *testing.T) {
	err := Verify(nil)
	require.Error(t, err)
	assert.Equal(t, ReasonEmpty, err.(*VerifierError).Reason)
}

func TestVerifyRejectsBadLength(t *testing.T) {
	err := Verify([]byte{1, 2, 3})
	require.Error(t, err)
	assert.Equal(t, ReasonBadLength, err.(*VerifierError).Reason)
}

func TestVerifyRejectsMissingExit(t *testing.T) {
	code := asm(t, mov64Imm(0, 5))
	err := Verify(code)
	require.Error(t, err)
	assert.Equal(t, ReasonMissingExit, err.(*VerifierError).Reason)
}

func TestVerifyRejectsUnknownOpcode(t *testing.T) {
	code := asm(t, Instruction{Opcode: 0xff}, exitInstr())
	err := Verify(code)
	require.Error(t, err)
	assert.Equal(t, ReasonUnknownOpcode, err.(*VerifierError).Reason)
}

func TestVerifyRejectsLoadAbsAsUnknown(t *testing.T) {
	// LD_ABS carries the classic-BPF ABS mode over a WORD-sized LD; it is
	// never in knownOpcodes (opcode.go), so it must fail verification
	// rather than reach the interpreter or JIT.
	code := asm(t, Instruction{Opcode: Opcode(uint8(ClassLD) | uint8(ModeABS) | uint8(SizeW))}, exitInstr())
	err := Verify(code)
	require.Error(t, err)
	assert.Equal(t, ReasonUnknownOpcode, err.(*VerifierError).Reason)
}

func TestVerifyRejectsBadRegister(t *testing.T) {
	code := asm(t, Instruction{Opcode: Opcode(OpMov64Imm), DstSrc: 11}, exitInstr())
	err := Verify(code)
	require.Error(t, err)
	assert.Equal(t, ReasonBadRegister, err.(*VerifierError).Reason)
}

func TestVerifyRejectsWriteToR10(t *testing.T) {
	code := asm(t, mov64Imm(10, 1), exitInstr())
	err := Verify(code)
	require.Error(t, err)
	assert.Equal(t, ReasonWriteR10, err.(*VerifierError).Reason)
}

func TestVerifyAllowsReadOfR10(t *testing.T) {
	code := asm(t, alu64Reg(ALUMov, 0, 10), exitInstr())
	require.NoError(t, Verify(code))
}

func TestVerifyRejectsBadBranchTarget(t *testing.T) {
	code := asm(t, Instruction{Opcode: Opcode(OpJA), Offset: 100}, exitInstr())
	err := Verify(code)
	require.Error(t, err)
	assert.Equal(t, ReasonBadBranchTarget, err.(*VerifierError).Reason)
}

func TestVerifyRejectsBranchIntoLddwSecondSlot(t *testing.T) {
	instrs := []Instruction{
		{Opcode: Opcode(OpJA), Offset: 1},
	}
	instrs = append(instrs, lddw(0, 0x1122334455667788)...)
	instrs = append(instrs, exitInstr())
	code := asm(t, instrs...)
	err := Verify(code)
	require.Error(t, err)
	assert.Equal(t, ReasonBadBranchTarget, err.(*VerifierError).Reason)
}

func TestVerifyRejectsDivByLiteralZero(t *testing.T) {
	code := asm(t, alu64Imm(ALUDiv, 0, 0), exitInstr())
	err := Verify(code)
	require.Error(t, err)
	assert.Equal(t, ReasonDivByZeroImm, err.(*VerifierError).Reason)
}

func TestVerifyRejectsModByLiteralZero(t *testing.T) {
	code := asm(t, alu64Imm(ALUMod, 0, 0), exitInstr())
	err := Verify(code)
	require.Error(t, err)
	assert.Equal(t, ReasonDivByZeroImm, err.(*VerifierError).Reason)
}

func TestVerifyRejectsOutOfRangeShift(t *testing.T) {
	code := asm(t, alu64Imm(ALULsh, 0, 64), exitInstr())
	err := Verify(code)
	require.Error(t, err)
	assert.Equal(t, ReasonBadShift, err.(*VerifierError).Reason)
}

func TestVerifyAllowsMaxShift64(t *testing.T) {
	code := asm(t, alu64Imm(ALULsh, 0, 63), exitInstr())
	require.NoError(t, Verify(code))
}

func TestVerifyAllowsMaxShift32(t *testing.T) {
	code := asm(t, Instruction{Opcode: Opcode(OpLshImm), DstSrc: 0, Immediate: 31}, exitInstr())
	require.NoError(t, Verify(code))
}

func TestVerifyRejectsMalformedLddwSecondSlot(t *testing.T) {
	instrs := lddw(0, 42)
	instrs[1].Offset = 7 // second slot must be all-zero besides its immediate
	code := asm(t, append(instrs, exitInstr())...)
	err := Verify(code)
	require.Error(t, err)
	assert.Equal(t, ReasonBadLddw, err.(*VerifierError).Reason)
}

func TestVerifyRejectsTruncatedLddw(t *testing.T) {
	code := asm(t, Instruction{Opcode: Opcode(OpLDDW), DstSrc: 0})
	err := Verify(code)
	require.Error(t, err)
	assert.Equal(t, ReasonBadLddw, err.(*VerifierError).Reason)
}

func TestVerifyRejectsLddwIntoR10(t *testing.T) {
	instrs := lddw(10, 42)
	code := asm(t, append(instrs, exitInstr())...)
	err := Verify(code)
	require.Error(t, err)
	assert.Equal(t, ReasonWriteR10, err.(*VerifierError).Reason)
}

func TestVerifyRejectsBadEndianWidth(t *testing.T) {
	code := asm(t, Instruction{Opcode: Opcode(OpLE), DstSrc: 0, Immediate: 24}, exitInstr())
	err := Verify(code)
	require.Error(t, err)
	assert.Equal(t, ReasonBadShift, err.(*VerifierError).Reason)
}
