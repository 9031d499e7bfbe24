package vm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func mustExec(t *testing.T, code []byte, r1, r2 uint64) uint64 {
	t.Helper()
	require.NoError(t, Verify(code))
	prog, err := DecodeProgram(code)
	require.NoError(t, err)
	ret, err := Exec(prog, NewHelperRegistry(), r1, r2)
	require.NoError(t, err)
	return ret
}

func TestExecAdd(t *testing.T) {
	code := asm(t,
		mov64Imm(0, 2),
		alu64Imm(ALUAdd, 0, 40),
		exitInstr(),
	)
	require.EqualValues(t, 42, mustExec(t, code, 0, 0))
}

func TestExecLddw(t *testing.T) {
	instrs := lddw(0, 0x1122334455667788)
	instrs = append(instrs, exitInstr())
	code := asm(t, instrs...)
	require.EqualValues(t, 0x1122334455667788, mustExec(t, code, 0, 0))
}

func TestExecLdxhFromR1(t *testing.T) {
	buf := []byte{0xaa, 0x34, 0x12, 0xbb}
	code := asm(t, ldxReg(SizeH, 0, 1, 1), exitInstr())
	require.EqualValues(t, 0x1234, mustExec(t, code, addrOf(buf), uint64(len(buf))))
}

func TestExecStoreThenLoadRoundTrip(t *testing.T) {
	code := asm(t,
		mov64Imm(2, 0xbeef),
		stxReg(SizeDW, 10, 2, -8),
		ldxReg(SizeDW, 0, 10, -8),
		exitInstr(),
	)
	require.EqualValues(t, 0xbeef, mustExec(t, code, 0, 0))
}

func TestExecStoreImmediateDWSignExtends(t *testing.T) {
	// A negative store-immediate at DW width must sign-extend to match
	// x86's MOV qword ptr, imm32 (which the JIT relies on), not zero-extend.
	code := asm(t,
		stImm(SizeDW, 10, -8, -1),
		ldxReg(SizeDW, 0, 10, -8),
		exitInstr(),
	)
	require.EqualValues(t, uint64(0xffffffffffffffff), mustExec(t, code, 0, 0))
}

func TestExecStoreImmediateWordTruncatesRegardlessOfSign(t *testing.T) {
	code := asm(t,
		stImm(SizeW, 10, -8, -1),
		ldxReg(SizeDW, 0, 10, -8),
		exitInstr(),
	)
	require.EqualValues(t, 0xffffffff, mustExec(t, code, 0, 0))
}

func TestExecDivByZeroRegisterFaultsInterpreter(t *testing.T) {
	code := asm(t,
		mov64Imm(0, 10),
		mov64Imm(1, 0),
		alu64Reg(ALUDiv, 0, 1),
		exitInstr(),
	)
	require.NoError(t, Verify(code))
	prog, err := DecodeProgram(code)
	require.NoError(t, err)
	_, err = Exec(prog, NewHelperRegistry(), 0, 0)
	require.Error(t, err)
	fault, ok := err.(*ExecutionFault)
	require.True(t, ok)
	require.Equal(t, FaultDivByZeroReg, fault.Kind)
}

func TestExecUnknownHelperFaults(t *testing.T) {
	code := asm(t, callInstr(999), exitInstr())
	require.NoError(t, Verify(code))
	prog, err := DecodeProgram(code)
	require.NoError(t, err)
	_, err = Exec(prog, NewHelperRegistry(), 0, 0)
	require.Error(t, err)
	fault, ok := err.(*ExecutionFault)
	require.True(t, ok)
	require.Equal(t, FaultUnknownHelper, fault.Kind)
	require.EqualValues(t, 999, fault.Key)
}

func TestExecCallsRegisteredHelper(t *testing.T) {
	code := asm(t,
		mov64Imm(1, 7),
		callInstr(1),
		exitInstr(),
	)
	require.NoError(t, Verify(code))
	prog, err := DecodeProgram(code)
	require.NoError(t, err)

	h := NewHelperRegistry()
	h.Register(1, func(r1, r2, r3, r4, r5 uint64) uint64 { return r1 * 6 })

	ret, err := Exec(prog, h, 0, 0)
	require.NoError(t, err)
	require.EqualValues(t, 42, ret)
}

func TestExecConditionalBranch(t *testing.T) {
	code := asm(t,
		mov64Imm(0, 1),
		Instruction{Opcode: Opcode(OpJEQImm), DstSrc: 0, Offset: 1, Immediate: 1},
		mov64Imm(0, 99),
		exitInstr(),
	)
	require.EqualValues(t, 1, mustExec(t, code, 0, 0))
}

func TestBE16IsSelfInverse(t *testing.T) {
	code := asm(t,
		mov64Imm(0, 0x1234),
		Instruction{Opcode: Opcode(OpBE), DstSrc: 0, Immediate: 16},
		Instruction{Opcode: Opcode(OpBE), DstSrc: 0, Immediate: 16},
		exitInstr(),
	)
	require.EqualValues(t, 0x1234, mustExec(t, code, 0, 0))
}

func TestLE64IsMaskOnlyNoOp(t *testing.T) {
	code := asm(t,
		mov64Imm(0, 0x7fffffff),
		Instruction{Opcode: Opcode(OpLE), DstSrc: 0, Immediate: 64},
		exitInstr(),
	)
	require.EqualValues(t, 0x7fffffff, mustExec(t, code, 0, 0))
}

func TestBE64SwapsAllEightBytes(t *testing.T) {
	code := asm(t,
		Instruction{Opcode: Opcode(OpBE), DstSrc: 0, Immediate: 64},
		exitInstr(),
	)
	instrs := lddw(0, 0x0102030405060708)
	instrs = append(instrs, Instruction{Opcode: Opcode(OpBE), DstSrc: 0, Immediate: 64}, exitInstr())
	code = asm(t, instrs...)
	require.EqualValues(t, 0x0807060504030201, mustExec(t, code, 0, 0))
}

func TestUnsignedDivisionOfNegativeBitPattern(t *testing.T) {
	// -1 as an unsigned 64-bit value divided by 2 should behave as an
	// enormous positive unsigned quotient, not a signed one: DIV/MOD are
	// always unsigned in this engine.
	instrs := lddw(0, 0xffffffffffffffff)
	instrs = append(instrs, alu64Imm(ALUDiv, 0, 2), exitInstr())
	code := asm(t, instrs...)
	require.EqualValues(t, uint64(0xffffffffffffffff)/2, mustExec(t, code, 0, 0))
}
