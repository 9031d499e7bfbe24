package vm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNoDataVMAddition(t *testing.T) {
	code := asm(t,
		mov64Imm(0, 2),
		alu64Imm(ALUAdd, 0, 40),
		exitInstr(),
	)
	v, err := NewNoData(code)
	require.NoError(t, err)
	defer v.Close()

	ret, err := v.Exec()
	require.NoError(t, err)
	require.EqualValues(t, 42, ret)
}

func TestRawVMSeesRegionAsR1R2(t *testing.T) {
	code := asm(t, ldxReg(SizeH, 0, 1, 0), exitInstr())
	v, err := NewRaw(code)
	require.NoError(t, err)
	defer v.Close()

	buf := []byte{0x34, 0x12}
	ret, err := v.Exec(buf)
	require.NoError(t, err)
	require.EqualValues(t, 0x1234, ret)
}

func TestFixedMbuffStitchesPointerIntoOwnedBuffer(t *testing.T) {
	// R1 points at an 8-byte owned buffer whose only slot (offset 0) holds
	// the address of the caller's region; load that pointer back out of
	// the mbuff, then dereference it.
	code := asm(t,
		ldxReg(SizeDW, 2, 1, 0), // r2 = *(u64*)(r1+0), the region's address
		ldxReg(SizeH, 0, 2, 0),  // r0 = *(u16*)(r2+0)
		exitInstr(),
	)
	v, err := NewFixedMbuff(code, 8, []uint32{0})
	require.NoError(t, err)
	defer v.Close()

	region := []byte{0x78, 0x56}
	ret, err := v.Exec(region)
	require.NoError(t, err)
	require.EqualValues(t, 0x5678, ret)
}

func TestSetProgDropsPriorCompiledImage(t *testing.T) {
	first := asm(t, mov64Imm(0, 1), exitInstr())
	second := asm(t, mov64Imm(0, 2), exitInstr())

	v, err := NewNoData(first)
	require.NoError(t, err)
	defer v.Close()

	require.NoError(t, v.JITCompile())
	require.NoError(t, v.SetProg(second))

	_, err = v.ExecJIT()
	require.Error(t, err)
	jerr, ok := err.(*JitError)
	require.True(t, ok)
	require.Equal(t, JitNotCompiled, jerr.Kind)
}

func TestJITMatchesInterpreterForArithmetic(t *testing.T) {
	code := asm(t,
		mov64Imm(0, 6),
		alu64Imm(ALUMul, 0, 7),
		alu64Imm(ALUSub, 0, 2),
		exitInstr(),
	)
	v, err := NewNoData(code)
	require.NoError(t, err)
	defer v.Close()

	want, err := v.Exec()
	require.NoError(t, err)

	require.NoError(t, v.JITCompile())
	got, err := v.ExecJIT()
	require.NoError(t, err)

	require.Equal(t, want, got)
}

func TestJITDivByZeroRegisterDivergesFromInterpreter(t *testing.T) {
	code := asm(t,
		mov64Imm(0, 10),
		mov64Imm(1, 0),
		alu64Reg(ALUDiv, 0, 1),
		exitInstr(),
	)
	v, err := NewNoData(code)
	require.NoError(t, err)
	defer v.Close()

	_, err = v.Exec()
	require.Error(t, err)

	require.NoError(t, v.JITCompile())
	got, err := v.ExecJIT()
	require.NoError(t, err)
	require.Equal(t, ^uint64(0), got)
}

func TestJITCallsRegisteredHelper(t *testing.T) {
	code := asm(t,
		mov64Imm(1, 7),
		callInstr(1),
		exitInstr(),
	)
	v, err := NewNoData(code)
	require.NoError(t, err)
	defer v.Close()

	v.RegisterHelper(1, func(r1, r2, r3, r4, r5 uint64) uint64 { return r1 * 6 })
	require.NoError(t, v.JITCompile())

	got, err := v.ExecJIT()
	require.NoError(t, err)
	require.EqualValues(t, 42, got)
}

func TestJITUnknownHelperReturnsSentinel(t *testing.T) {
	code := asm(t, callInstr(404), exitInstr())
	v, err := NewNoData(code)
	require.NoError(t, err)
	defer v.Close()

	require.NoError(t, v.JITCompile())
	got, err := v.ExecJIT()
	require.NoError(t, err)
	require.Equal(t, ^uint64(0), got)
}
