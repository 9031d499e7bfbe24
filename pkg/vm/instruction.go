package vm

import (
	"encoding/binary"
	"fmt"
)

// InstructionSize is the width, in bytes, of a single eBPF instruction slot.
// LDDW is the only instruction that spans two slots.
const InstructionSize = 8

// Instruction is a single decoded 8-byte eBPF instruction slot.
//
// The wire format is always little-endian, regardless of host byte order:
// opcode (1 byte), dst register (low nibble of byte 1), src register (high
// nibble of byte 1), a signed 16-bit offset, and a signed 32-bit immediate.
type Instruction struct {
	Opcode    Opcode
	DstSrc    uint8
	Offset    int16
	Immediate int32
}

// Dst returns the destination register field.
func (i Instruction) Dst() uint8 {
	return i.DstSrc & 0x0f
}

// Src returns the source register field.
func (i Instruction) Src() uint8 {
	return i.DstSrc >> 4
}

// DecodeInstruction decodes a single 8-byte slot. It performs no validation
// beyond requiring enough bytes; use Verify to check well-formedness.
func DecodeInstruction(buf []byte) (Instruction, error) {
	if len(buf) < InstructionSize {
		return Instruction{}, fmt.Errorf("vm: short instruction buffer (%d bytes)", len(buf))
	}
	return Instruction{
		Opcode:    Opcode(buf[0]),
		DstSrc:    buf[1],
		Offset:    int16(binary.LittleEndian.Uint16(buf[2:4])),
		Immediate: int32(binary.LittleEndian.Uint32(buf[4:8])),
	}, nil
}

// Encode serializes the instruction back to its 8-byte wire format.
func (i Instruction) Encode() [InstructionSize]byte {
	var buf [InstructionSize]byte
	buf[0] = uint8(i.Opcode)
	buf[1] = i.DstSrc
	binary.LittleEndian.PutUint16(buf[2:4], uint16(i.Offset))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(i.Immediate))
	return buf
}

func (i Instruction) String() string {
	return fmt.Sprintf("opcode: %#02x, dst: r%d, src: r%d, offset: %d, imm: %d",
		uint8(i.Opcode), i.Dst(), i.Src(), i.Offset, i.Immediate)
}

// Program is a decoded eBPF bytecode image: one Instruction per 8-byte
// slot, including the (still-decoded) second half of any LDDW.
type Program struct {
	Instructions []Instruction
	raw          []byte
}

// DecodeProgram splits bytecode into 8-byte instruction slots. It does not
// validate the result; call Verify for that.
func DecodeProgram(bytecode []byte) (*Program, error) {
	if len(bytecode)%InstructionSize != 0 {
		return nil, &VerifierError{Reason: ReasonBadLength, PC: -1}
	}
	n := len(bytecode) / InstructionSize
	instrs := make([]Instruction, n)
	for i := 0; i < n; i++ {
		instr, err := DecodeInstruction(bytecode[i*InstructionSize : (i+1)*InstructionSize])
		if err != nil {
			return nil, err
		}
		instrs[i] = instr
	}
	return &Program{Instructions: instrs, raw: bytecode}, nil
}

// Len returns the number of 8-byte instruction slots.
func (p *Program) Len() int {
	return len(p.Instructions)
}

// ImmediateU64 combines an LDDW's own 32-bit immediate with the 32-bit
// immediate carried by its second slot into the full 64-bit value. Callers
// must ensure pc+1 is in range; Verify guarantees this for verified programs.
func (p *Program) ImmediateU64(pc int) uint64 {
	lo := uint32(p.Instructions[pc].Immediate)
	hi := uint32(p.Instructions[pc+1].Immediate)
	return uint64(hi)<<32 | uint64(lo)
}
