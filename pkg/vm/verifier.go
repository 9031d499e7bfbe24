package vm

// Verify runs the static well-formedness pass. It is deliberately weak: it
// rejects obviously broken programs (bad lengths, unknown opcodes,
// out-of-range registers or branches, literal-zero divisors, out-of-range
// shifts, a missing terminal EXIT, malformed LDDW pairing, and writes to
// R10) but performs no type-state, pointer, or loop-freedom analysis.
// Verify is called once, from the New* constructors and SetProg; runtime conditions (a
// runtime-zero divisor, an unregistered helper) are not and cannot be
// verifier concerns.
func Verify(bytecode []byte) error {
	if len(bytecode) == 0 {
		return &VerifierError{Reason: ReasonEmpty, PC: -1}
	}
	if len(bytecode)%InstructionSize != 0 {
		return &VerifierError{Reason: ReasonBadLength, PC: -1}
	}

	prog, err := DecodeProgram(bytecode)
	if err != nil {
		return err
	}
	n := prog.Len()

	for pc := 0; pc < n; pc++ {
		instr := prog.Instructions[pc]

		if uint8(instr.Opcode) == OpLDDW {
			if pc+1 >= n {
				return &VerifierError{Reason: ReasonBadLddw, PC: pc}
			}
			second := prog.Instructions[pc+1]
			if second.Opcode != 0 || second.DstSrc != 0 || second.Offset != 0 {
				return &VerifierError{Reason: ReasonBadLddw, PC: pc}
			}
			if err := checkRegisters(instr, pc); err != nil {
				return err
			}
			if instr.Dst() == 10 {
				return &VerifierError{Reason: ReasonWriteR10, PC: pc}
			}
			pc++ // consume the second slot
			continue
		}

		if !instr.Opcode.IsKnown() {
			return &VerifierError{Reason: ReasonUnknownOpcode, PC: pc}
		}

		if err := checkRegisters(instr, pc); err != nil {
			return err
		}

		if instr.Dst() == 10 && writesReg(instr) {
			return &VerifierError{Reason: ReasonWriteR10, PC: pc}
		}

		switch instr.Opcode.Class() {
		case ClassJMP:
			if err := checkJump(prog, instr, pc); err != nil {
				return err
			}
		case ClassALU, ClassALU64:
			if err := checkALU(instr, pc); err != nil {
				return err
			}
		}
	}

	last := prog.Instructions[n-1]
	if last.Opcode.Class() != ClassJMP || last.Opcode.JumpOp() != JumpEXIT {
		return &VerifierError{Reason: ReasonMissingExit, PC: n - 1}
	}

	return nil
}

func checkRegisters(instr Instruction, pc int) error {
	if instr.Dst() > 10 || instr.Src() > 10 {
		return &VerifierError{Reason: ReasonBadRegister, PC: pc}
	}
	return nil
}

// writesReg reports whether instr's Dst field names a register the
// instruction actually writes. Loads, ALU ops, and MOV all write Dst;
// stores address Dst but write through it rather than to it.
func writesReg(instr Instruction) bool {
	switch instr.Opcode.Class() {
	case ClassLD, ClassLDX, ClassALU, ClassALU64:
		return true
	}
	return false
}

func checkJump(prog *Program, instr Instruction, pc int) error {
	op := instr.Opcode.JumpOp()
	if op == JumpCALL || op == JumpEXIT {
		return nil
	}
	target := pc + int(instr.Offset) + 1
	if target < 0 || target >= prog.Len() {
		return &VerifierError{Reason: ReasonBadBranchTarget, PC: pc}
	}
	// A branch may not land between the two halves of an LDDW: walk from
	// the start looking for any LDDW whose second slot equals target.
	for i := 0; i < prog.Len(); i++ {
		if uint8(prog.Instructions[i].Opcode) == OpLDDW {
			if target == i+1 {
				return &VerifierError{Reason: ReasonBadBranchTarget, PC: pc}
			}
			i++
		}
	}
	return nil
}

func checkALU(instr Instruction, pc int) error {
	aluOp := instr.Opcode.ALUOp()
	imm64 := instr.Opcode.Class() == ClassALU64

	switch aluOp {
	case ALUDiv, ALUMod:
		if instr.Opcode.Source() == SrcImm && instr.Immediate == 0 {
			return &VerifierError{Reason: ReasonDivByZeroImm, PC: pc}
		}
	case ALULsh, ALURsh, ALUArsh:
		if instr.Opcode.Source() == SrcImm {
			max := int32(31)
			if imm64 {
				max = 63
			}
			if instr.Immediate < 0 || instr.Immediate > max {
				return &VerifierError{Reason: ReasonBadShift, PC: pc}
			}
		}
	case ALUEnd:
		switch instr.Immediate {
		case 16, 32, 64:
		default:
			return &VerifierError{Reason: ReasonBadShift, PC: pc}
		}
	}
	return nil
}
