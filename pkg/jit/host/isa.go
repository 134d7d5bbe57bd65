// Package host defines the recompiler's target: a small register machine
// with a fixed 8-byte instruction encoding, an assembler that emits it into
// a byte buffer, and the Machine that executes it straight out of the code
// arena.
//
// Encoding, little endian:
//
//	byte 0    opcode
//	byte 1    rd
//	byte 2    ra
//	byte 3    rb
//	bytes 4-7 imm32
//
// Branch immediates are absolute byte offsets into the code arena, which
// makes every exit stub a single instruction that can be patched in place.
package host

import "encoding/binary"

// InstSize is the size of one host instruction.
const InstSize = 8

// Reg is a host register. Integer and float registers are separate banks
// of NumRegs each.
type Reg uint8

const NumRegs = 16

// Register roles. R0-R11 (and F0-F11) are handed out by the register cache;
// S0-S2 are scratch for a single guest instruction and carry helper call
// arguments.
const (
	NumAllocatable     = 12
	S0             Reg = 12
	S1             Reg = 13
	S2             Reg = 14
	Reserved       Reg = 15
)

// Op is a host opcode.
type Op uint8

const (
	Nop Op = iota

	MovI      // rd = imm
	Mov       // rd = ra
	LoadSlot  // rd = slots[imm]
	StoreSlot // slots[imm] = ra

	Add // rd = ra + rb
	Sub // rd = ra - rb
	Mul // rd = ra * rb
	And
	Or
	Xor
	Slw // rd = rb&32 ? 0 : ra << (rb&31)
	Srw
	AddI  // rd = ra + imm
	MulI  // rd = ra * imm
	AndI  // rd = ra & imm
	OrI   // rd = ra | imm
	XorI  // rd = ra ^ imm
	RotlI // rd = rotl(ra, imm&31)
	Neg   // rd = -ra

	// Cmp compares ra with rb and merges the four result bits into CR
	// field imm&7 of rd. imm bit 3 selects a signed compare. The summary
	// overflow bit is copied from the XER slot.
	Cmp
	// SetCR0 writes the signed compare of ra against zero into CR field 0
	// of rd.
	SetCR0
	// CRBit extracts condition register bit imm (0 is the MSB) of ra.
	CRBit

	// Memory. Address is ra + imm. On fault the destination is left
	// untouched, DSI is raised in the exception slot and DAR is set.
	Load8
	Load16
	Load16S
	Load32
	Store8 // mem[ra+imm] = rd
	Store16
	Store32

	// Float registers use the same fields as indices into the float bank.
	FLoadSlot  // fd = fpr[imm]
	FStoreSlot // fpr[imm] = fa
	FAdd
	FSub
	FMul
	FDiv
	FNeg
	FMov
	FLoad64  // fd = mem64[ra+imm]
	FStore64 // mem64[ra+imm] = fd

	// Control flow. imm is an absolute code offset.
	Jmp
	Link // Jmp into another block's checked entry
	Bz   // if ra == 0
	Bnz  // if ra != 0
	Blez // if int32(ra) <= 0
	// Bexc branches if the exception slot intersects the mask in rb.
	Bexc
	// Poll branches if the shared signal word is non-zero.
	Poll
	// Call invokes helper imm with S0/S1 as arguments; results in S0.
	Call
	// Profile bumps the run counter of block imm.
	Profile

	// Exits return to the dispatcher.
	Dispatch // exit to guest address imm; patched into Link
	ExitReg  // exit to guest address ra
	Exit     // exit of kind rd with guest address imm

	NumOps
)

var opNames = [NumOps]string{
	Nop: "nop", MovI: "movi", Mov: "mov", LoadSlot: "lds", StoreSlot: "sts",
	Add: "add", Sub: "sub", Mul: "mul", And: "and", Or: "or", Xor: "xor",
	Slw: "slw", Srw: "srw", AddI: "addi", MulI: "muli", AndI: "andi", OrI: "ori",
	XorI: "xori", RotlI: "rotli", Neg: "neg", Cmp: "cmp", SetCR0: "setcr0",
	CRBit: "crbit", Load8: "ld8", Load16: "ld16", Load16S: "ld16s", Load32: "ld32",
	Store8: "st8", Store16: "st16", Store32: "st32", FLoadSlot: "flds",
	FStoreSlot: "fsts", FAdd: "fadd", FSub: "fsub", FMul: "fmul", FDiv: "fdiv",
	FNeg: "fneg", FMov: "fmov", FLoad64: "fld64", FStore64: "fst64", Jmp: "jmp",
	Link: "link", Bz: "bz", Bnz: "bnz", Blez: "blez", Bexc: "bexc", Poll: "poll",
	Call: "call", Profile: "prof", Dispatch: "dispatch", ExitReg: "exitreg",
	Exit: "exit",
}

func (op Op) String() string {
	if op < NumOps {
		return opNames[op]
	}
	return "invalid"
}

// IsBranch reports whether the immediate of op is a code offset.
func (op Op) IsBranch() bool {
	switch op {
	case Jmp, Link, Bz, Bnz, Blez, Bexc, Poll:
		return true
	}
	return false
}

// Inst is one decoded host instruction.
type Inst struct {
	Op  Op
	Rd  Reg
	Ra  Reg
	Rb  Reg
	Imm uint32
}

// Encode writes i into dst, which must hold InstSize bytes.
func (i Inst) Encode(dst []byte) {
	dst[0] = byte(i.Op)
	dst[1] = byte(i.Rd)
	dst[2] = byte(i.Ra)
	dst[3] = byte(i.Rb)
	binary.LittleEndian.PutUint32(dst[4:8], i.Imm)
}

// Bytes returns the encoded form of i.
func (i Inst) Bytes() [InstSize]byte {
	var b [InstSize]byte
	i.Encode(b[:])
	return b
}

// DecodeInst reads one instruction from src.
func DecodeInst(src []byte) Inst {
	return Inst{
		Op:  Op(src[0]),
		Rd:  Reg(src[1]),
		Ra:  Reg(src[2]),
		Rb:  Reg(src[3]),
		Imm: binary.LittleEndian.Uint32(src[4:8]),
	}
}

// ExitKind tells the dispatcher why generated code returned.
type ExitKind uint8

const (
	// ExitDispatch continues at a guest address that had no linked block.
	ExitDispatch ExitKind = iota
	// ExitTiming is taken from a checked entry when the downcount ran out or
	// a cross-thread signal is pending. Target is the block start.
	ExitTiming
	// ExitException leaves with a precise exception raised by the
	// instruction at Target.
	ExitException
	// ExitInterpret asks the dispatcher to run the instruction at Target in
	// the interpreter (broken blocks).
	ExitInterpret
)

func (k ExitKind) String() string {
	switch k {
	case ExitDispatch:
		return "dispatch"
	case ExitTiming:
		return "timing"
	case ExitException:
		return "exception"
	case ExitInterpret:
		return "interpret"
	}
	return "unknown"
}
