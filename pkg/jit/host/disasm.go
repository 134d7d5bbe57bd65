package host

import (
	"fmt"
	"strings"
)

func (i Inst) String() string {
	switch i.Op {
	case Nop:
		return "nop"
	case MovI:
		return fmt.Sprintf("movi r%d, 0x%x", i.Rd, i.Imm)
	case Mov, Neg:
		return fmt.Sprintf("%s r%d, r%d", i.Op, i.Rd, i.Ra)
	case LoadSlot:
		return fmt.Sprintf("lds r%d, [%d]", i.Rd, i.Imm)
	case StoreSlot:
		return fmt.Sprintf("sts [%d], r%d", i.Imm, i.Ra)
	case Add, Sub, Mul, And, Or, Xor, Slw, Srw:
		return fmt.Sprintf("%s r%d, r%d, r%d", i.Op, i.Rd, i.Ra, i.Rb)
	case AddI, MulI, AndI, OrI, XorI, RotlI:
		return fmt.Sprintf("%s r%d, r%d, 0x%x", i.Op, i.Rd, i.Ra, i.Imm)
	case Cmp:
		sign := "u"
		if i.Imm&8 != 0 {
			sign = "s"
		}
		return fmt.Sprintf("cmp%s r%d.cr%d, r%d, r%d", sign, i.Rd, i.Imm&7, i.Ra, i.Rb)
	case SetCR0:
		return fmt.Sprintf("setcr0 r%d, r%d", i.Rd, i.Ra)
	case CRBit:
		return fmt.Sprintf("crbit r%d, r%d, %d", i.Rd, i.Ra, i.Imm)
	case Load8, Load16, Load16S, Load32:
		return fmt.Sprintf("%s r%d, 0x%x(r%d)", i.Op, i.Rd, i.Imm, i.Ra)
	case Store8, Store16, Store32:
		return fmt.Sprintf("%s r%d, 0x%x(r%d)", i.Op, i.Rd, i.Imm, i.Ra)
	case FLoadSlot:
		return fmt.Sprintf("flds f%d, [f%d]", i.Rd, i.Imm)
	case FStoreSlot:
		return fmt.Sprintf("fsts [f%d], f%d", i.Imm, i.Ra)
	case FAdd, FSub, FMul, FDiv:
		return fmt.Sprintf("%s f%d, f%d, f%d", i.Op, i.Rd, i.Ra, i.Rb)
	case FNeg, FMov:
		return fmt.Sprintf("%s f%d, f%d", i.Op, i.Rd, i.Ra)
	case FLoad64, FStore64:
		return fmt.Sprintf("%s f%d, 0x%x(r%d)", i.Op, i.Rd, i.Imm, i.Ra)
	case Jmp, Link, Poll:
		return fmt.Sprintf("%s @%06x", i.Op, i.Imm)
	case Bz, Bnz, Blez:
		return fmt.Sprintf("%s r%d, @%06x", i.Op, i.Ra, i.Imm)
	case Bexc:
		return fmt.Sprintf("bexc 0x%02x, @%06x", uint8(i.Rb), i.Imm)
	case Call, Profile:
		return fmt.Sprintf("%s %d", i.Op, i.Imm)
	case Dispatch:
		return fmt.Sprintf("dispatch 0x%08x", i.Imm)
	case ExitReg:
		return fmt.Sprintf("exitreg r%d", i.Ra)
	case Exit:
		return fmt.Sprintf("exit %s, 0x%08x", ExitKind(i.Rd), i.Imm)
	}
	return fmt.Sprintf(".word %02x%02x%02x%02x %08x", byte(i.Op), byte(i.Rd), byte(i.Ra), byte(i.Rb), i.Imm)
}

// Disassemble renders code that lives at arena offset base, one line per
// instruction.
func Disassemble(code []byte, base uint32) string {
	var sb strings.Builder
	for off := 0; off+InstSize <= len(code); off += InstSize {
		fmt.Fprintf(&sb, "%06x  %s\n", base+uint32(off), DecodeInst(code[off:]))
	}
	return sb.String()
}
