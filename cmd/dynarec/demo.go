package main

import "dynarec/pkg/isa"

// demoConstant holds the double the demo squares on every pass.
const demoConstant = 0x100

// demoProgram increments a table of 100 words at 0x2000, sums it, squares a
// float and starts over. It is position independent.
var demoProgram = []isa.Inst{
	isa.Li(3, 0),
	isa.Li(4, 100),
	isa.Mtctr(4),
	isa.Li(5, 0x2000),
	isa.Lwz(6, 0, 5), // loop
	isa.Addi(6, 6, 1),
	isa.Stw(6, 0, 5),
	isa.Add(3, 3, 6),
	isa.Addi(5, 5, 4),
	isa.Bdnz(-0x14),
	isa.Lfd(1, demoConstant, 0),
	isa.Fmul(2, 1, 1),
	isa.Stfd(2, demoConstant+8, 0),
	isa.B(-0x34),
}
