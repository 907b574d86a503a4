package vm

import "fmt"

//go:generate stringer -type=OpCode
type OpCode byte

const (
	OpReturn OpCode = iota
	OpConst
	OpNil
	OpTrue
	OpFalse
	OpPop
	OpGetLocal
	OpSetLocal
	OpGetGlobal
	OpDefGlobal
	OpSetGlobal
	OpGetUpvalue
	OpSetUpvalue
	OpGetProperty
	OpSetProperty
	OpGetSuper
	OpEqual
	OpGreater
	OpLess
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpPow
	OpPointRight
	OpPointLeft
	OpNot
	OpNeg
	OpPrint
	OpJump
	OpJumpUnless
	OpLoop
	OpCall
	OpInvoke
	OpSuperInvoke
	OpClosure
	OpCloseUpvalue
	OpClass
	OpInherit
	OpMethod
	OpType
	// OpInclude and OpExport are not in the teacher's clox-derived opcode
	// set; they back the redesigned module system (SPEC_FULL.md §4).
	OpInclude
	OpExport
)

// Chunk is the compiled form of one function body: an appendable byte
// vector of instructions, a parallel per-byte line-number vector, and a
// constant pool. Invariant: len(code) == len(lines).
type Chunk struct {
	code   []byte
	lines  []int
	consts []Value
}

func NewChunk() *Chunk { return &Chunk{} }

func (c *Chunk) Write(b byte, line int) {
	c.code = append(c.code, b)
	c.lines = append(c.lines, line)
}

func (c *Chunk) AddConst(const_ Value) (idx int) {
	idx = len(c.consts)
	c.consts = append(c.consts, const_)
	return
}

// DisassembleInst renders one instruction at offset, returning the offset
// of the instruction that follows (operand widths vary by opcode: a
// constant-pool byte, a 16-bit jump distance, a CALL/argc byte pair, or a
// CLOSURE followed by 2*upvalueCount descriptor bytes).
func (c *Chunk) DisassembleInst(offset int) (res string, newOffset int) {
	sprintf := func(format string, a ...any) { res += fmt.Sprintf(format, a...) }

	sprintf("%04d ", offset)
	if offset > 0 && c.lines[offset] == c.lines[offset-1] {
		sprintf("   | ")
	} else {
		sprintf("%4d ", c.lines[offset])
	}

	switch inst := OpCode(c.code[offset]); inst {
	case OpConst, OpGetLocal, OpSetLocal, OpGetGlobal, OpDefGlobal, OpSetGlobal,
		OpGetUpvalue, OpSetUpvalue, OpGetProperty, OpSetProperty, OpGetSuper,
		OpClass, OpMethod, OpInclude, OpExport:
		// OpType is deliberately excluded here: it's a bare, operand-less
		// marker (falls into the nullary default case below).
		const_ := c.code[offset+1]
		sprintf("%-16s %4d '%s'", inst, const_, c.consts[const_])
		return res, offset + 2

	case OpCall:
		sprintf("%-16s %4d", inst, c.code[offset+1])
		return res, offset + 2

	case OpInvoke, OpSuperInvoke:
		const_, argc := c.code[offset+1], c.code[offset+2]
		sprintf("%-16s (%d args) %4d '%s'", inst, argc, const_, c.consts[const_])
		return res, offset + 3

	case OpJump, OpJumpUnless:
		dist := int(c.code[offset+1])<<8 | int(c.code[offset+2])
		sprintf("%-16s %4d -> %d", inst, offset, offset+3+dist)
		return res, offset + 3

	case OpLoop:
		dist := int(c.code[offset+1])<<8 | int(c.code[offset+2])
		sprintf("%-16s %4d -> %d", inst, offset, offset+3-dist)
		return res, offset + 3

	case OpClosure:
		const_ := c.code[offset+1]
		sprintf("%-16s %4d '%s'", inst, const_, c.consts[const_])
		newOffset = offset + 2
		if fn, ok := c.consts[const_].(*ObjFunction); ok {
			for i := 0; i < fn.UpvalueCount; i++ {
				isLocal, index := c.code[newOffset], c.code[newOffset+1]
				kind := "upvalue"
				if isLocal != 0 {
					kind = "local"
				}
				sprintf("\n%04d      |                     %s %d", newOffset, kind, index)
				newOffset += 2
			}
		}
		return res, newOffset

	default: // Nullary operators.
		sprintf("%s", inst)
		return res, offset + 1
	}
}

func (c *Chunk) Disassemble(name string) (res string) {
	res = fmt.Sprintf("== %s ==\n", name)
	for i := 0; i < len(c.code); {
		var delta string
		delta, i = c.DisassembleInst(i)
		res += delta + "\n"
	}
	return res
}
