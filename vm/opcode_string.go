package vm

import "strconv"

// String renders an OpCode's constant name for disassembly, e.g. in
// Chunk.Disassemble. Kept as a plain switch (rather than the index-table
// shape `stringer` would emit) since OpCode grows across SPEC_FULL.md's
// module-system addition; regenerate with `go generate ./...` if it
// drifts from the const block in chunk.go.
func (i OpCode) String() string {
	switch i {
	case OpReturn:
		return "OpReturn"
	case OpConst:
		return "OpConst"
	case OpNil:
		return "OpNil"
	case OpTrue:
		return "OpTrue"
	case OpFalse:
		return "OpFalse"
	case OpPop:
		return "OpPop"
	case OpGetLocal:
		return "OpGetLocal"
	case OpSetLocal:
		return "OpSetLocal"
	case OpGetGlobal:
		return "OpGetGlobal"
	case OpDefGlobal:
		return "OpDefGlobal"
	case OpSetGlobal:
		return "OpSetGlobal"
	case OpGetUpvalue:
		return "OpGetUpvalue"
	case OpSetUpvalue:
		return "OpSetUpvalue"
	case OpGetProperty:
		return "OpGetProperty"
	case OpSetProperty:
		return "OpSetProperty"
	case OpGetSuper:
		return "OpGetSuper"
	case OpEqual:
		return "OpEqual"
	case OpGreater:
		return "OpGreater"
	case OpLess:
		return "OpLess"
	case OpAdd:
		return "OpAdd"
	case OpSub:
		return "OpSub"
	case OpMul:
		return "OpMul"
	case OpDiv:
		return "OpDiv"
	case OpMod:
		return "OpMod"
	case OpPow:
		return "OpPow"
	case OpPointRight:
		return "OpPointRight"
	case OpPointLeft:
		return "OpPointLeft"
	case OpNot:
		return "OpNot"
	case OpNeg:
		return "OpNeg"
	case OpPrint:
		return "OpPrint"
	case OpJump:
		return "OpJump"
	case OpJumpUnless:
		return "OpJumpUnless"
	case OpLoop:
		return "OpLoop"
	case OpCall:
		return "OpCall"
	case OpInvoke:
		return "OpInvoke"
	case OpSuperInvoke:
		return "OpSuperInvoke"
	case OpClosure:
		return "OpClosure"
	case OpCloseUpvalue:
		return "OpCloseUpvalue"
	case OpClass:
		return "OpClass"
	case OpInherit:
		return "OpInherit"
	case OpMethod:
		return "OpMethod"
	case OpType:
		return "OpType"
	case OpInclude:
		return "OpInclude"
	case OpExport:
		return "OpExport"
	default:
		return "OpCode(" + strconv.Itoa(int(i)) + ")"
	}
}
