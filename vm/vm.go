package vm

import (
	"fmt"
	"strings"

	"github.com/dolthub/swiss"
	"github.com/geccolang/gecco/debug"
	e "github.com/geccolang/gecco/errors"
	"github.com/sirupsen/logrus"
)

const (
	framesMax = 64
	stackMax  = framesMax * 256
)

// CallFrame is one activation record: the closure being run, its
// instruction pointer, and the base slot its locals/arguments start at
// in the VM's shared stack.
type CallFrame struct {
	closure   *ObjClosure
	ip        int
	slotsBase int
}

// VM is a single-threaded bytecode interpreter. stack and frames are
// preallocated to their maximum capacity and never reallocated past it,
// so an ObjUpvalue's StackSlot index stays valid for as long as the
// frame that owns it is live — see value.go's ObjUpvalue doc comment.
type VM struct {
	frames []CallFrame
	stack  []Value

	globals *swiss.Map[string, Value]
	modules *swiss.Map[string, *ObjModule]
	// openUpvalues is a singly linked list of not-yet-closed upvalues,
	// ordered by descending StackSlot, so closeUpvalues can walk it and
	// stop as soon as it passes the requested slot.
	openUpvalues *ObjUpvalue

	importer Importer
	// exports, when non-nil, is the module currently being run by an
	// `include`d source's own top-level code; OP_EXPORT copies the named
	// global's current value from vm.globals into it. See module.go.
	exports *ObjModule
}

func NewVM() *VM {
	return &VM{
		stack:    make([]Value, 0, stackMax),
		frames:   make([]CallFrame, 0, framesMax),
		globals:  swiss.NewMap[string, Value](64),
		modules:  swiss.NewMap[string, *ObjModule](8),
		importer: FileImporter{},
	}
}

// SetImporter overrides how `include` statements resolve a path to
// source text; tests substitute a MapImporter to avoid touching disk.
func (vm *VM) SetImporter(imp Importer) { vm.importer = imp }

func (vm *VM) resetStack() {
	vm.stack = vm.stack[:0]
	vm.frames = vm.frames[:0]
	vm.openUpvalues = nil
}

// push is the one place a Value enters vm.stack. The capacity check is
// unconditional, not debug.Assertf-gated: vm.stack is preallocated to
// stackMax and must never reallocate its backing array, or every open
// ObjUpvalue.StackSlot index silently starts pointing at stale memory.
func (vm *VM) push(v Value) {
	if len(vm.stack) == cap(vm.stack) {
		panic("gecco: value stack overflow")
	}
	vm.stack = append(vm.stack, v)
}

func (vm *VM) pop() Value {
	v := vm.stack[len(vm.stack)-1]
	vm.stack = vm.stack[:len(vm.stack)-1]
	return v
}

func (vm *VM) peek(distance int) Value { return vm.stack[len(vm.stack)-1-distance] }

// Interpret compiles and runs source. isREPL enables the dual-compile
// fallback a REPL needs: if source fails to compile as a sequence of
// declarations, it is recompiled as a single bare expression so a line
// like `1 + 1` echoes `2` instead of requiring a trailing `print`.
func (vm *VM) Interpret(source string, isREPL bool) (Value, error) {
	parser := NewParser()
	fn, err := parser.Compile(source, nil)
	if err != nil {
		if !isREPL {
			return NewValue(), err
		}
		asExpr, exprErr := NewParser().CompileExpr(source)
		if exprErr != nil {
			return NewValue(), fmt.Errorf("%w\n(as a bare expression: %s)", err, exprErr)
		}
		fn = asExpr
	}

	vm.resetStack()
	closure := NewObjClosure(fn)
	vm.push(closure)
	if err := vm.call(closure, 0); err != nil {
		return NewValue(), err
	}
	return vm.run(0)
}

// runtimeError reports a failure at the currently executing frame's
// line, unwinds the call stack top-down into the error message
// clox-style, then resets the VM for the next Interpret call.
func (vm *VM) runtimeError(format string, a ...any) (Value, error) {
	reason := fmt.Sprintf(format, a...)
	line := 0
	if len(vm.frames) > 0 {
		top := vm.frames[len(vm.frames)-1]
		line = top.closure.Function.Chunk.lines[top.ip-1]
	}

	var trace strings.Builder
	for i := len(vm.frames) - 1; i >= 0; i-- {
		f := vm.frames[i]
		fn := f.closure.Function
		at := fn.Chunk.lines[f.ip-1]
		name := "script"
		if fn.Name != nil {
			name = *fn.Name + "()"
		}
		fmt.Fprintf(&trace, "\n[line %d] in %s", at, name)
	}

	err := &e.RuntimeError{Line: line, Reason: reason + trace.String()}
	vm.resetStack()
	return NewValue(), err
}

// run executes bytecode starting at the current top frame until the
// frame stack unwinds back down to floor frames deep. floor is 0 for a
// top-level Interpret call; include() passes the frame depth it had
// before pushing the module's frame, so a nested run returns control
// to its caller instead of mistaking the caller's own frames for its
// own and running them a second time.
func (vm *VM) run(floor int) (Value, error) {
	frame := &vm.frames[len(vm.frames)-1]
	chunk := func() *Chunk { return frame.closure.Function.Chunk }

	readByte := func() byte {
		b := chunk().code[frame.ip]
		frame.ip++
		return b
	}
	readShort := func() int {
		hi, lo := readByte(), readByte()
		return int(hi)<<8 | int(lo)
	}
	readConst := func() Value { return chunk().consts[readByte()] }
	readString := func() *ObjString { return readConst().(*ObjString) }

	binNumOp := func(op func(Value, Value) (Value, bool), opName string) (Value, error, bool) {
		w, v := vm.pop(), vm.peek(0)
		res, ok := op(v, w)
		if !ok {
			val, err := vm.runtimeError("operands of '%s' must be numbers", opName)
			return val, err, false
		}
		vm.stack[len(vm.stack)-1] = res
		return nil, nil, true
	}

	for {
		if debug.DEBUG {
			inst, _ := chunk().DisassembleInst(frame.ip)
			logrus.Debugln(inst)
		}

		switch inst := OpCode(readByte()); inst {
		case OpConst:
			vm.push(readConst())
		case OpNil:
			vm.push(VNil{})
		case OpTrue:
			vm.push(VBool(true))
		case OpFalse:
			vm.push(VBool(false))
		case OpPop:
			vm.pop()

		case OpGetLocal:
			vm.push(vm.stack[frame.slotsBase+int(readByte())])
		case OpSetLocal:
			vm.stack[frame.slotsBase+int(readByte())] = vm.peek(0)

		case OpGetGlobal:
			name := readString()
			val, ok := vm.globals.Get(name.Chars)
			if !ok {
				return vm.runtimeError("undefined variable '%s'", name.Chars)
			}
			vm.push(val)
		case OpDefGlobal:
			name := readString()
			vm.globals.Put(name.Chars, vm.pop())
		case OpSetGlobal:
			name := readString()
			if _, ok := vm.globals.Get(name.Chars); !ok {
				return vm.runtimeError("undefined variable '%s'", name.Chars)
			}
			vm.globals.Put(name.Chars, vm.peek(0))

		case OpGetUpvalue:
			uv := frame.closure.Upvalues[readByte()]
			vm.push(vm.upvalueValue(uv))
		case OpSetUpvalue:
			uv := frame.closure.Upvalues[readByte()]
			vm.setUpvalueValue(uv, vm.peek(0))

		case OpGetProperty:
			receiver, ok := vm.peek(0).(*ObjInstance)
			if !ok {
				return vm.runtimeError("only instances have properties")
			}
			name := readString()
			if val, ok := receiver.Fields.Get(name.Chars); ok {
				vm.pop()
				vm.push(val)
				break
			}
			if !vm.bindMethod(receiver.Class, name.Chars) {
				return vm.runtimeError("undefined property '%s'", name.Chars)
			}

		case OpSetProperty:
			inst, ok := vm.peek(1).(*ObjInstance)
			if !ok {
				return vm.runtimeError("only instances have fields")
			}
			name := readString()
			inst.Fields.Put(name.Chars, vm.peek(0))
			val := vm.pop()
			vm.pop()
			vm.push(val)

		case OpGetSuper:
			name := readString()
			superclass := vm.pop().(*ObjClass)
			if !vm.bindMethod(superclass, name.Chars) {
				return vm.runtimeError("undefined property '%s'", name.Chars)
			}

		case OpEqual:
			w, v := vm.pop(), vm.pop()
			vm.push(VEq(v, w))
		case OpGreater:
			if val, err, ok := binNumOp(VGreater, ">"); !ok {
				return val, err
			}
		case OpLess:
			if val, err, ok := binNumOp(VLess, "<"); !ok {
				return val, err
			}
		case OpAdd:
			w, v := vm.pop(), vm.peek(0)
			res, ok := VAdd(v, w)
			if !ok {
				return vm.runtimeError("operands of '+' must both be numbers or both be strings")
			}
			vm.stack[len(vm.stack)-1] = res
		case OpSub:
			if val, err, ok := binNumOp(VSub, "-"); !ok {
				return val, err
			}
		case OpMul:
			if val, err, ok := binNumOp(VMul, "*"); !ok {
				return val, err
			}
		case OpDiv:
			if val, err, ok := binNumOp(VDiv, "/"); !ok {
				return val, err
			}
		case OpMod:
			if val, err, ok := binNumOp(VMod, "%"); !ok {
				return val, err
			}
		case OpPow:
			if val, err, ok := binNumOp(VPow, "^"); !ok {
				return val, err
			}

		case OpPointRight:
			// `a -> b` calls b(a): the pipeline feeds its LHS into its RHS.
			callee, arg := vm.pop(), vm.pop()
			vm.push(callee)
			vm.push(arg)
			if err := vm.callValue(callee, 1); err != nil {
				return vm.runtimeError("%s", err)
			}
			frame = &vm.frames[len(vm.frames)-1]
		case OpPointLeft:
			// `a <- b` calls a(b): the mirror image of '->'.
			arg, callee := vm.pop(), vm.pop()
			vm.push(callee)
			vm.push(arg)
			if err := vm.callValue(callee, 1); err != nil {
				return vm.runtimeError("%s", err)
			}
			frame = &vm.frames[len(vm.frames)-1]

		case OpNot:
			vm.push(!VTruthy(vm.pop()))
		case OpNeg:
			res, ok := VNeg(vm.peek(0))
			if !ok {
				return vm.runtimeError("operand of unary '-' must be a number")
			}
			vm.stack[len(vm.stack)-1] = res

		case OpPrint:
			fmt.Println(vm.pop())

		case OpJump:
			frame.ip += readShort()
		case OpJumpUnless:
			dist := readShort()
			if !bool(VTruthy(vm.peek(0))) {
				frame.ip += dist
			}
		case OpLoop:
			frame.ip -= readShort()

		case OpCall:
			argc := int(readByte())
			if err := vm.callValue(vm.peek(argc), argc); err != nil {
				return vm.runtimeError("%s", err)
			}
			frame = &vm.frames[len(vm.frames)-1]

		case OpInvoke:
			name, argc := readString(), int(readByte())
			if err := vm.invoke(name.Chars, argc); err != nil {
				return vm.runtimeError("%s", err)
			}
			frame = &vm.frames[len(vm.frames)-1]

		case OpSuperInvoke:
			name, argc := readString(), int(readByte())
			superclass := vm.pop().(*ObjClass)
			if err := vm.invokeFromClass(superclass, name.Chars, argc); err != nil {
				return vm.runtimeError("%s", err)
			}
			frame = &vm.frames[len(vm.frames)-1]

		case OpClosure:
			fn := readConst().(*ObjFunction)
			closure := NewObjClosure(fn)
			for i := 0; i < fn.UpvalueCount; i++ {
				isLocal, index := readByte(), readByte()
				if isLocal != 0 {
					closure.Upvalues[i] = vm.captureUpvalue(frame.slotsBase + int(index))
				} else {
					closure.Upvalues[i] = frame.closure.Upvalues[index]
				}
			}
			vm.push(closure)

		case OpCloseUpvalue:
			vm.closeUpvalues(len(vm.stack) - 1)
			vm.pop()

		case OpReturn:
			result := vm.pop()
			vm.closeUpvalues(frame.slotsBase)
			vm.frames = vm.frames[:len(vm.frames)-1]
			vm.stack = vm.stack[:frame.slotsBase]
			if len(vm.frames) == floor {
				return result, nil
			}
			vm.push(result)
			frame = &vm.frames[len(vm.frames)-1]

		case OpClass:
			vm.push(NewObjClass(readString().Chars))

		case OpInherit:
			superclass, ok := vm.peek(1).(*ObjClass)
			if !ok {
				return vm.runtimeError("superclass must be a class")
			}
			subclass := vm.peek(0).(*ObjClass)
			superclass.Methods.Iter(func(name string, method Value) (stop bool) {
				subclass.Methods.Put(name, method)
				return false
			})
			vm.pop() // Subclass: the copy pushed for the inherit check only.

		case OpMethod:
			name := readString()
			method := vm.pop().(*ObjClosure)
			class := vm.peek(0).(*ObjClass)
			class.Methods.Put(name.Chars, method)

		case OpType:
			// Type annotations are load-bearing only at parse time; the
			// marker carries no operand and has no runtime stack effect.

		case OpInclude:
			path := readString().Chars
			if err := vm.include(path); err != nil {
				return vm.runtimeError("%s", err)
			}

		case OpExport:
			name := readString()
			if vm.exports != nil {
				val, _ := vm.globals.Get(name.Chars)
				vm.exports.Exports.Put(name.Chars, val)
			}

		default:
			return vm.runtimeError("unknown opcode %d", inst)
		}
	}
}

/* Calls, methods, and closures */

func (vm *VM) callValue(callee Value, argc int) error {
	switch callee := callee.(type) {
	case *ObjClosure:
		return vm.call(callee, argc)
	case *ObjBoundMethod:
		vm.stack[len(vm.stack)-1-argc] = callee.Receiver
		return vm.call(callee.Method, argc)
	case *ObjClass:
		vm.stack[len(vm.stack)-1-argc] = NewObjInstance(callee)
		if init, ok := callee.Methods.Get("init"); ok {
			return vm.call(init.(*ObjClosure), argc)
		}
		if argc != 0 {
			return fmt.Errorf("expected 0 arguments but got %d", argc)
		}
		return nil
	default:
		return fmt.Errorf("can only call functions and classes")
	}
}

func (vm *VM) call(closure *ObjClosure, argc int) error {
	if argc != closure.Function.Arity {
		return fmt.Errorf("expected %d arguments but got %d", closure.Function.Arity, argc)
	}
	if len(vm.frames) >= framesMax {
		return fmt.Errorf("stack overflow")
	}
	vm.frames = append(vm.frames, CallFrame{
		closure:   closure,
		slotsBase: len(vm.stack) - argc - 1,
	})
	return nil
}

func (vm *VM) invoke(name string, argc int) error {
	receiver, ok := vm.peek(argc).(*ObjInstance)
	if !ok {
		return fmt.Errorf("only instances have methods")
	}

	// The field-holds-a-callable shortcut: `obj.field(...)` where field
	// was set to a plain function value, not a true bound method.
	if val, ok := receiver.Fields.Get(name); ok {
		vm.stack[len(vm.stack)-1-argc] = val
		return vm.callValue(val, argc)
	}

	return vm.invokeFromClass(receiver.Class, name, argc)
}

func (vm *VM) invokeFromClass(class *ObjClass, name string, argc int) error {
	method, ok := class.Methods.Get(name)
	if !ok {
		return fmt.Errorf("undefined property '%s'", name)
	}
	return vm.call(method.(*ObjClosure), argc)
}

func (vm *VM) bindMethod(class *ObjClass, name string) bool {
	method, ok := class.Methods.Get(name)
	if !ok {
		return false
	}
	bound := &ObjBoundMethod{Receiver: vm.peek(0), Method: method.(*ObjClosure)}
	vm.pop()
	vm.push(bound)
	return true
}

/* Upvalues */

// captureUpvalue returns the open upvalue for stackSlot, reusing one
// already captured by an earlier closure over the same local rather
// than creating a duplicate cell — two closures that close over the
// same variable must observe each other's writes.
func (vm *VM) captureUpvalue(stackSlot int) *ObjUpvalue {
	var prev *ObjUpvalue
	curr := vm.openUpvalues
	for curr != nil && curr.StackSlot > stackSlot {
		prev = curr
		curr = curr.Next
	}
	if curr != nil && curr.StackSlot == stackSlot {
		return curr
	}

	created := &ObjUpvalue{StackSlot: stackSlot, Next: curr}
	if prev == nil {
		vm.openUpvalues = created
	} else {
		prev.Next = created
	}
	return created
}

// closeUpvalues hoists every open upvalue at or above fromSlot off the
// stack and into its own Closed cell, for locals about to go out of
// scope (OP_CLOSE_UPVALUE) or a returning frame's whole window (OP_RETURN).
func (vm *VM) closeUpvalues(fromSlot int) {
	for vm.openUpvalues != nil && vm.openUpvalues.StackSlot >= fromSlot {
		uv := vm.openUpvalues
		uv.Closed = vm.stack[uv.StackSlot]
		uv.IsClosed = true
		vm.openUpvalues = uv.Next
	}
}

func (vm *VM) upvalueValue(uv *ObjUpvalue) Value {
	if uv.IsClosed {
		return uv.Closed
	}
	return vm.stack[uv.StackSlot]
}

func (vm *VM) setUpvalueValue(uv *ObjUpvalue, v Value) {
	if uv.IsClosed {
		uv.Closed = v
		return
	}
	vm.stack[uv.StackSlot] = v
}

/* Modules */

// include runs path's source as a nested script, collecting whatever
// it `exp`orts into an ObjModule cached by path, then merges those
// exports into vm.globals so the including source sees them
// unqualified — see SPEC_FULL.md's module system section.
func (vm *VM) include(path string) error {
	if mod, ok := vm.modules.Get(path); ok {
		mod.Exports.Iter(func(name string, val Value) (stop bool) {
			vm.globals.Put(name, val)
			return false
		})
		return nil
	}

	src, err := vm.importer.ReadModule(path)
	if err != nil {
		return fmt.Errorf("can't include %q: %w", path, err)
	}

	fn, err := NewParser().Compile(src, &path)
	if err != nil {
		return fmt.Errorf("while compiling %q: %w", path, err)
	}

	mod := NewObjModule(path)
	vm.modules.Put(path, mod)

	floor := len(vm.frames)
	closure := NewObjClosure(fn)
	vm.push(closure)
	if err := vm.call(closure, 0); err != nil {
		vm.pop()
		return err
	}

	prevExports := vm.exports
	vm.exports = mod
	_, err = vm.run(floor)
	vm.exports = prevExports
	if err != nil {
		return err
	}

	// OP_DEF_GLOBAL inside the module's own run already wrote straight
	// into vm.globals (one shared global table for the whole VM), so a
	// fresh include needs no further merge; mod.Exports only serves a
	// re-include of the same path, to re-publish its exports without
	// re-running side effects.
	mod.Exports.Iter(func(name string, val Value) (stop bool) {
		vm.globals.Put(name, val)
		return false
	})
	return nil
}
