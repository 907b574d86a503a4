package vm

import (
	"fmt"
	"math"
	"sync"

	"github.com/dolthub/swiss"
	"github.com/josharian/intern"
)

// Value is a tagged union of bool, null, a 64-bit float, or a heap object
// pointer. The compiler only ever synthesises number, string, and
// function constants itself; the remaining object kinds (closure, class,
// instance, bound method, module, upvalue cell) are produced by the VM at
// run time from the OP_CLOSURE/OP_CLASS/OP_METHOD/OP_INCLUDE bytecode the
// compiler emits.
type Value interface{ isValue() }

func NewValue() Value { return VNil{} }

type VBool bool

func (VBool) isValue()         {}
func (v VBool) String() string { return fmt.Sprintf("%t", v) }

type VNil struct{}

func (VNil) isValue()         {}
func (VNil) String() string { return "nil" }

type VNum float64

func (VNum) isValue()         {}
func (v VNum) String() string { return fmt.Sprintf("%g", float64(v)) }

// ObjString is interned: two ObjStrings with identical content are the
// same pointer, so VM equality checks pointer identity before falling
// back to content (matters for clox-family VMs, where string comparison
// is on the interpreter's hot path for map keys and `==`).
type ObjString struct{ Chars string }

func (*ObjString) isValue()          {}
func (s *ObjString) String() string { return fmt.Sprintf("%q", s.Chars) }

var (
	internedStrings = swiss.NewMap[string, *ObjString](64)
	// internMu guards internedStrings, which every VM and Parser in the
	// process shares.
	internMu sync.Mutex
)

// NewVStr returns the canonical *ObjString for s, allocating it on first
// use. Chars is interned via github.com/josharian/intern so that two
// ObjStrings built from equal Go strings also share one underlying
// string header, not just one ObjString wrapper.
func NewVStr(s string) *ObjString {
	internMu.Lock()
	defer internMu.Unlock()
	if existing, ok := internedStrings.Get(s); ok {
		return existing
	}
	obj := &ObjString{Chars: intern.String(s)}
	internedStrings.Put(s, obj)
	return obj
}

// ObjFunction is the compiled form of one `func`/method/script body: its
// Chunk, declared Arity, the number of upvalues its closures capture, and
// an optional Name (nil for top-level script functions).
type ObjFunction struct {
	Arity        int
	UpvalueCount int
	Chunk        *Chunk
	Name         *string
}

func NewObjFunction() *ObjFunction { return &ObjFunction{Chunk: NewChunk()} }

func (*ObjFunction) isValue() {}
func (f *ObjFunction) String() string {
	if f.Name == nil {
		return "<script>"
	}
	return fmt.Sprintf("<fn %s>", *f.Name)
}

// ObjUpvalue is a runtime cell a closure shares with the frame that owns
// the captured local. While the local is still live on the VM's stack,
// StackSlot indexes into the VM's stack array and IsClosed is false;
// OP_CLOSE_UPVALUE copies the value into Closed and flips IsClosed, so
// the closure keeps working after the owning frame returns. Indexing by
// slot rather than holding a raw pointer into the stack's backing array
// sidesteps needing `unsafe` to compare cell positions when closing a
// range of upvalues.
type ObjUpvalue struct {
	StackSlot int
	IsClosed  bool
	Closed    Value
	Next      *ObjUpvalue
}

func (*ObjUpvalue) isValue() {}
func (*ObjUpvalue) String() string { return "upvalue" }

// ObjClosure pairs a compiled ObjFunction with the upvalue cells it
// captured at creation time, per the (isLocal, index) descriptors OP_CLOSURE
// carries.
type ObjClosure struct {
	Function *ObjFunction
	Upvalues []*ObjUpvalue
}

func NewObjClosure(f *ObjFunction) *ObjClosure {
	return &ObjClosure{Function: f, Upvalues: make([]*ObjUpvalue, f.UpvalueCount)}
}

func (*ObjClosure) isValue()          {}
func (c *ObjClosure) String() string { return c.Function.String() }

// ObjClass is a runtime class object: its Name and a Methods table keyed
// by method name, each value an *ObjClosure.
type ObjClass struct {
	Name    string
	Methods *swiss.Map[string, Value]
}

func NewObjClass(name string) *ObjClass {
	return &ObjClass{Name: name, Methods: swiss.NewMap[string, Value](4)}
}

func (*ObjClass) isValue()          {}
func (c *ObjClass) String() string { return fmt.Sprintf("<class %s>", c.Name) }

// ObjInstance is a live object of some ObjClass, with its own field table.
type ObjInstance struct {
	Class  *ObjClass
	Fields *swiss.Map[string, Value]
}

func NewObjInstance(class *ObjClass) *ObjInstance {
	return &ObjInstance{Class: class, Fields: swiss.NewMap[string, Value](4)}
}

func (*ObjInstance) isValue() {}
func (i *ObjInstance) String() string {
	return fmt.Sprintf("<instanceof %s>", i.Class.Name)
}

// ObjBoundMethod is the value produced by reading a method off an
// instance without immediately calling it (`var s = jimmy.speak;`): the
// receiver travels with the method so a later `s()` still sees `this`.
type ObjBoundMethod struct {
	Receiver Value
	Method   *ObjClosure
}

func (*ObjBoundMethod) isValue()          {}
func (b *ObjBoundMethod) String() string { return b.Method.String() }

// ObjModule is a compiled-and-run `include`d source file's export table,
// see module.go.
type ObjModule struct {
	Path    string
	Exports *swiss.Map[string, Value]
}

func NewObjModule(path string) *ObjModule {
	return &ObjModule{Path: path, Exports: swiss.NewMap[string, Value](4)}
}

func (*ObjModule) isValue()          {}
func (m *ObjModule) String() string { return fmt.Sprintf("<module %s>", m.Path) }

/* Arithmetic and comparison, shared by the compiler's constant folding
   (none performed today) and by vm.go's opcode dispatch. */

func VAdd(v, w Value) (res Value, ok bool) {
	switch v := v.(type) {
	case VNum:
		if w, ok := w.(VNum); ok {
			return v + w, true
		}
	case *ObjString:
		if w, ok := w.(*ObjString); ok {
			return NewVStr(v.Chars + w.Chars), true
		}
	}
	return NewValue(), false
}

func VSub(v, w Value) (res Value, ok bool) { return numBinOp(v, w, func(a, b float64) float64 { return a - b }) }
func VMul(v, w Value) (res Value, ok bool) { return numBinOp(v, w, func(a, b float64) float64 { return a * b }) }
func VDiv(v, w Value) (res Value, ok bool) { return numBinOp(v, w, func(a, b float64) float64 { return a / b }) }
func VMod(v, w Value) (res Value, ok bool) { return numBinOp(v, w, math.Mod) }
func VPow(v, w Value) (res Value, ok bool) { return numBinOp(v, w, math.Pow) }

func numBinOp(v, w Value, op func(a, b float64) float64) (Value, bool) {
	vn, ok1 := v.(VNum)
	wn, ok2 := w.(VNum)
	if !ok1 || !ok2 {
		return NewValue(), false
	}
	return VNum(op(float64(vn), float64(wn))), true
}

func VGreater(v, w Value) (res Value, ok bool) {
	vn, ok1 := v.(VNum)
	wn, ok2 := w.(VNum)
	if !ok1 || !ok2 {
		return NewValue(), false
	}
	return VBool(vn > wn), true
}

func VLess(v, w Value) (res Value, ok bool) {
	vn, ok1 := v.(VNum)
	wn, ok2 := w.(VNum)
	if !ok1 || !ok2 {
		return NewValue(), false
	}
	return VBool(vn < wn), true
}

func VNeg(v Value) (res Value, ok bool) {
	if vn, ok := v.(VNum); ok {
		return -vn, true
	}
	return NewValue(), false
}

func VTruthy(v Value) VBool {
	switch v := v.(type) {
	case VBool:
		return v
	case VNil:
		return false
	default:
		return true
	}
}

func VEq(v, w Value) VBool {
	switch v := v.(type) {
	case VBool:
		w, ok := w.(VBool)
		return VBool(ok && v == w)
	case VNum:
		w, ok := w.(VNum)
		return VBool(ok && v == w)
	case VNil:
		_, ok := w.(VNil)
		return VBool(ok)
	case *ObjString:
		w, ok := w.(*ObjString)
		return VBool(ok && (v == w || v.Chars == w.Chars))
	default:
		return VBool(v == w)
	}
}
