package vm_test

import (
	"strings"
	"testing"

	"github.com/geccolang/gecco/vm"
	"github.com/stretchr/testify/assert"
)

// manyParams returns a comma-separated parameter/argument list of n
// distinct names, used to probe the 255-param/arg ceiling.
func manyParams(n int) string {
	names := make([]string, n)
	for i := range names {
		names[i] = "a" + itoa(i)
	}
	return strings.Join(names, ", ")
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	digits := []byte{}
	for i > 0 {
		digits = append([]byte{byte('0' + i%10)}, digits...)
		i /= 10
	}
	return string(digits)
}

func TestFuncArity255Allowed(t *testing.T) {
	t.Parallel()
	vm_ := vm.NewVM()
	src := "func f(" + manyParams(255) + ") { return a0; }\n"
	_, err := vm_.Interpret(src, true)
	assert.Nil(t, err)
}

func TestFuncArity256Rejected(t *testing.T) {
	t.Parallel()
	vm_ := vm.NewVM()
	src := "func f(" + manyParams(256) + ") { return a0; }\n"
	_, err := vm_.Interpret(src, true)
	assert.ErrorContains(t, err, "too many parameters")
}

func TestCallArgs255Allowed(t *testing.T) {
	t.Parallel()
	vm_ := vm.NewVM()
	_, err := vm_.Interpret("func f("+manyParams(255)+") { return 0; }\n", true)
	assert.Nil(t, err)

	args := strings.TrimSuffix(strings.Repeat("1, ", 255), ", ")
	_, err = vm_.Interpret("f("+args+")\n", true)
	assert.Nil(t, err)
}

func TestCallArgs256Rejected(t *testing.T) {
	t.Parallel()
	vm_ := vm.NewVM()
	_, err := vm_.Interpret("func f() { return 0; }\n", true)
	assert.Nil(t, err)

	// `true` needs no constant-pool slot, so the argument limit is hit
	// before the 256-constant limit.
	args := strings.TrimSuffix(strings.Repeat("true, ", 256), ", ")
	_, err = vm_.Interpret("f("+args+")\n", true)
	assert.ErrorContains(t, err, "can't have more than 255 arguments")
}

func TestTooManyLocals(t *testing.T) {
	t.Parallel()
	vm_ := vm.NewVM()
	var b strings.Builder
	b.WriteString("{\n")
	for i := 0; i < 257; i++ {
		b.WriteString("var x" + itoa(i) + " = " + itoa(i) + ";\n")
	}
	b.WriteString("}\n")
	_, err := vm_.Interpret(b.String(), true)
	assert.ErrorContains(t, err, "too many local variables")
}

func TestTooManyUpvalues(t *testing.T) {
	t.Parallel()
	vm_ := vm.NewVM()
	// One function holds at most 255 named locals, so inner() captures 200
	// locals of middle() directly and 200 locals of outer() through
	// middle(): 400 upvalues, over the 256 limit.
	var outer strings.Builder
	outer.WriteString("func outer() {\n")
	for i := 0; i < 200; i++ {
		outer.WriteString("var x" + itoa(i) + " = " + itoa(i) + ";\n")
	}
	outer.WriteString("func middle() {\n")
	for i := 0; i < 200; i++ {
		outer.WriteString("var y" + itoa(i) + " = " + itoa(i) + ";\n")
	}
	outer.WriteString("func inner() { return ")
	for i := 0; i < 200; i++ {
		if i > 0 {
			outer.WriteString(" + ")
		}
		outer.WriteString("x" + itoa(i) + " + y" + itoa(i))
	}
	outer.WriteString("; }\nreturn inner;\n}\nreturn middle;\n}\n")

	_, err := vm_.Interpret(outer.String(), true)
	assert.ErrorContains(t, err, "too many closure variables")
}

func TestJumpOverlongBody(t *testing.T) {
	t.Parallel()
	vm_ := vm.NewVM()
	var b strings.Builder
	b.WriteString("if (true) {\n")
	for i := 0; i < 70000; i++ {
		b.WriteString("nil;\n")
	}
	b.WriteString("}\n")
	_, err := vm_.Interpret(b.String(), true)
	assert.ErrorContains(t, err, "too much code to jump over")
}

func TestLoopBodyOverlong(t *testing.T) {
	t.Parallel()
	vm_ := vm.NewVM()
	var b strings.Builder
	b.WriteString("while (true) {\n")
	for i := 0; i < 70000; i++ {
		b.WriteString("nil;\n")
	}
	b.WriteString("break_never_reached_marker;\n")
	b.WriteString("}\n")
	_, err := vm_.Interpret(b.String(), true)
	assert.NotNil(t, err)
}

func TestConstantPoolOverflow(t *testing.T) {
	t.Parallel()
	vm_ := vm.NewVM()
	var b strings.Builder
	for i := 0; i < 257; i++ {
		b.WriteString("var c" + itoa(i) + " = " + itoa(i) + ";\n")
	}
	_, err := vm_.Interpret(b.String(), true)
	assert.ErrorContains(t, err, "too many constants in one chunk")
}

func TestSyncRecoversAfterError(t *testing.T) {
	t.Parallel()
	vm_ := vm.NewVM()
	// The first declaration is a syntax error (its initializer expression
	// is missing). The parser must resync at the following ';' and still
	// successfully compile the declaration that follows, so no diagnostic
	// is reported on line 2.
	src := "var x = ;\nvar y = 2;\n"
	_, err := vm_.Interpret(src, false)
	assert.NotNil(t, err)
	if err != nil {
		assert.NotContains(t, err.Error(), "[L2]")
	}
}
