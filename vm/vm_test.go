package vm_test

import (
	"fmt"
	"testing"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/geccolang/gecco/vm"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func init() { logrus.SetLevel(logrus.DebugLevel) }

type TestPair struct{ input, output string }

func assertEval(t *testing.T, errSubstr string, pairs ...TestPair) {
	t.Helper()
	t.Parallel()
	vm_ := vm.NewVM()
	for _, pair := range pairs {
		val, err := vm_.Interpret(pair.input+"\n", true)
		switch {
		case errSubstr == "":
			assert.Nil(t, err)
		case err != nil:
			assert.ErrorContains(t, err, errSubstr)
			return
		}
		valStr := fmt.Sprintf("%s", val)
		assert.Equal(t, pair.output, valStr)
	}
	assert.Empty(t, errSubstr, "a successful test must have an empty errSubStr")
}

func TestCalculator(t *testing.T) {
	assertEval(t, "", []TestPair{
		{"2 +2", "4"},
		{"11.4 + 5.14 / 19198.10", "11.400267734827926"},
		{"-6 *(-4+ -3) == 6*4 + 2  *((((9))))", "true"},
		{
			heredoc.Doc(`
				4/1 - 4/3 + 4/5 - 4/7 + 4/9 - 4/11
					+ 4/13 - 4/15 + 4/17 - 4/19 + 4/21 - 4/23
			`),
			"3.058402765927333",
		},
		{"10 % 3", "1"},
		{"2 ^ 10", "1024"},
	}...)
}

func TestVarsBlocks(t *testing.T) {
	assertEval(t, "", []TestPair{
		{"var foo = 2;", "nil"},
		{"foo", "2"},
		{"foo + 3 == 1 + foo * foo", "true"},
		{"var bar;", "nil"},
		{"bar", "nil"},
		{"bar = foo = 2;", "nil"},
		{"foo", "2"},
		{"bar", "2"},
		{"{ foo = foo + 1; var bar; var foo1 = foo; foo1 = foo1 + 1; }", "nil"},
		{"foo", "3"},
	}...)
}

func TestVarOwnInit(t *testing.T) {
	assertEval(t, "can't read local variable in its own initializer",
		[]TestPair{
			{"var foo = 2;", "nil"},
			{"{ var foo = foo; }", ""},
		}...,
	)
}

func TestLetDecl(t *testing.T) {
	assertEval(t, "", []TestPair{
		{"let x = 10;", "nil"},
		{"x", "10"},
		{"let y;", "nil"},
		{"y", "nil"},
	}...)
}

func TestConstDecl(t *testing.T) {
	assertEval(t, "", []TestPair{
		{"const pi: number = 3.14;", "nil"},
		{"pi", "3.14"},
	}...)
}

func TestConstRequiresType(t *testing.T) {
	assertEval(t, "const declaration types must be explicitly declared", []TestPair{
		{"const pi = 3.14;", ""},
	}...)
}

func TestConstRequiresValue(t *testing.T) {
	assertEval(t, "const values must be defined", []TestPair{
		{"const pi: number;", ""},
	}...)
}

func TestVarTypeAnnotationIsNoop(t *testing.T) {
	assertEval(t, "", []TestPair{
		{`var name: string = "gecco";`, "nil"},
		{"name", `"gecco"`},
		{"var count: any = 42;", "nil"},
		{"count", "42"},
	}...)
}

func TestIfElse(t *testing.T) {
	assertEval(t, "", []TestPair{
		{"var foo = 2;", "nil"},
		{"if (foo == 2) foo = foo + 1; else { foo = 42; }", "nil"},
		{"foo", "3"},
		{"if (foo == 2) { foo = foo + 1; } else foo = null;", "nil"},
		{"foo", "nil"},
		{"if (!foo) foo = 1;", "nil"},
		{"foo", "1"},
		{"if (foo) foo = 2;", "nil"},
		{"foo", "2"},
	}...)
}

func TestAndOr(t *testing.T) {
	assertEval(t, "", []TestPair{
		{`"trick" or __TREAT__`, `"trick"`},
		{"996 or 007", "996"},
		{`null or "hi"`, `"hi"`},
		{"null and what", "nil"},
		{`true and "then_what"`, `"then_what"`},
		{"var B = 66;", "nil"},
		{"2*B or !2*B", "132"},
	}...)
}

func TestIfAndOr(t *testing.T) {
	assertEval(t, "", []TestPair{
		{"var foo = 2;", "nil"},
		{
			"if (foo != 2 and whatever) foo = foo + 42; else { foo = 3; }",
			"nil",
		},
		{"foo", "3"},
		{
			"if (0 <= foo and foo <= 3) { foo = foo + 1; } else { foo = null; }",
			"nil",
		},
		{"foo", "4"},
		{"if (!!!(2 + 2 != 5) or !!!!!!!!foo) foo = 1;", "nil"},
		{"foo", "1"},
		{"if (true or whatever) foo = 2;", "nil"},
		{"foo", "2"},
	}...)
}

func TestWhile(t *testing.T) {
	assertEval(t, "", []TestPair{
		{"var i = 1; var product = 1;", "nil"},
		{"while (i <= 5) { product = product * i; i = i + 1; }", "nil"},
		{"product", "120"},
	}...)
}

func TestFor(t *testing.T) {
	assertEval(t, "", []TestPair{
		{"var product = 1;", "nil"},
		{
			"for (var i = 1; i <= 5; i = i + 1) { product = product * i; }",
			"nil",
		},
		{"product", "120"},
	}...)
}

func TestForLet(t *testing.T) {
	assertEval(t, "", []TestPair{
		{
			"for (let i = 1; i <= 3; i = i + 1) { print i; }",
			"nil",
		},
	}...)
}

func TestBareReturn(t *testing.T) {
	assertEval(t, "can't return from top-level code", []TestPair{
		{"return true;", ""},
	}...)
}

func TestFuncReturnInLoop(t *testing.T) {
	assertEval(t, "", []TestPair{
		{
			heredoc.Doc(`
				func fact(n) {
					var i; var product;
					for (i = product = 1; ; i = i + 1) {
						product = product * i;
						if (i >= n) { return product; }
					}
				}
			`),
			"nil",
		},
		{"fact(5)", "120"},
	}...)
}

func TestFuncArity(t *testing.T) {
	assertEval(t, "expected 2 arguments but got 1", []TestPair{
		{"func f(j, k) { return (1 + j) * k; }", "nil"},
		{"f(2)", ""},
	}...)
}

func TestFuncRecursive(t *testing.T) {
	assertEval(t, "", []TestPair{
		{"func fact(i) { if (i <= 0) { return 1; } return i * fact(i - 1); }", "nil"},
		{"fact(5)", "120"},
	}...)
}

func TestFuncRefGlobal(t *testing.T) {
	assertEval(t, "", []TestPair{
		{"var a = 3; func f() { return a; } a = 4;", "nil"},
		{"f()", "4"},
	}...)
}

func TestFuncLateInit(t *testing.T) {
	assertEval(t, "", []TestPair{
		{"func f() { return a; } var a = 4;", "nil"},
		{"f()", "4"},
	}...)
}

func TestFuncLateInitFunc(t *testing.T) {
	assertEval(t, "", []TestPair{
		{"func f() { return four(); } func four() { return 4; }", "nil"},
		{"f()", "4"},
	}...)
}

func TestBareReturnInClos(t *testing.T) {
	assertEval(t, "", []TestPair{
		{"var i;", "nil"},
		{"for (i = 0; i < 10; i = i + 1) { func g() { return; } }", "nil"},
		{"i", "10"},
	}...)
}

func TestClosNoEscape(t *testing.T) {
	assertEval(t, "", []TestPair{
		{
			heredoc.Doc(`
				func outer() {
					var x = "outside";
					func inner() { return x; }
					return inner();
				}
			`),
			"nil",
		},
		{"outer()", `"outside"`},
	}...)
}

func TestClosEscape(t *testing.T) {
	assertEval(t, "", []TestPair{
		{
			heredoc.Doc(`
				func outer() {
					var x = "outside";
					func inner() { return x;}
					return inner;
  				}
			`),
			"nil",
		},
		{"outer()()", `"outside"`},
	}...)
}

func TestClosCurrying(t *testing.T) {
	assertEval(t, "", []TestPair{
		{
			heredoc.Doc(`
				func f(j) {
					func g(k) { return (1 + j) * k; }
					return g;
				}
			`),
			"nil",
		},
		{"f(2)(3)", "9"},
	}...)
}

func TestClosRecursive(t *testing.T) {
	assertEval(t, "", []TestPair{
		{"var res;", "nil"},
		{
			heredoc.Doc(`
				{
					func fact(i) { if (i <= 0) { return 1; } return i * fact(i - 1); }
					res = fact(5);
				}
			`),
			"nil",
		},
		{"res", "120"},
	}...)
}

func TestClosCounter(t *testing.T) {
	assertEval(t, "", []TestPair{
		{
			heredoc.Doc(`
				func make_counter() {
					var i = 0;
					func count() { i = i + 1; return i; }
					return count;
				}
				var counter = make_counter();
			`),
			"nil",
		},
		{"counter()", "1"},
		{"counter()", "2"},
	}...)
}

func TestClosShareRef(t *testing.T) {
	assertEval(t, "", []TestPair{
		{
			heredoc.Doc(`
				var globalSet; var globalGet;
				func main() {
					var a = "initial";
					func set() { a = "updated"; }
					func get() { return a; }
					globalSet = set; globalGet = get;
				}
				main();
				globalSet();
			`),
			"nil",
		},
		{"globalGet()", `"updated"`},
	}...)
}

func TestClosParamShadow(t *testing.T) {
	assertEval(t, "already a variable with this name in this scope", []TestPair{
		{
			heredoc.Doc(`
				var g = "global";
				func scope(l) {
					var l = "local";
					return l;
				}
				var l = scope(g);
			`),
			"",
		},
	}...)
}

func TestClosVarShadow(t *testing.T) {
	assertEval(t, "", []TestPair{
		{
			heredoc.Doc(`
				var a = "global";
				var a1; var a2;
				{
					func get_a() { return a; }
					a1 = get_a();
					var a = "block";
					a2 = get_a();
				}
			`),
			"nil",
		},
		{"a1", `"global"`},
		{"a2", `"global"`},
	}...)
}

// http://www.rosettacode.org/wiki/Man_or_boy_test#Lox
var manOrBoy = heredoc.Doc(`
	func A(k, xa, xb, xc, xd, xe) {
		func B() {
			k = k - 1;
			return A(k, B, xa, xb, xc, xd);
		}
		if (k <= 0) { return xd() + xe(); }
		return B();
	}
	func I0()  { return  0; }
	func I1()  { return  1; }
	func I_1() { return -1; }
`)

func TestClosManOrBoy4(t *testing.T) {
	assertEval(t, "", []TestPair{
		{manOrBoy, "nil"},
		{"A(4, I1, I_1, I_1, I1, I0)", "1"},
	}...)
}

func TestClosManOrBoy10(t *testing.T) {
	assertEval(t, "", []TestPair{
		{manOrBoy, "nil"},
		{"A(10, I1, I_1, I_1, I1, I0)", "-67"},
	}...)
}

func TestClassEmpty(t *testing.T) {
	assertEval(t, "", []TestPair{
		{"class Foo {}", "nil"},
		{"Foo", "<class Foo>"},
	}...)
}

func TestClassGetSet(t *testing.T) {
	assertEval(t, "", []TestPair{
		{"class Foo {}", "nil"},
		{"var foo = Foo();", "nil"},
		{"foo", "<instanceof Foo>"},
		{"foo.bar = 10086", "10086"},
		{"foo.bar", "10086"},
		{`foo.bar = "foobar"`, `"foobar"`},
		{`foo.bar`, `"foobar"`},
		{`foo.baz = foo.bar + "baz"`, `"foobarbaz"`},
		{`foo.baz`, `"foobarbaz"`},
	}...)
}

func TestClassGetUndefined(t *testing.T) {
	assertEval(t, "undefined property 'bar'", []TestPair{
		{"class Foo {}", "nil"},
		{"Foo().bar", ""},
	}...)
}

func TestClassGetInvalid(t *testing.T) {
	assertEval(t, "only instances have properties", []TestPair{
		{"true.story", ""},
	}...)
}

func TestClassSetInvalid(t *testing.T) {
	assertEval(t, "only instances have fields", []TestPair{
		{"true.story = 42", ""},
	}...)
}

func TestClassMethodUnbound(t *testing.T) {
	assertEval(t, "", []TestPair{
		{
			heredoc.Doc(`
				class Scone {
					topping(first, second) {
						return "scone with " + first + " and " + second;
					}
				}
			`),
			"nil",
		},
		{"var scone = Scone();", "nil"},
		{`scone.topping("berries", "cream")`, `"scone with berries and cream"`},
	}...)
}

func TestClassMethodBound(t *testing.T) {
	assertEval(t, "", []TestPair{
		{`class Egotist { speak() { return "Just " + this.name; } }`, "nil"},
		{`var jimmy = Egotist(); jimmy.name = "Jimmy";`, "nil"},
		{"jimmy.speak()", `"Just Jimmy"`},
	}...)
}

func TestClassMethodBoundRef(t *testing.T) {
	assertEval(t, "", []TestPair{
		{`class Egotist { speak() { return "Just " + this.name; } }`, "nil"},
		{`var jimmy = Egotist(); jimmy.name = "Jimmy";`, "nil"},
		{"var s = jimmy.speak;", "nil"},
		{"s()", `"Just Jimmy"`},
	}...)
}

func TestClassMethodBoundNested(t *testing.T) {
	assertEval(t, "", []TestPair{
		{
			heredoc.Doc(`
				class Nested {
					method() {
						func f() { return this; }
						return f();
					}
				}
			`),
			"nil",
		},
		{"Nested().method()", "<instanceof Nested>"},
	}...)
}

func TestBareThis(t *testing.T) {
	assertEval(t, "can't use 'this' outside of a class", []TestPair{
		{"this", ""},
	}...)
}

func TestBareThisFunc(t *testing.T) {
	assertEval(t, "can't use 'this' outside of a class", []TestPair{
		{"func foo() { return this; }", ""},
	}...)
}

func TestClassInit(t *testing.T) {
	assertEval(t, "", []TestPair{
		{
			heredoc.Doc(`
				class CoffeeMaker {
					init(coffee) { this.coffee = coffee; }
					brew() {
						var res = "Enjoy your cup of " + this.coffee;
						this.coffee = null;
						return res;
					}
				}
			`),
			"nil",
		},
		{`var maker = CoffeeMaker("coffee and chicory");`, "nil"},
		{"maker.brew()", `"Enjoy your cup of coffee and chicory"`},
	}...)
}

func TestClassInitReturn(t *testing.T) {
	assertEval(t, "", []TestPair{
		{"class Foo { init(name) { return; } }", "nil"},
	}...)
}

func TestClassInitReturnVal(t *testing.T) {
	assertEval(t, "can't return a value from an initializer", []TestPair{
		{"class Bar { init(name) { return name; } }", ""},
	}...)
}

func TestClassInitArity0(t *testing.T) {
	assertEval(t, "expected 1 arguments but got 0", []TestPair{
		{"class Bar { init(name) {} }", "nil"},
		{"Bar()", "nil"},
	}...)
}

func TestClassInitArityN(t *testing.T) {
	assertEval(t, "expected 1 arguments but got 3", []TestPair{
		{"class Bar { init(name) {} }", "nil"},
		{"Bar(0, 1, 2)", "nil"},
	}...)
}

func TestClassNoInitArity(t *testing.T) {
	assertEval(t, "expected 0 arguments but got 3", []TestPair{
		{"class Bar {}", "nil"},
		{"Bar(0, 1, 2)", ""},
	}...)
}

func TestClassInvokeOptim(t *testing.T) {
	assertEval(t, "", []TestPair{
		{
			heredoc.Doc(`
				class Oops {
					init() {
						func f() { this.foo = "bar"; }
						this.field = f;
					}
				}
			`),
			"nil",
		},
		{"var oops = Oops();", "nil"},
		{"oops.field();", "nil"},
		{"oops.foo", `"bar"`},
	}...)
}

func TestClassInheritance(t *testing.T) {
	assertEval(t, "", []TestPair{
		{
			heredoc.Doc(`
				class Doughnut {
					cook() { return "Fry until golden brown."; }
				}
				class BostonCream -> Doughnut {}
			`),
			"nil",
		},
		{"BostonCream().cook()", `"Fry until golden brown."`},
	}...)
}

func TestClassSuperMethod(t *testing.T) {
	assertEval(t, "", []TestPair{
		{
			heredoc.Doc(`
				class A {
					method() { return "A method"; }
				}
				class B -> A {
					method() { return "B method"; }
					test() { return super.method(); }
				}
				class C -> B {}
			`),
			"nil",
		},
		{"C().test()", `"A method"`},
	}...)
}

func TestClassSelfInheritance(t *testing.T) {
	assertEval(t, "a class can't inherit from itself", []TestPair{
		{"class Oops -> Oops {}", ""},
	}...)
}

func TestBareSuper(t *testing.T) {
	assertEval(t, "can't use 'super' outside of a class", []TestPair{
		{"super.foo();", ""},
	}...)
}

func TestPipeRight(t *testing.T) {
	assertEval(t, "", []TestPair{
		{"func double(n) { return n * 2; }", "nil"},
		{"3 -> double", "6"},
	}...)
}

func TestPipeLeft(t *testing.T) {
	assertEval(t, "", []TestPair{
		{"func double(n) { return n * 2; }", "nil"},
		{"double <- 3", "6"},
	}...)
}

func TestPipeChain(t *testing.T) {
	assertEval(t, "", []TestPair{
		{"func inc(n) { return n + 1; }", "nil"},
		{"func double(n) { return n * 2; }", "nil"},
		{"1 -> inc -> double", "4"},
	}...)
}

func TestInclude(t *testing.T) {
	t.Parallel()
	vm_ := vm.NewVM()
	vm_.SetImporter(vm.MapImporter{
		"math.gecco": `exp func square(n) { return n * n; } exp const e: number = 2.71828;`,
	})

	_, err := vm_.Interpret(`include "math.gecco";`+"\n", true)
	assert.Nil(t, err)

	val, err := vm_.Interpret("square(5)\n", true)
	assert.Nil(t, err)
	assert.Equal(t, "25", fmt.Sprintf("%s", val))

	val, err = vm_.Interpret("e\n", true)
	assert.Nil(t, err)
	assert.Equal(t, "2.71828", fmt.Sprintf("%s", val))
}

func TestIncludeMissingModule(t *testing.T) {
	t.Parallel()
	vm_ := vm.NewVM()
	vm_.SetImporter(vm.MapImporter{})

	_, err := vm_.Interpret(`include "nope.gecco";`+"\n", true)
	assert.ErrorContains(t, err, "nope.gecco")
}
