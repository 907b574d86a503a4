package vm

import (
	"fmt"
	"strconv"

	"github.com/geccolang/gecco/debug"
	e "github.com/geccolang/gecco/errors"
	"github.com/geccolang/gecco/utils"
	"github.com/hashicorp/go-multierror"
	"github.com/josharian/intern"
	"github.com/sirupsen/logrus"
)

// Uninit marks a Local as "declared but not yet initialised"; reading one
// is a compile error.
const Uninit = -1

// Local is a named value occupying a stack slot, resolved by index at
// compile time rather than by name at run time.
type Local struct {
	name       Token
	depth      int
	isCaptured bool
}

// Upvalue is a descriptor a closure carries: either a slot in the
// immediately enclosing frame's locals (IsLocal) or a transitively
// captured upvalue slot in that frame.
type Upvalue struct {
	Index   byte
	IsLocal bool
}

//go:generate stringer -type=FunType
type FunType int

const (
	FTypeFunction FunType = iota
	FTypeInitializer
	FTypeMethod
	FTypeScript
)

// Compiler is one frame of the compiler-frame stack, one per function
// body currently being compiled.
type Compiler struct {
	enclosing  *Compiler
	fun        *ObjFunction
	funType    FunType
	locals     []Local
	upvalues   []Upvalue
	scopeDepth int
}

// ClassCompiler parallels Compiler for `class` declarations, tracking
// whether the enclosing class has a superclass (needed to validate
// `this`/`super` usage).
type ClassCompiler struct {
	enclosing     *ClassCompiler
	hasSuperclass bool
}

// Parser is the compiler's process-wide session state: a two-token
// window plus the active Compiler/ClassCompiler frame stacks. Fresh at
// each Compile call.
type Parser struct {
	*Scanner
	*Compiler
	currentClass *ClassCompiler

	prev, curr Token
	// module names the source currently being compiled: the include path
	// for an include'd module's own Compile call, nil for the root script.
	// It is only recorded; diagnostics do not carry it. See module.go.
	module *string

	errors *multierror.Error
	// Whether the parser is trying to sync, i.e. in the error recovery process.
	panicMode bool
}

func NewParser() *Parser { return &Parser{} }

func syntheticToken(text string) Token { return Token{Type: TIdent, Runes: []rune(text)} }

// wrapCompiler pushes a new Compiler frame enclosing the current one.
// Slot 0 of every frame is reserved: the receiver for methods and
// initializers, an empty sentinel name otherwise.
func (p *Parser) wrapCompiler(funType FunType) {
	c := &Compiler{enclosing: p.Compiler, fun: NewObjFunction(), funType: funType}

	slotName := ""
	if funType == FTypeMethod || funType == FTypeInitializer {
		slotName = "this"
	}
	c.locals = append(c.locals, Local{name: syntheticToken(slotName), depth: 0})

	if funType != FTypeScript {
		funName := intern.String(p.prev.String())
		c.fun.Name = &funName
	}
	p.Compiler = c
}

func (p *Parser) endCompiler() (fn *ObjFunction, upvalues []Upvalue) {
	p.emitReturn()
	fn, upvalues = p.fun, p.upvalues
	if debug.DEBUG {
		logrus.Debugln(p.currChunk().Disassemble(fn.String()))
	}
	p.Compiler = p.Compiler.enclosing
	return
}

/* Constants and bytecode emission */

func (p *Parser) currChunk() *Chunk { return p.fun.Chunk }

func (p *Parser) emitBytes(bs ...byte) {
	for _, b := range bs {
		p.currChunk().Write(b, p.prev.Line)
	}
}

func (p *Parser) emitReturn() {
	if p.funType == FTypeInitializer {
		p.emitBytes(byte(OpGetLocal), 0)
	} else {
		p.emitBytes(byte(OpNil))
	}
	p.emitBytes(byte(OpReturn))
}

func (p *Parser) mkConst(val Value) byte {
	const_ := p.currChunk().AddConst(val)
	if const_ > 255 {
		p.Error("too many constants in one chunk")
		return 0
	}
	return byte(const_)
}

func (p *Parser) emitConst(val Value) { p.emitBytes(byte(OpConst), p.mkConst(val)) }

func (p *Parser) identConst(name *Token) byte { return p.mkConst(NewVStr(name.String())) }

func (p *Parser) emitJump(inst OpCode) (offset int) {
	p.emitBytes(byte(inst), 0xff, 0xff)
	return len(p.currChunk().code) - 2
}

func (p *Parser) patchJump(offset int) {
	code := p.currChunk().code
	// A jump uses 2 bytes to encode the offset, so
	// -2 to adjust for the bytecode for the jump offset itself.
	jump := len(code) - (offset + 2)
	if jump > 0xffff {
		p.Error("too much code to jump over")
		return
	}
	code[offset], code[offset+1] = byte(jump>>8&0xff), byte(jump&0xff)
}

func (p *Parser) emitLoop(start int) {
	p.emitBytes(byte(OpLoop))
	backJump := len(p.currChunk().code) + 2 - start
	if backJump > 0xffff {
		p.Error("loop body too large")
		return
	}
	p.emitBytes(byte(backJump>>8&0xff), byte(backJump&0xff))
}

/* Scope, locals, and upvalue resolution */

func (p *Parser) beginScope() { p.scopeDepth++ }

func (p *Parser) endScope() {
	p.scopeDepth--
	for len(p.locals) > 0 && p.locals[len(p.locals)-1].depth > p.scopeDepth {
		if p.locals[len(p.locals)-1].isCaptured {
			p.emitBytes(byte(OpCloseUpvalue))
		} else {
			p.emitBytes(byte(OpPop))
		}
		p.locals = p.locals[:len(p.locals)-1]
	}
}

func (p *Parser) addLocal(name Token) {
	if len(p.locals) >= 256 {
		p.Error("too many local variables in function")
		return
	}
	p.locals = append(p.locals, Local{name: name, depth: Uninit})
}

func (p *Parser) declVar() {
	if p.scopeDepth == 0 {
		return
	}
	name := p.prev
	// Search for the latest variable declaration of the same name.
	for i := len(p.locals) - 1; i >= 0; i-- {
		local := p.locals[i]
		if local.depth != Uninit && local.depth < p.scopeDepth {
			break // Variable shadowing in a deeper scope is allowed.
		}
		if name.Eq(local.name) {
			p.Error("already a variable with this name in this scope")
		}
	}
	p.addLocal(name)
}

func (p *Parser) parseVar(errorMsg string) *byte {
	p.consume(TIdent, errorMsg)
	p.declVar()
	if p.scopeDepth > 0 {
		return nil // Local vars are not resolved using identConst, but stay on the stack.
	}
	res := p.identConst(&p.prev)
	return &res
}

func (p *Parser) markInit() {
	if p.scopeDepth == 0 {
		return
	}
	p.locals[len(p.locals)-1].depth = p.scopeDepth
}

// defVar binds global (a constant-pool slot from parseVar, or nil for a
// local). exported only applies to the binding this call actually
// defines: callers compiling nested bindings (parameters, synthetic
// locals) under an `exp`-prefixed declaration must pass false, or the
// prefix would wrongly attach to them too.
func (p *Parser) defVar(global *byte, exported bool) {
	if global == nil || p.scopeDepth > 0 {
		if exported {
			p.Error("can't export a local variable")
		}
		p.markInit()
		return
	}
	p.emitBytes(byte(OpDefGlobal), *global)
	if exported {
		p.emitBytes(byte(OpExport), *global)
	}
}

func (p *Parser) resolveLocalIn(c *Compiler, name Token) (slot int) {
	// Search for the latest variable declaration of the same name.
	for i := len(c.locals) - 1; i >= 0; i-- {
		if name.Eq(c.locals[i].name) {
			if c.locals[i].depth == Uninit {
				p.Error("can't read local variable in its own initializer")
			}
			return i
		}
	}
	return Uninit
}

func (p *Parser) addUpvalue(c *Compiler, index byte, isLocal bool) int {
	for i, uv := range c.upvalues {
		if uv.Index == index && uv.IsLocal == isLocal {
			return i
		}
	}
	if len(c.upvalues) >= 256 {
		p.Error("too many closure variables in function")
		return 0
	}
	c.upvalues = append(c.upvalues, Upvalue{Index: index, IsLocal: isLocal})
	c.fun.UpvalueCount++
	return len(c.upvalues) - 1
}

func (p *Parser) resolveUpvalue(c *Compiler, name Token) int {
	if c.enclosing == nil {
		return Uninit
	}
	if local := p.resolveLocalIn(c.enclosing, name); local != Uninit {
		c.enclosing.locals[local].isCaptured = true
		return p.addUpvalue(c, byte(local), true)
	}
	if up := p.resolveUpvalue(c.enclosing, name); up != Uninit {
		return p.addUpvalue(c, byte(up), false)
	}
	return Uninit
}

func (p *Parser) namedVar(name Token, canAssign bool) {
	var arg byte
	var get, set OpCode
	switch slot := p.resolveLocalIn(p.Compiler, name); {
	case slot != Uninit:
		arg, get, set = byte(slot), OpGetLocal, OpSetLocal
	default:
		if up := p.resolveUpvalue(p.Compiler, name); up != Uninit {
			arg, get, set = byte(up), OpGetUpvalue, OpSetUpvalue
		} else {
			arg, get, set = p.identConst(&name), OpGetGlobal, OpSetGlobal
		}
	}

	switch {
	case canAssign && p.match(TEqual):
		p.expr()
		p.emitBytes(byte(set), arg)
	default:
		p.emitBytes(byte(get), arg)
	}
}

/* Pratt-parsed expressions */

func (p *Parser) num(_canAssign bool) {
	val, err := strconv.ParseFloat(p.prev.String(), 64)
	if err != nil {
		p.Error(err.Error())
	}
	p.emitConst(VNum(val))
}

func (p *Parser) str(_canAssign bool) {
	runes := p.prev.Runes
	// COPY the lexeme inside the quotes as a string.
	unquoted := string(runes[1 : len(runes)-1])
	p.emitConst(NewVStr(unquoted))
}

func (p *Parser) grouping(_canAssign bool) {
	p.expr()
	p.consume(TRParen, "expect ')' after expression")
}

func (p *Parser) lit(_canAssign bool) {
	switch p.prev.Type {
	case TFalse:
		p.emitBytes(byte(OpFalse))
	case TNil:
		p.emitBytes(byte(OpNil))
	case TTrue:
		p.emitBytes(byte(OpTrue))
	default:
		panic(e.ErrUnreachable)
	}
}

func (p *Parser) var_(canAssign bool) { p.namedVar(p.prev, canAssign) }

func (p *Parser) this_(_canAssign bool) {
	if p.currentClass == nil {
		p.Error("can't use 'this' outside of a class")
		return
	}
	p.namedVar(syntheticToken("this"), false)
}

func (p *Parser) super_(_canAssign bool) {
	switch {
	case p.currentClass == nil:
		p.Error("can't use 'super' outside of a class")
	case !p.currentClass.hasSuperclass:
		p.Error("can't use 'super' in a class with no superclass")
	}

	p.consume(TDot, "expect '.' after 'super'")
	p.consume(TIdent, "expect superclass method name")
	name := p.identConst(&p.prev)

	p.namedVar(syntheticToken("this"), false)
	if p.match(TLParen) {
		argc := p.argList()
		p.namedVar(syntheticToken("super"), false)
		p.emitBytes(byte(OpSuperInvoke), name, byte(argc))
	} else {
		p.namedVar(syntheticToken("super"), false)
		p.emitBytes(byte(OpGetSuper), name)
	}
}

func (p *Parser) unary(_canAssign bool) {
	op := p.prev.Type

	// Compile the RHS.
	p.parsePrec(PrecUnary)

	// Emit the operator instruction.
	switch op {
	case TBang:
		p.emitBytes(byte(OpNot))
	case TMinus:
		p.emitBytes(byte(OpNeg))
	default:
		panic(e.ErrUnreachable)
	}
}

func (p *Parser) binary(_canAssign bool) {
	op := p.prev.Type
	rule := parseRules[op]

	// Compile the RHS.
	p.parsePrec(rule.Prec + 1)

	// Emit the operator instruction.
	switch op {
	case TBangEqual:
		p.emitBytes(byte(OpEqual), byte(OpNot))
	case TEqualEqual:
		p.emitBytes(byte(OpEqual))
	case TGreater:
		p.emitBytes(byte(OpGreater))
	case TGreaterEqual:
		p.emitBytes(byte(OpLess), byte(OpNot))
	case TLess:
		p.emitBytes(byte(OpLess))
	case TLessEqual:
		p.emitBytes(byte(OpGreater), byte(OpNot))
	case TPlus:
		p.emitBytes(byte(OpAdd))
	case TMinus:
		p.emitBytes(byte(OpSub))
	case TStar:
		p.emitBytes(byte(OpMul))
	case TSlash:
		p.emitBytes(byte(OpDiv))
	case TMod:
		p.emitBytes(byte(OpMod))
	case TPow:
		p.emitBytes(byte(OpPow))
	case TRightPointer:
		p.emitBytes(byte(OpPointRight))
	case TLeftPointer:
		p.emitBytes(byte(OpPointLeft))
	default:
		panic(e.ErrUnreachable)
	}
}

func (p *Parser) and_(_canAssign bool) {
	// If the LHS is falsey, then `LHS and RHS == false`.
	// So we skip the RHS and leave the LHS as the result.
	endJump := p.emitJump(OpJumpUnless)
	// If the LHS is truthy, then `LHS and RHS == RHS`.
	// So we pop out the LHS.
	p.emitBytes(byte(OpPop))
	p.parsePrec(PrecAnd)
	p.patchJump(endJump)
}

func (p *Parser) or_(_canAssign bool) {
	// If the LHS is truthy, then `LHS or RHS == true`.
	// So we skip the RHS and leave the LHS as the result.
	elseJump := p.emitJump(OpJumpUnless) // <-- else
	endJump := p.emitJump(OpJump)        // <-- then
	// If the LHS is falsey, then `LHS or RHS == RHS`.
	// So we pop out the LHS.
	p.patchJump(elseJump) // --> else
	p.emitBytes(byte(OpPop))
	p.parsePrec(PrecOr)
	p.patchJump(endJump) // --> then
}

func (p *Parser) dot(canAssign bool) {
	p.consume(TIdent, "expect property name after '.'")
	name := p.identConst(&p.prev)

	switch {
	case canAssign && p.match(TEqual):
		p.expr()
		p.emitBytes(byte(OpSetProperty), name)
	case p.match(TLParen):
		argc := p.argList()
		p.emitBytes(byte(OpInvoke), name, byte(argc))
	default:
		p.emitBytes(byte(OpGetProperty), name)
	}
}

func (p *Parser) call(_canAssign bool) {
	argCount := p.argList()
	p.emitBytes(byte(OpCall), byte(argCount))
}

func (p *Parser) argList() (argCount int) {
	if !p.check(TRParen) {
		for {
			p.expr()
			if argCount == 255 {
				p.Error("can't have more than 255 arguments")
			}
			argCount++
			if !p.match(TComma) {
				break
			}
		}
	}
	p.consume(TRParen, "expect ')' after arguments")
	return
}

func (p *Parser) expr() { p.parsePrec(PrecAssign) }

/* Statements */

func (p *Parser) exprStmt() {
	p.expr()
	p.consume(TSemi, "expect ';' after expression")
	p.emitBytes(byte(OpPop))
}

func (p *Parser) printStmt() {
	p.expr()
	p.consume(TSemi, "expect ';' after value")
	p.emitBytes(byte(OpPrint))
}

func (p *Parser) includeStmt() {
	p.consume(TStr, "expect string after 'include'")
	runes := p.prev.Runes
	path := string(runes[1 : len(runes)-1])
	p.consume(TSemi, "expect ';' after include statement")
	p.emitBytes(byte(OpInclude), p.mkConst(NewVStr(path)))
}

func (p *Parser) block() {
	for !p.check(TRBrace) && !p.check(TEOF) {
		p.decl()
	}
	p.consume(TRBrace, "expect '}' after block")
}

func (p *Parser) ifStmt() {
	p.consume(TLParen, "expect '(' after 'if'")
	p.expr()
	p.consume(TRParen, "expect ')' after condition")

	thenJump := p.emitJump(OpJumpUnless) // <-- `else` branch stops.
	p.emitBytes(byte(OpPop))             // Drop the predicate before the `then` statement.
	p.stmt()

	elseJump := p.emitJump(OpJump) // <-- `then` branch stops.
	p.patchJump(thenJump)          // --> `else` branch continues.

	p.emitBytes(byte(OpPop)) // Drop the predicate before the `else` statement.
	if p.match(TElse) {
		p.stmt()
	}
	p.patchJump(elseJump) // --> `then` branch continues.
}

func (p *Parser) whileStmt() {
	loopStart := len(p.currChunk().code)
	p.consume(TLParen, "expect '(' after 'while'")
	p.expr()
	p.consume(TRParen, "expect ')' after condition")

	exitJump := p.emitJump(OpJumpUnless)
	p.emitBytes(byte(OpPop)) // Pop the condition.
	p.stmt()
	p.emitLoop(loopStart)

	p.patchJump(exitJump) // Pop the condition.
	p.emitBytes(byte(OpPop))
}

func (p *Parser) forStmt() {
	// for (init; cond; incr) body
	p.beginScope()

	// init
	p.consume(TLParen, "expect '(' after 'for'")
	switch {
	case p.match(TSemi):
		// Noop.
	case p.match(TVar):
		p.varDecl(false)
	case p.match(TLet):
		p.letDecl(false)
	default:
		p.exprStmt()
	}

	// cond
	loopStart := len(p.currChunk().code)
	exitJump := -1
	if !p.match(TSemi) {
		p.expr()
		p.consume(TSemi, "expect ';' after loop condition")
		exitJump = p.emitJump(OpJumpUnless) // <-- !!cond == false
		p.emitBytes(byte(OpPop))            // Pop the condition.
	}

	// incr
	if !p.match(TRParen) {
		bodyJump := p.emitJump(OpJump) // <-- body
		incrStart := len(p.currChunk().code)
		// Parse an exprStmt sans the trailing ';'.
		p.expr()
		p.emitBytes(byte(OpPop)) // Pure side effect.
		p.consume(TRParen, "expect ')' after for clauses")

		p.emitLoop(loopStart) // --> incr, towards the next iteration
		loopStart = incrStart
		p.patchJump(bodyJump) // --> body
	}

	// body
	p.stmt()
	p.emitLoop(loopStart) // --> towards incr (if it exists, otherwise next iteration)

	if exitJump != -1 {
		p.patchJump(exitJump)   // --> !!cond == false
		p.emitBytes(byte(OpPop)) // Pop the condition.
	}
	p.endScope()
}

func (p *Parser) returnStmt() {
	if p.match(TSemi) {
		p.emitReturn()
		return
	}
	if p.funType == FTypeInitializer {
		p.Error("can't return a value from an initializer")
	}
	p.expr()
	p.consume(TSemi, "expect ';' after return value")
	p.emitBytes(byte(OpReturn))
}

func (p *Parser) stmt() {
	switch {
	case p.match(TPrint):
		p.printStmt()
	case p.match(TInclude):
		p.includeStmt()
	case p.match(TFor):
		p.forStmt()
	case p.match(TIf):
		p.ifStmt()
	case p.match(TReturn):
		if p.funType == FTypeScript {
			p.Error("can't return from top-level code")
			return
		}
		p.returnStmt()
	case p.match(TWhile):
		p.whileStmt()
	case p.match(TLBrace):
		p.beginScope()
		p.block()
		p.endScope()
	default:
		p.exprStmt()
	}
}

/* Declarations */

func (p *Parser) fun_(funType FunType) {
	p.wrapCompiler(funType)
	p.beginScope()

	p.consume(TLParen, "expect '(' after function name")
	if !p.check(TRParen) {
		for {
			if p.fun.Arity++; p.fun.Arity > 255 {
				p.ErrorAtCurr("too many parameters")
			}
			param := p.parseVar("expect parameter name")
			p.defVar(param, false)
			if !p.match(TComma) {
				break
			}
		}
	}
	p.consume(TRParen, "expect ')' after parameters")
	p.consume(TLBrace, "expect '{' before function body")
	p.block()

	fn, upvalues := p.endCompiler()
	p.emitBytes(byte(OpClosure), p.mkConst(fn))
	for _, uv := range upvalues {
		p.emitBytes(utils.BoolToInt[byte](uv.IsLocal), uv.Index)
	}
}

func (p *Parser) funDecl(exported bool) {
	global := p.parseVar("expect function name")
	// Visible to itself before the body compiles, allowing recursion.
	p.markInit()
	p.fun_(FTypeFunction)
	p.defVar(global, exported)
}

func (p *Parser) method() {
	p.consume(TIdent, "expect method name")
	name := p.identConst(&p.prev)

	funType := FTypeMethod
	if p.prev.String() == "init" {
		funType = FTypeInitializer
	}
	p.fun_(funType)
	p.emitBytes(byte(OpMethod), name)
}

func (p *Parser) classDecl(exported bool) {
	p.consume(TIdent, "expect class name")
	className := p.prev
	nameConst := p.identConst(&className)
	p.declVar()

	p.emitBytes(byte(OpClass), nameConst)
	p.defVar(&nameConst, exported)

	classCompiler := &ClassCompiler{enclosing: p.currentClass}
	p.currentClass = classCompiler

	if p.match(TRightPointer) {
		p.consume(TIdent, "expect superclass name")
		p.var_(false)

		if className.Eq(p.prev) {
			p.Error("a class can't inherit from itself")
		}

		p.beginScope()
		p.addLocal(syntheticToken("super"))
		p.defVar(nil, false)

		p.namedVar(className, false)
		p.emitBytes(byte(OpInherit))
		classCompiler.hasSuperclass = true
	}

	p.namedVar(className, false)
	p.consume(TLBrace, "expect '{' before class body")
	for !p.check(TRBrace) && !p.check(TEOF) {
		p.method()
	}
	p.consume(TRBrace, "expect '}' after class body")
	p.emitBytes(byte(OpPop))

	if classCompiler.hasSuperclass {
		p.endScope()
	}
	p.currentClass = p.currentClass.enclosing
}

// typeSet parses (and emits a discardable OP_TYPE marker for) a type
// annotation, without enforcing it statically. optional=false requires a
// type to precede the following `=`.
func (p *Parser) typeSet(optional bool) TokenType {
	if !optional && p.check(TEqual) {
		p.Error("type must be set")
	}
	msg := "value type must be declared"
	switch {
	case p.check(TStringLit):
		p.emitBytes(byte(OpType))
		p.consume(TStringLit, msg)
		return TStr
	case p.check(TNumberLit):
		p.emitBytes(byte(OpType))
		p.consume(TNumberLit, msg)
		return TNum
	case p.check(TIdent):
		p.emitBytes(byte(OpType))
		p.consume(TIdent, msg)
		return TIdent
	case p.check(TAny):
		p.emitBytes(byte(OpType))
		p.consume(TAny, msg)
		return TAny
	default:
		p.Error("type value undefined")
		return TErr
	}
}

func (p *Parser) varDecl(exported bool) {
	global := p.parseVar("expect variable name")
	if p.match(TColon) {
		p.typeSet(true)
	}
	switch {
	case p.match(TEqual):
		p.expr()
	default:
		p.emitBytes(byte(OpNil))
	}
	p.consume(TSemi, "expect ';' after variable declaration")
	p.defVar(global, exported)
}

func (p *Parser) letDecl(exported bool) {
	global := p.parseVar("expect variable name")
	switch {
	case p.match(TEqual):
		p.expr()
	default:
		p.emitBytes(byte(OpNil))
	}
	p.consume(TSemi, "expect ';' after let declaration")
	p.defVar(global, exported)
}

func (p *Parser) constDecl(exported bool) {
	global := p.parseVar("expect constant name")

	if p.match(TColon) {
		p.typeSet(false)
	} else {
		p.Error("const declaration types must be explicitly declared")
	}
	if p.match(TEqual) {
		p.expr()
	} else {
		p.Error("const values must be defined")
	}
	p.consume(TSemi, "expect ';' after const declaration")
	p.defVar(global, exported)
}

func (p *Parser) decl() {
	hasExp := p.match(TExp)

	switch {
	case p.match(TClass):
		p.classDecl(hasExp)
	case p.match(TFunc):
		p.funDecl(hasExp)
	case p.match(TVar):
		p.varDecl(hasExp)
	case p.match(TLet):
		p.letDecl(hasExp)
	case p.match(TConst):
		p.constDecl(hasExp)
	default:
		if hasExp {
			p.Error("'exp' prefix must be followed by class, func, var, let, or const")
		}
		p.stmt()
	}

	if p.panicMode {
		p.sync()
	}
}

type ParseFn = func(p *Parser, canAssign bool)

type ParseRule struct {
	Prefix, Infix ParseFn
	Prec
}

var parseRules []ParseRule

func init() {
	parseRules = make([]ParseRule, TEOF+1)
	set := func(ty TokenType, prefix, infix ParseFn, prec Prec) {
		parseRules[ty] = ParseRule{prefix, infix, prec}
	}

	set(TLParen, (*Parser).grouping, (*Parser).call, PrecCall)
	set(TDot, nil, (*Parser).dot, PrecCall)
	set(TMinus, (*Parser).unary, (*Parser).binary, PrecTerm)
	set(TPlus, nil, (*Parser).binary, PrecTerm)
	set(TRightPointer, nil, (*Parser).binary, PrecTerm)
	set(TLeftPointer, nil, (*Parser).binary, PrecTerm)
	set(TSlash, nil, (*Parser).binary, PrecFactor)
	set(TStar, nil, (*Parser).binary, PrecFactor)
	set(TMod, nil, (*Parser).binary, PrecFactor)
	set(TPow, nil, (*Parser).binary, PrecFactor)
	set(TBang, (*Parser).unary, nil, PrecNone)
	set(TBangEqual, nil, (*Parser).binary, PrecEqual)
	set(TEqualEqual, nil, (*Parser).binary, PrecEqual)
	set(TGreater, nil, (*Parser).binary, PrecComp)
	set(TGreaterEqual, nil, (*Parser).binary, PrecComp)
	set(TLess, nil, (*Parser).binary, PrecComp)
	set(TLessEqual, nil, (*Parser).binary, PrecComp)
	set(TIdent, (*Parser).var_, nil, PrecNone)
	set(TStr, (*Parser).str, nil, PrecNone)
	set(TNum, (*Parser).num, nil, PrecNone)
	set(TAnd, nil, (*Parser).and_, PrecAnd)
	set(TOr, nil, (*Parser).or_, PrecOr)
	set(TFalse, (*Parser).lit, nil, PrecNone)
	set(TNil, (*Parser).lit, nil, PrecNone)
	set(TTrue, (*Parser).lit, nil, PrecNone)
	set(TSuper, (*Parser).super_, nil, PrecNone)
	set(TThis, (*Parser).this_, nil, PrecNone)
}

func (p *Parser) parsePrec(prec Prec) {
	p.advance()

	// Parse LHS.
	prefix := parseRules[p.prev.Type].Prefix
	if prefix == nil {
		p.Error("expect expression")
		return
	}
	canAssign := prec <= PrecAssign
	prefix(p, canAssign)

	// Parse RHS if there's one maintaining rule.Prec >= prec.
	for {
		rule := parseRules[p.curr.Type]
		if rule.Prec < prec {
			break
		}
		p.advance()
		if rule.Infix == nil {
			panic(e.ErrUnreachable)
		}
		rule.Infix(p, canAssign)
	}

	if canAssign && p.match(TEqual) {
		p.Error("invalid assignment target")
	}
}

/* Precedence */

//go:generate stringer -type=Prec
type Prec int

const (
	PrecNone   Prec = iota
	PrecAssign      // =
	PrecOr          // or
	PrecAnd         // and
	PrecEqual       // == !=
	PrecComp        // < > <= >=
	PrecTerm        // + - -> <-
	PrecFactor      // * / % ^
	PrecUnary       // ! -
	PrecCall        // . ()
	PrecPrimary
)

/* Parsing helpers */

func (p *Parser) check(ty TokenType) bool     { return p.curr.Type == ty }
func (p *Parser) checkPrev(ty TokenType) bool { return p.prev.Type == ty }

func (p *Parser) advance() {
	p.prev = p.curr
	for {
		// Skip until the first non-TErr token.
		if p.curr = p.ScanToken(); !p.check(TErr) {
			break
		}
		p.ErrorAtCurr(p.curr.String())
	}
}

func (p *Parser) match(ty TokenType) (matched bool) {
	if !p.check(ty) {
		return false
	}
	p.advance()
	return true
}

func (p *Parser) consume(ty TokenType, errorMsg string) *Token {
	if !p.check(ty) {
		p.ErrorAtCurr(errorMsg)
		return nil
	}
	p.advance()
	return &p.prev
}

/* Error handling */

// sync recovers from a panic-mode error by discarding tokens until a
// declaration boundary: the start of a new statement keyword, or just
// past a ';'.
func (p *Parser) sync() {
	p.panicMode = false
	for !p.check(TEOF) && !p.checkPrev(TSemi) {
		switch p.curr.Type {
		case TClass, TFunc, TVar, TLet, TConst, TFor, TIf, TWhile, TPrint, TReturn:
			return
		default:
			p.advance()
		}
	}
}

func (p *Parser) ErrorAt(tk Token, reason string) {
	// Don't pile on more errors while we're already recovering from one.
	if p.panicMode {
		return
	}
	p.panicMode = true

	var tkStr string
	switch tk.Type {
	case TEOF:
		tkStr = "end"
	case TErr:
		// The scanner already describes its own error in tk's text.
		p.errors = multierror.Append(p.errors, &e.CompilationError{Line: tk.Line, Reason: tk.String()})
		return
	default:
		tkStr = fmt.Sprintf("'%v'", tk)
	}
	err := &e.CompilationError{Line: tk.Line, Reason: fmt.Sprintf("at %s, %s", tkStr, reason)}

	if debug.DEBUG {
		logrus.Debugln(p.currChunk().Disassemble("ErrorAt"))
		logrus.Debugln(err)
	}

	p.errors = multierror.Append(p.errors, err)
}

func (p *Parser) Error(reason string)       { p.ErrorAt(p.prev, reason) }
func (p *Parser) ErrorAtCurr(reason string) { p.ErrorAt(p.curr, reason) }
func (p *Parser) HadError() bool            { return p.errors != nil }

/* Compiling entry point */

// Compile turns Gecco source into its top-level script function, or
// (nil, err) if any compile error was reported — err aggregates every
// independent diagnostic found across panic-mode recovery boundaries.
// moduleName is informational: it is recorded on the Parser but not
// attached to diagnostics. An include'd module's own recursive Compile
// call passes its path; the root script passes nil. See module.go.
func (p *Parser) Compile(src string, moduleName *string) (*ObjFunction, error) {
	p.Scanner = NewScanner(src)
	p.module = moduleName
	p.errors = nil
	p.panicMode = false
	p.currentClass = nil

	p.wrapCompiler(FTypeScript)
	p.advance()
	for !p.match(TEOF) {
		p.decl()
	}
	fn, _ := p.endCompiler()

	if err := p.errors.ErrorOrNil(); err != nil {
		return nil, err
	}
	return fn, nil
}

// CompileExpr compiles src as a single bare expression rather than a
// sequence of declarations, returning its value instead of dropping it.
// The VM's REPL falls back to this when a line fails to compile as a
// full declaration, so that entering `1 + 1` at the prompt echoes `2`
// instead of requiring a trailing `;` and a `print`.
func (p *Parser) CompileExpr(src string) (*ObjFunction, error) {
	p.Scanner = NewScanner(src)
	p.module = nil
	p.errors = nil
	p.panicMode = false
	p.currentClass = nil

	p.wrapCompiler(FTypeScript)
	p.advance()
	p.expr()
	// Unlike emitReturn, return whatever the expression already left on
	// the stack rather than discarding it under a fresh OP_NIL.
	p.emitBytes(byte(OpReturn))
	fn := p.fun
	if debug.DEBUG {
		logrus.Debugln(p.currChunk().Disassemble(fn.String()))
	}
	p.Compiler = p.Compiler.enclosing

	if err := p.errors.ErrorOrNil(); err != nil {
		return nil, err
	}
	return fn, nil
}

// MarkCompilerRoots visits exactly the functions on the active compiler
// stack, for a caller's GC root walk.
func (p *Parser) MarkCompilerRoots(mark func(*ObjFunction)) {
	for c := p.Compiler; c != nil; c = c.enclosing {
		mark(c.fun)
	}
}
