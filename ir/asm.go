package ir

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
)

// SyntaxError is an error encountered while parsing assembly text.
type SyntaxError struct {
	Line int
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

// Parse reads classes from assembly text.
//
// The syntax is line oriented:
//
//	class demo/Counter
//	  field private count I
//	  method public doResume (Ljava/lang/Object;Ljava/lang/Throwable;)V
//	    .locals 4
//	    .annotation Lsuspend/ContinuationMethod;
//	    .catch start end handler java/lang/Exception
//	    line 3
//	    iconst 1
//	    istore 3
//	  start:
//	    ...
//	  end
//
// Labels are arbitrary identifiers followed by a colon. Text following
// "//" is a comment.
func Parse(src string) ([]*Class, error) {
	p := &parser{}
	scanner := bufio.NewScanner(strings.NewReader(src))
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		p.line++
		if err := p.parseLine(scanner.Text()); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if p.method != nil {
		return nil, p.errorf("method %s is missing its end", p.method.Name)
	}
	return p.classes, nil
}

// ParseClass reads exactly one class from assembly text.
func ParseClass(src string) (*Class, error) {
	classes, err := Parse(src)
	if err != nil {
		return nil, err
	}
	if len(classes) != 1 {
		return nil, fmt.Errorf("expected one class, found %d", len(classes))
	}
	return classes[0], nil
}

// MustParseClass is like ParseClass but panics on error.
func MustParseClass(src string) *Class {
	c, err := ParseClass(src)
	if err != nil {
		panic(err)
	}
	return c
}

type parser struct {
	line    int
	classes []*Class
	class   *Class
	method  *Method
	body    []sourceLine
	labels  map[string]Label
	placed  map[string]bool
}

type sourceLine struct {
	line   int
	fields []string
}

func (p *parser) errorf(format string, args ...any) error {
	return &SyntaxError{Line: p.line, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) parseLine(text string) error {
	if i := strings.Index(text, "//"); i >= 0 && !inQuotes(text, i) {
		text = text[:i]
	}
	fields, err := splitFields(text)
	if err != nil {
		return p.errorf("%v", err)
	}
	if len(fields) == 0 {
		return nil
	}

	if p.method != nil {
		if fields[0] == "end" {
			return p.parseBody(fields)
		}
		p.body = append(p.body, sourceLine{line: p.line, fields: fields})
		return nil
	}

	switch fields[0] {
	case "class":
		if len(fields) != 2 {
			return p.errorf("usage: class NAME")
		}
		p.class = NewClass(fields[1])
		p.classes = append(p.classes, p.class)
	case "field":
		if p.class == nil {
			return p.errorf("field outside of class")
		}
		access, rest := parseAccess(fields[1:])
		if len(rest) != 2 {
			return p.errorf("usage: field [ACCESS...] NAME TYPE")
		}
		if err := p.class.NewField(access, rest[0], Type(rest[1])); err != nil {
			return p.errorf("%v", err)
		}
	case "method":
		if p.class == nil {
			return p.errorf("method outside of class")
		}
		access, rest := parseAccess(fields[1:])
		if len(rest) != 2 {
			return p.errorf("usage: method [ACCESS...] NAME DESC")
		}
		mt, err := ParseMethodType(rest[1])
		if err != nil {
			return p.errorf("%v", err)
		}
		p.method = NewMethod(access, rest[0], rest[1])
		p.method.MaxLocals = len(mt.Params)
		if !p.method.Static() {
			p.method.MaxLocals++
		}
		p.body = p.body[:0]
	default:
		return p.errorf("unexpected %q", fields[0])
	}
	return nil
}

// parseBody assembles the buffered lines of the current method. Labels
// spelled L<n>, as written by Fprint, keep their number; other names are
// allocated after them.
func (p *parser) parseBody(end []string) error {
	p.labels = map[string]Label{}
	p.placed = map[string]bool{}
	for _, sl := range p.body {
		for _, f := range sl.fields {
			if n, ok := numberedLabel(strings.TrimSuffix(f, ":")); ok {
				p.method.Code.ReserveLabels(n)
			}
		}
	}
	endLine := p.line
	for _, sl := range p.body {
		p.line = sl.line
		if err := p.parseMethodLine(sl.fields); err != nil {
			return err
		}
	}
	p.line = endLine
	return p.parseMethodLine(end)
}

func numberedLabel(name string) (Label, bool) {
	if len(name) < 2 || name[0] != 'L' {
		return NoLabel, false
	}
	n, err := strconv.ParseInt(name[1:], 10, 32)
	if err != nil || n <= 0 {
		return NoLabel, false
	}
	return Label(n), true
}

func (p *parser) label(name string) Label {
	if l, ok := p.labels[name]; ok {
		return l
	}
	l, ok := numberedLabel(name)
	if !ok {
		l = p.method.Code.NewLabel()
	}
	p.labels[name] = l
	return l
}

func (p *parser) parseMethodLine(fields []string) error {
	m := p.method
	op, args := fields[0], fields[1:]

	if strings.HasSuffix(op, ":") && len(args) == 0 {
		name := strings.TrimSuffix(op, ":")
		if name == "" {
			return p.errorf("empty label")
		}
		if p.placed[name] {
			return p.errorf("label %s placed twice", name)
		}
		p.placed[name] = true
		m.Code.Append(Mark(p.label(name)))
		return nil
	}

	nargs := func(n int) error {
		if len(args) != n {
			return p.errorf("%s expects %d operand(s), got %d", op, n, len(args))
		}
		return nil
	}

	switch op {
	case "end":
		if err := nargs(0); err != nil {
			return err
		}
		for name := range p.labels {
			if !p.placed[name] {
				return p.errorf("label %s is never placed in %s", name, m.Name)
			}
		}
		p.class.Methods = append(p.class.Methods, m)
		p.method = nil
		return nil
	case ".locals":
		if err := nargs(1); err != nil {
			return err
		}
		n, err := strconv.Atoi(args[0])
		if err != nil || n < m.MaxLocals {
			return p.errorf("invalid .locals %q", args[0])
		}
		m.MaxLocals = n
		return nil
	case ".annotation":
		if err := nargs(1); err != nil {
			return err
		}
		m.AddAnnotation(args[0])
		return nil
	case ".catch":
		if len(args) != 3 && len(args) != 4 {
			return p.errorf(".catch expects START END HANDLER [TYPE]")
		}
		tc := TryCatch{Start: p.label(args[0]), End: p.label(args[1]), Handler: p.label(args[2])}
		if len(args) == 4 {
			tc.Type = args[3]
		}
		m.TryCatch = append(m.TryCatch, tc)
		return nil
	}

	insn, err := p.parseInsn(op, args, nargs)
	if err != nil {
		return err
	}
	m.Code.Append(insn)
	return nil
}

var typedPrefixes = map[byte]Type{
	'i': IntType,
	'l': LongType,
	'f': FloatType,
	'd': DoubleType,
	'a': ObjectType,
}

var arithOps = map[string]Opcode{
	"add": OpAdd,
	"sub": OpSub,
	"mul": OpMul,
	"div": OpDiv,
	"rem": OpRem,
	"neg": OpNeg,
}

var jumpOps = map[string]Opcode{
	"goto":      OpGoto,
	"ifeq":      OpIfEq,
	"ifne":      OpIfNe,
	"ifnull":    OpIfNull,
	"ifnonnull": OpIfNonNull,
	"if_icmpeq": OpIfCmpEq,
	"if_icmpne": OpIfCmpNe,
	"if_icmplt": OpIfCmpLt,
	"if_icmpge": OpIfCmpGe,
	"if_icmpgt": OpIfCmpGt,
	"if_icmple": OpIfCmpLe,
}

func (p *parser) parseInsn(op string, args []string, nargs func(int) error) (Insn, error) {
	parseType := func(s string) (Type, error) {
		t := Type(s)
		if !t.Valid() {
			return "", p.errorf("invalid type %q", s)
		}
		return t, nil
	}

	if jump, ok := jumpOps[op]; ok {
		if err := nargs(1); err != nil {
			return Insn{}, err
		}
		return Insn{Op: jump, Label: p.label(args[0])}, nil
	}

	switch op {
	case "nop":
		return Nop(), nargs(0)
	case "pop":
		return Pop(), nargs(0)
	case "dup":
		return Dup(), nargs(0)
	case "athrow":
		return Throw(), nargs(0)
	case "return":
		return Return(VoidType), nargs(0)
	case "aconst_null":
		return Null(), nargs(0)
	case "iconst":
		if err := nargs(1); err != nil {
			return Insn{}, err
		}
		v, err := strconv.ParseInt(args[0], 0, 32)
		if err != nil {
			return Insn{}, p.errorf("invalid int constant %q", args[0])
		}
		return IntConst(int32(v)), nil
	case "lconst":
		if err := nargs(1); err != nil {
			return Insn{}, err
		}
		v, err := strconv.ParseInt(args[0], 0, 64)
		if err != nil {
			return Insn{}, p.errorf("invalid long constant %q", args[0])
		}
		return LongConst(v), nil
	case "fconst":
		if err := nargs(1); err != nil {
			return Insn{}, err
		}
		v, err := strconv.ParseFloat(args[0], 32)
		if err != nil {
			return Insn{}, p.errorf("invalid float constant %q", args[0])
		}
		return FloatConst(float32(v)), nil
	case "dconst":
		if err := nargs(1); err != nil {
			return Insn{}, err
		}
		v, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return Insn{}, p.errorf("invalid double constant %q", args[0])
		}
		return DoubleConst(v), nil
	case "sconst":
		if err := nargs(1); err != nil {
			return Insn{}, err
		}
		s, err := strconv.Unquote(args[0])
		if err != nil {
			return Insn{}, p.errorf("invalid string constant %s", args[0])
		}
		return StringConst(s), nil
	case "convert":
		if err := nargs(2); err != nil {
			return Insn{}, err
		}
		from, err := parseType(args[0])
		if err != nil {
			return Insn{}, err
		}
		to, err := parseType(args[1])
		if err != nil {
			return Insn{}, err
		}
		return Convert(from, to), nil
	case "checkcast", "box", "unbox":
		if err := nargs(1); err != nil {
			return Insn{}, err
		}
		t, err := parseType(args[0])
		if err != nil {
			return Insn{}, err
		}
		switch op {
		case "checkcast":
			return CheckCast(t), nil
		case "box":
			return Box(t), nil
		default:
			return Unbox(t), nil
		}
	case "tableswitch":
		if len(args) < 4 {
			return Insn{}, p.errorf("usage: tableswitch LOW HIGH DEFAULT TARGET...")
		}
		low, err1 := strconv.ParseInt(args[0], 0, 32)
		high, err2 := strconv.ParseInt(args[1], 0, 32)
		if err1 != nil || err2 != nil || high < low {
			return Insn{}, p.errorf("invalid tableswitch range %s..%s", args[0], args[1])
		}
		targets := args[3:]
		if int64(len(targets)) != high-low+1 {
			return Insn{}, p.errorf("tableswitch %d..%d expects %d targets, got %d", low, high, high-low+1, len(targets))
		}
		labels := make([]Label, len(targets))
		for i, t := range targets {
			labels[i] = p.label(t)
		}
		return TableSwitch(int32(low), int32(high), p.label(args[2]), labels...), nil
	case "trap":
		if err := nargs(1); err != nil {
			return Insn{}, err
		}
		msg, err := strconv.Unquote(args[0])
		if err != nil {
			return Insn{}, p.errorf("invalid trap message %s", args[0])
		}
		return Trap(msg), nil
	case "getfield", "putfield":
		if err := nargs(3); err != nil {
			return Insn{}, err
		}
		t, err := parseType(args[2])
		if err != nil {
			return Insn{}, err
		}
		if op == "getfield" {
			return GetField(args[0], args[1], t), nil
		}
		return PutField(args[0], args[1], t), nil
	case "new":
		if err := nargs(1); err != nil {
			return Insn{}, err
		}
		return New(args[0]), nil
	case "invokestatic", "invokevirtual":
		if err := nargs(3); err != nil {
			return Insn{}, err
		}
		if _, err := ParseMethodType(args[2]); err != nil {
			return Insn{}, p.errorf("%v", err)
		}
		if op == "invokestatic" {
			return InvokeStatic(args[0], args[1], args[2]), nil
		}
		return InvokeVirtual(args[0], args[1], args[2]), nil
	case "line":
		if err := nargs(1); err != nil {
			return Insn{}, err
		}
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return Insn{}, p.errorf("invalid line number %q", args[0])
		}
		return Line(n), nil
	}

	// Typed mnemonics: iload, astore, ladd, dreturn, ...
	if len(op) > 1 {
		if t, ok := typedPrefixes[op[0]]; ok {
			rest := op[1:]
			switch rest {
			case "load", "store":
				if err := nargs(1); err != nil {
					return Insn{}, err
				}
				slot, err := strconv.Atoi(args[0])
				if err != nil || slot < 0 || slot >= p.method.MaxLocals {
					return Insn{}, p.errorf("invalid local slot %q (method has %d locals)", args[0], p.method.MaxLocals)
				}
				if rest == "load" {
					return Load(t, slot), nil
				}
				return Store(t, slot), nil
			case "return":
				return Return(t), nargs(0)
			}
			if arith, ok := arithOps[rest]; ok && t != ObjectType {
				return Arith(arith, t), nargs(0)
			}
		}
	}
	return Insn{}, p.errorf("unknown instruction %q", op)
}

func parseAccess(fields []string) (Access, []string) {
	var access Access
	for len(fields) > 0 {
		switch fields[0] {
		case "public":
			access |= AccPublic
		case "private":
			access |= AccPrivate
		case "static":
			access |= AccStatic
		case "volatile":
			access |= AccVolatile
		default:
			return access, fields
		}
		fields = fields[1:]
	}
	return access, fields
}

// splitFields splits s on whitespace, keeping double-quoted strings
// (with their escapes) as single fields.
func splitFields(s string) ([]string, error) {
	var fields []string
	i := 0
	for i < len(s) {
		switch c := s[i]; {
		case c == ' ' || c == '\t' || c == '\r':
			i++
		case c == '"':
			j := i + 1
			for j < len(s) && s[j] != '"' {
				if s[j] == '\\' {
					j++
				}
				j++
			}
			if j >= len(s) {
				return nil, fmt.Errorf("unterminated string")
			}
			fields = append(fields, s[i:j+1])
			i = j + 1
		default:
			j := i
			for j < len(s) && s[j] != ' ' && s[j] != '\t' && s[j] != '\r' {
				j++
			}
			fields = append(fields, s[i:j])
			i = j
		}
	}
	return fields, nil
}

// inQuotes reports whether position i of s lies inside a quoted string.
func inQuotes(s string, i int) bool {
	quoted := false
	for j := 0; j < i; j++ {
		switch s[j] {
		case '\\':
			if quoted {
				j++
			}
		case '"':
			quoted = !quoted
		}
	}
	return quoted
}
