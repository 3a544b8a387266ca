package expr

import "fmt"

// Node is a parsed expression.
type Node interface {
	String() string
}

type (
	Literal struct{ Value any }
	Ident   struct{ Name string }
	Member  struct {
		Object   Node
		Property Node
		Computed bool
	}
	Call struct {
		Object Node
		Method string
		Args   []Node
	}
	Unary struct {
		Op      string
		Operand Node
	}
	Binary struct {
		Op          string
		Left, Right Node
	}
)

func (n Literal) String() string {
	if s, ok := n.Value.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	if n.Value == Undefined {
		return "undefined"
	}
	if n.Value == nil {
		return "null"
	}
	return fmt.Sprint(n.Value)
}
func (n Ident) String() string { return n.Name }
func (n Member) String() string {
	if n.Computed {
		return fmt.Sprintf("%s[%s]", n.Object, n.Property)
	}
	return fmt.Sprintf("%s.%s", n.Object, n.Property.(Literal).Value)
}
func (n Call) String() string  { return fmt.Sprintf("%s.%s(%v)", n.Object, n.Method, n.Args) }
func (n Unary) String() string { return n.Op + n.Operand.String() }
func (n Binary) String() string {
	return fmt.Sprintf("(%s %s %s)", n.Left, n.Op, n.Right)
}

var precedence = map[string]int{
	"||": 1,
	"&&": 2,
	"==": 3, "!=": 3, "===": 3, "!==": 3,
	"<": 4, "<=": 4, ">": 4, ">=": 4,
}

type parser struct {
	toks []token
	pos  int
}

// Parse turns src into an AST.
func Parse(src string) (Node, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	n, err := p.parseBinary(1)
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf("unexpected %q", t.text)}
	}
	return n, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	t := p.next()
	if t.kind != kind {
		return t, &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf("expected %s, got %q", what, t.text)}
	}
	return t, nil
}

func (p *parser) parseBinary(minPrec int) (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp {
			return left, nil
		}
		prec, ok := precedence[t.text]
		if !ok || prec < minPrec {
			return left, nil
		}
		p.next()
		right, err := p.parseBinary(prec + 1)
		if err != nil {
			return nil, err
		}
		left = Binary{Op: t.text, Left: left, Right: right}
	}
}

func (p *parser) parseUnary() (Node, error) {
	t := p.peek()
	if t.kind == tokOp && (t.text == "!" || t.text == "-") {
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return Unary{Op: t.text, Operand: operand}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (Node, error) {
	n, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch p.peek().kind {
		case tokDot:
			p.next()
			name, err := p.expect(tokIdent, "property name")
			if err != nil {
				return nil, err
			}
			if p.peek().kind == tokLParen {
				args, err := p.parseArgs()
				if err != nil {
					return nil, err
				}
				n = Call{Object: n, Method: name.text, Args: args}
				continue
			}
			n = Member{Object: n, Property: Literal{Value: name.text}}
		case tokLBracket:
			p.next()
			prop, err := p.parseBinary(1)
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokRBracket, "]"); err != nil {
				return nil, err
			}
			n = Member{Object: n, Property: prop, Computed: true}
		default:
			return n, nil
		}
	}
}

func (p *parser) parseArgs() ([]Node, error) {
	p.next() // (
	var args []Node
	if p.peek().kind == tokRParen {
		p.next()
		return args, nil
	}
	for {
		a, err := p.parseBinary(1)
		if err != nil {
			return nil, err
		}
		args = append(args, a)
		t := p.next()
		if t.kind == tokRParen {
			return args, nil
		}
		if t.kind != tokComma {
			return nil, &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf("expected , or ), got %q", t.text)}
		}
	}
}

func (p *parser) parsePrimary() (Node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return Literal{Value: t.num}, nil
	case tokString:
		return Literal{Value: t.text}, nil
	case tokIdent:
		switch t.text {
		case "true":
			return Literal{Value: true}, nil
		case "false":
			return Literal{Value: false}, nil
		case "null":
			return Literal{Value: nil}, nil
		case "undefined":
			return Literal{Value: Undefined}, nil
		}
		return Ident{Name: t.text}, nil
	case tokLParen:
		n, err := p.parseBinary(1)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, ")"); err != nil {
			return nil, err
		}
		return n, nil
	case tokEOF:
		return nil, &SyntaxError{Pos: t.pos, Msg: "unexpected end of expression"}
	}
	return nil, &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf("unexpected %q", t.text)}
}
