package syntax

import (
	"strconv"

	"github.com/grafana/streamql/pkg/types"
)

// Operator precedence, lowest first:
//
//	OR
//	AND
//	NOT
//	= != < <= > >= IS LIKE BETWEEN
//	+ -
//	* / %
//	unary -
//	[index]
func (p *parser) parseExpr() (Expr, error) { return p.parseOr() }

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.acceptKeyword("OR") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: types.BinaryOpOr, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.acceptKeyword("AND") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: types.BinaryOpAnd, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (Expr, error) {
	if p.acceptKeyword("NOT") {
		e, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Op: types.UnaryOpNot, Expr: e}, nil
	}
	return p.parsePredicate()
}

var comparisonOps = map[string]types.BinaryOp{
	"=":  types.BinaryOpEq,
	"!=": types.BinaryOpNeq,
	"<":  types.BinaryOpLt,
	"<=": types.BinaryOpLte,
	">":  types.BinaryOpGt,
	">=": types.BinaryOpGte,
}

func (p *parser) parsePredicate() (Expr, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}

	if t := p.cur(); t.kind == tokOp {
		if op, ok := comparisonOps[t.text]; ok {
			p.advance()
			right, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			return &BinaryExpr{Op: op, Left: left, Right: right}, nil
		}
	}

	if p.acceptKeyword("IS") {
		not := p.acceptKeyword("NOT")
		if err := p.expectKeyword("NULL"); err != nil {
			return nil, err
		}
		return &IsNullExpr{Expr: left, Not: not}, nil
	}

	not := false
	if p.isKeyword("NOT") && (p.peekN(1).text == "LIKE" || p.peekN(1).text == "BETWEEN") && p.peekN(1).kind == tokIdent {
		p.advance()
		not = true
	}
	switch {
	case p.acceptKeyword("LIKE"):
		pattern, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		op := types.BinaryOpLike
		if not {
			op = types.BinaryOpNotLike
		}
		return &BinaryExpr{Op: op, Left: left, Right: pattern}, nil
	case p.acceptKeyword("BETWEEN"):
		low, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		if err := p.expectKeyword("AND"); err != nil {
			return nil, err
		}
		high, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		return &BetweenExpr{Expr: left, Low: low, High: high, Not: not}, nil
	}
	return left, nil
}

func (p *parser) parseAdditive() (Expr, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		var op types.BinaryOp
		switch {
		case p.isOp("+"):
			op = types.BinaryOpAdd
		case p.isOp("-"):
			op = types.BinaryOpSub
		default:
			return left, nil
		}
		p.advance()
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: op, Left: left, Right: right}
	}
}

func (p *parser) parseMultiplicative() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		var op types.BinaryOp
		switch {
		case p.isOp("*"):
			op = types.BinaryOpMul
		case p.isOp("/"):
			op = types.BinaryOpDiv
		case p.isOp("%"):
			op = types.BinaryOpMod
		default:
			return left, nil
		}
		p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: op, Left: left, Right: right}
	}
}

func (p *parser) parseUnary() (Expr, error) {
	if p.acceptOp("-") {
		e, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Op: types.UnaryOpNeg, Expr: e}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (Expr, error) {
	e, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for p.acceptOp("[") {
		idx, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expectOp("]"); err != nil {
			return nil, err
		}
		e = &IndexExpr{Expr: e, Index: idx}
	}
	return e, nil
}

func (p *parser) parsePrimary() (Expr, error) {
	t := p.cur()
	switch t.kind {
	case tokInt:
		v, err := strconv.ParseInt(t.text, 10, 64)
		if err != nil {
			return nil, &SyntaxError{Pos: t.pos, Expected: "integer", Found: t.describe(), Msg: "integer out of range"}
		}
		p.advance()
		return &IntLiteral{Value: v}, nil
	case tokFloat:
		v, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, &SyntaxError{Pos: t.pos, Expected: "decimal", Found: t.describe()}
		}
		p.advance()
		return &FloatLiteral{Value: v}, nil
	case tokString:
		p.advance()
		return &StringLiteral{Value: t.text}, nil
	case tokOp:
		if t.text == "(" {
			p.advance()
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if err := p.expectOp(")"); err != nil {
				return nil, err
			}
			return e, nil
		}
	case tokIdent:
		switch t.text {
		case "TRUE", "FALSE":
			p.advance()
			return &BoolLiteral{Value: t.text == "TRUE"}, nil
		case "NULL":
			p.advance()
			return &NullLiteral{}, nil
		case "CAST":
			return p.parseCast()
		}
		if isReserved(t.text) {
			break
		}
		return p.parseIdentOrCall()
	case tokQuotedIdent:
		return p.parseIdentOrCall()
	}
	return nil, p.errorf("expression")
}

func (p *parser) parseCast() (Expr, error) {
	p.advance() // CAST
	if err := p.expectOp("("); err != nil {
		return nil, err
	}
	e, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("AS"); err != nil {
		return nil, err
	}
	typ, err := p.parseType()
	if err != nil {
		return nil, err
	}
	if err := p.expectOp(")"); err != nil {
		return nil, err
	}
	return &CastExpr{Expr: e, Type: typ}, nil
}

func (p *parser) parseIdentOrCall() (Expr, error) {
	name := p.advance().text

	if p.acceptOp("(") {
		call := &FuncCall{Name: name}
		if p.acceptOp("*") {
			call.Star = true
			return call, p.expectOp(")")
		}
		if p.acceptOp(")") {
			return call, nil
		}
		for {
			arg, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			call.Args = append(call.Args, arg)
			if p.acceptOp(",") {
				continue
			}
			return call, p.expectOp(")")
		}
	}

	if p.acceptOp(".") {
		col, err := p.parseIdent("column name")
		if err != nil {
			return nil, err
		}
		return &Identifier{Qualifier: name, Name: col}, nil
	}
	return &Identifier{Name: name}, nil
}
