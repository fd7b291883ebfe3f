package condition

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokOp
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokComma
	tokDot
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func (t token) String() string {
	if t.kind == tokEOF {
		return "end of expression"
	}
	return fmt.Sprintf("%q at %d", t.text, t.pos)
}

// is сравнивает ключевое слово без учёта регистра (AND/and, IN/in).
func (t token) is(word string) bool {
	return t.kind == tokIdent && strings.EqualFold(t.text, word)
}

// SyntaxError: ошибка разбора выражения.
type SyntaxError struct {
	Pos int
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at %d: %s", e.Pos, e.Msg)
}

var twoCharOps = []string{"==", "!=", "<=", ">=", "&&", "||"}

func lex(src string) ([]token, error) {
	var out []token
	rs := []rune(src)
	i := 0
	for i < len(rs) {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			out = append(out, token{tokLParen, "(", i})
			i++
		case r == ')':
			out = append(out, token{tokRParen, ")", i})
			i++
		case r == '[':
			out = append(out, token{tokLBracket, "[", i})
			i++
		case r == ']':
			out = append(out, token{tokRBracket, "]", i})
			i++
		case r == ',':
			out = append(out, token{tokComma, ",", i})
			i++
		case r == '.' && !(i+1 < len(rs) && unicode.IsDigit(rs[i+1])):
			out = append(out, token{tokDot, ".", i})
			i++
		case r == '\'' || r == '"':
			s, n, err := lexString(rs, i)
			if err != nil {
				return nil, err
			}
			out = append(out, token{tokString, s, i})
			i = n
		case unicode.IsDigit(r) || r == '.':
			start := i
			for i < len(rs) && (unicode.IsDigit(rs[i]) || rs[i] == '.' || rs[i] == 'e' || rs[i] == 'E' ||
				((rs[i] == '+' || rs[i] == '-') && (rs[i-1] == 'e' || rs[i-1] == 'E'))) {
				i++
			}
			out = append(out, token{tokNumber, string(rs[start:i]), start})
		case r == '_' || unicode.IsLetter(r):
			start := i
			for i < len(rs) && (rs[i] == '_' || unicode.IsLetter(rs[i]) || unicode.IsDigit(rs[i])) {
				i++
			}
			out = append(out, token{tokIdent, string(rs[start:i]), start})
		default:
			if i+1 < len(rs) {
				pair := string(rs[i : i+2])
				matched := false
				for _, op := range twoCharOps {
					if pair == op {
						out = append(out, token{tokOp, op, i})
						i += 2
						matched = true
						break
					}
				}
				if matched {
					continue
				}
			}
			if strings.ContainsRune("<>+-*/%!", r) {
				out = append(out, token{tokOp, string(r), i})
				i++
				continue
			}
			return nil, &SyntaxError{Pos: i, Msg: fmt.Sprintf("unexpected character %q", r)}
		}
	}
	out = append(out, token{kind: tokEOF, pos: len(rs)})
	return out, nil
}

func lexString(rs []rune, start int) (string, int, error) {
	quote := rs[start]
	var b strings.Builder
	i := start + 1
	for i < len(rs) {
		r := rs[i]
		if r == '\\' && i+1 < len(rs) {
			switch rs[i+1] {
			case 'n':
				b.WriteRune('\n')
			case 't':
				b.WriteRune('\t')
			case '\\', '\'', '"':
				b.WriteRune(rs[i+1])
			default:
				// \d, \. и т.п. остаются для matches
				b.WriteRune('\\')
				b.WriteRune(rs[i+1])
			}
			i += 2
			continue
		}
		if r == quote {
			return b.String(), i + 1, nil
		}
		b.WriteRune(r)
		i++
	}
	return "", 0, &SyntaxError{Pos: start, Msg: "unterminated string literal"}
}
