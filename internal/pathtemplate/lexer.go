package pathtemplate

import "fmt"

type tokenKind int

const (
	tokOpen tokenKind = iota
	tokClose
	tokPattern
	tokName
	tokChar
	tokEscaped
	tokModifier
	tokEnd
)

func (k tokenKind) String() string {
	switch k {
	case tokOpen:
		return "OPEN"
	case tokClose:
		return "CLOSE"
	case tokPattern:
		return "PATTERN"
	case tokName:
		return "NAME"
	case tokChar:
		return "CHAR"
	case tokEscaped:
		return "ESCAPED_CHAR"
	case tokModifier:
		return "MODIFIER"
	default:
		return "END"
	}
}

type lexToken struct {
	kind  tokenKind
	index int
	value string
}

func isNameChar(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c == '_'
}

func lex(s string) ([]lexToken, error) {
	var tokens []lexToken
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == '*' || c == '+' || c == '?':
			tokens = append(tokens, lexToken{tokModifier, i, string(c)})
			i++
		case c == '\\':
			if i+1 >= len(s) {
				return nil, fmt.Errorf("dangling escape at %d", i)
			}
			tokens = append(tokens, lexToken{tokEscaped, i, string(s[i+1])})
			i += 2
		case c == '{':
			tokens = append(tokens, lexToken{tokOpen, i, "{"})
			i++
		case c == '}':
			tokens = append(tokens, lexToken{tokClose, i, "}"})
			i++
		case c == ':':
			j := i + 1
			for j < len(s) && isNameChar(s[j]) {
				j++
			}
			if j == i+1 {
				return nil, fmt.Errorf("missing parameter name at %d", i)
			}
			tokens = append(tokens, lexToken{tokName, i, s[i+1 : j]})
			i = j
		case c == '(':
			pattern, next, err := lexPattern(s, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, lexToken{tokPattern, i, pattern})
			i = next
		default:
			tokens = append(tokens, lexToken{tokChar, i, string(c)})
			i++
		}
	}
	tokens = append(tokens, lexToken{tokEnd, i, ""})
	return tokens, nil
}

// lexPattern reads a parenthesised pattern starting at s[start] == '('.
func lexPattern(s string, start int) (string, int, error) {
	count := 1
	j := start + 1
	if j < len(s) && s[j] == '?' {
		return "", 0, fmt.Errorf("pattern cannot start with \"?\" at %d", j)
	}
	var pattern []byte
	for j < len(s) {
		if s[j] == '\\' && j+1 < len(s) {
			pattern = append(pattern, s[j], s[j+1])
			j += 2
			continue
		}
		if s[j] == ')' {
			count--
			if count == 0 {
				j++
				break
			}
		} else if s[j] == '(' {
			count++
			if j+1 >= len(s) || s[j+1] != '?' {
				return "", 0, fmt.Errorf("capturing groups are not allowed at %d", j)
			}
		}
		pattern = append(pattern, s[j])
		j++
	}
	if count != 0 {
		return "", 0, fmt.Errorf("unbalanced pattern at %d", start)
	}
	if len(pattern) == 0 {
		return "", 0, fmt.Errorf("missing pattern at %d", start)
	}
	return string(pattern), j, nil
}
