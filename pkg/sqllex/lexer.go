// Package sqllex is a small, dialect-tolerant SQL tokenizer. It understands
// enough of the Postgres, SQLite, DuckDB and ClickHouse lexical grammar to tell
// keywords apart from string literals, quoted identifiers and comments.
package sqllex

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Kind classifies a token.
type Kind int

const (
	Word        Kind = iota // keyword or bare identifier
	QuotedIdent             // "name" or `name`
	String                  // 'text', E'text', $$text$$
	Number
	Param // $1, ?
	Punct
	Comment
	Space
)

func (k Kind) String() string {
	switch k {
	case Word:
		return "word"
	case QuotedIdent:
		return "quoted_ident"
	case String:
		return "string"
	case Number:
		return "number"
	case Param:
		return "param"
	case Punct:
		return "punct"
	case Comment:
		return "comment"
	case Space:
		return "space"
	}
	return "unknown"
}

// Token is a lexeme with its byte offset in the input.
type Token struct {
	Kind Kind
	Text string
	Pos  int
}

// End returns the byte offset just past the token.
func (t Token) End() int { return t.Pos + len(t.Text) }

// Upper returns the upper-cased text of a word token.
func (t Token) Upper() string { return strings.ToUpper(t.Text) }

// Is reports whether the token is the given keyword, case-insensitively.
func (t Token) Is(keyword string) bool {
	return t.Kind == Word && strings.EqualFold(t.Text, keyword)
}

// IsPunct reports whether the token is the given punctuation.
func (t Token) IsPunct(p string) bool { return t.Kind == Punct && t.Text == p }

// Ident returns the identifier name for words and quoted identifiers. Bare
// words are folded to lower case; quoted identifiers keep their case.
func (t Token) Ident() string {
	switch t.Kind {
	case Word:
		return strings.ToLower(t.Text)
	case QuotedIdent:
		inner := t.Text[1 : len(t.Text)-1]
		q := t.Text[:1]
		return strings.ReplaceAll(inner, q+q, q)
	}
	return ""
}

// CommentBody returns the text of a comment without its delimiters.
func (t Token) CommentBody() string {
	if t.Kind != Comment {
		return ""
	}
	if strings.HasPrefix(t.Text, "--") {
		return t.Text[2:]
	}
	return strings.TrimSuffix(strings.TrimPrefix(t.Text, "/*"), "*/")
}

var multiCharPunct = []string{"->>", "::", "<=", ">=", "<>", "!=", "||", "->", "=>"}

// Tokenize splits sql into tokens, including whitespace and comments. It
// fails on unterminated strings, quoted identifiers and block comments.
func Tokenize(sql string) ([]Token, error) {
	var tokens []Token
	i := 0
	for i < len(sql) {
		start := i
		r, size := utf8.DecodeRuneInString(sql[i:])
		switch {
		case unicode.IsSpace(r):
			for i < len(sql) {
				r, size = utf8.DecodeRuneInString(sql[i:])
				if !unicode.IsSpace(r) {
					break
				}
				i += size
			}
			tokens = append(tokens, Token{Kind: Space, Text: sql[start:i], Pos: start})

		case strings.HasPrefix(sql[i:], "--"):
			end := strings.IndexByte(sql[i:], '\n')
			if end == -1 {
				i = len(sql)
			} else {
				i += end
			}
			tokens = append(tokens, Token{Kind: Comment, Text: sql[start:i], Pos: start})

		case strings.HasPrefix(sql[i:], "/*"):
			end, err := scanBlockComment(sql, i)
			if err != nil {
				return nil, err
			}
			i = end
			tokens = append(tokens, Token{Kind: Comment, Text: sql[start:i], Pos: start})

		case r == '\'':
			end, err := scanQuoted(sql, i, '\'', false)
			if err != nil {
				return nil, err
			}
			i = end
			tokens = append(tokens, Token{Kind: String, Text: sql[start:i], Pos: start})

		case r == '"' || r == '`':
			end, err := scanQuoted(sql, i, byte(r), false)
			if err != nil {
				return nil, err
			}
			i = end
			tokens = append(tokens, Token{Kind: QuotedIdent, Text: sql[start:i], Pos: start})

		case r == '$':
			if i+1 < len(sql) && isDigit(sql[i+1]) {
				i++
				for i < len(sql) && isDigit(sql[i]) {
					i++
				}
				tokens = append(tokens, Token{Kind: Param, Text: sql[start:i], Pos: start})
				continue
			}
			end, ok, err := scanDollarQuoted(sql, i)
			if err != nil {
				return nil, err
			}
			if !ok {
				i += size
				tokens = append(tokens, Token{Kind: Punct, Text: sql[start:i], Pos: start})
				continue
			}
			i = end
			tokens = append(tokens, Token{Kind: String, Text: sql[start:i], Pos: start})

		case r == '?':
			i += size
			tokens = append(tokens, Token{Kind: Param, Text: sql[start:i], Pos: start})

		case isDigit(sql[i]) || (sql[i] == '.' && i+1 < len(sql) && isDigit(sql[i+1])):
			i = scanNumber(sql, i)
			tokens = append(tokens, Token{Kind: Number, Text: sql[start:i], Pos: start})

		case isIdentStart(r):
			for i < len(sql) {
				r, size = utf8.DecodeRuneInString(sql[i:])
				if !isIdentPart(r) {
					break
				}
				i += size
			}
			// String literal prefixes: E'..', N'..', X'..', B'..'.
			if i < len(sql) && sql[i] == '\'' && i-start == 1 && strings.ContainsAny(sql[start:i], "eEnNxXbB") {
				backslash := sql[start] == 'e' || sql[start] == 'E'
				end, err := scanQuoted(sql, i, '\'', backslash)
				if err != nil {
					return nil, err
				}
				i = end
				tokens = append(tokens, Token{Kind: String, Text: sql[start:i], Pos: start})
				continue
			}
			tokens = append(tokens, Token{Kind: Word, Text: sql[start:i], Pos: start})

		default:
			matched := false
			for _, p := range multiCharPunct {
				if strings.HasPrefix(sql[i:], p) {
					i += len(p)
					matched = true
					break
				}
			}
			if !matched {
				i += size
			}
			tokens = append(tokens, Token{Kind: Punct, Text: sql[start:i], Pos: start})
		}
	}
	return tokens, nil
}

// Significant drops whitespace and comment tokens.
func Significant(tokens []Token) []Token {
	out := make([]Token, 0, len(tokens))
	for _, t := range tokens {
		if t.Kind == Space || t.Kind == Comment {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Normalize renders sql in a canonical form: comments dropped, tokens joined
// by a single space, bare words lower-cased, literals and quoted identifiers
// kept verbatim, trailing semicolons removed.
func Normalize(sql string) (string, error) {
	tokens, err := Tokenize(sql)
	if err != nil {
		return "", err
	}
	sig := Significant(tokens)
	for len(sig) > 0 && sig[len(sig)-1].IsPunct(";") {
		sig = sig[:len(sig)-1]
	}
	parts := make([]string, len(sig))
	for i, t := range sig {
		if t.Kind == Word {
			parts[i] = strings.ToLower(t.Text)
		} else {
			parts[i] = t.Text
		}
	}
	return strings.Join(parts, " "), nil
}

func scanBlockComment(sql string, i int) (int, error) {
	depth := 0
	for i < len(sql) {
		switch {
		case strings.HasPrefix(sql[i:], "/*"):
			depth++
			i += 2
		case strings.HasPrefix(sql[i:], "*/"):
			depth--
			i += 2
			if depth == 0 {
				return i, nil
			}
		default:
			i++
		}
	}
	return 0, fmt.Errorf("unterminated block comment")
}

// scanQuoted scans a quoted run starting at sql[i] == q. A doubled quote is an
// escaped quote; with backslash set, \q is one too.
func scanQuoted(sql string, i int, q byte, backslash bool) (int, error) {
	i++
	for i < len(sql) {
		c := sql[i]
		if backslash && c == '\\' {
			i += 2
			continue
		}
		if c == q {
			if i+1 < len(sql) && sql[i+1] == q {
				i += 2
				continue
			}
			return i + 1, nil
		}
		i++
	}
	if q == '\'' {
		return 0, fmt.Errorf("unterminated string literal")
	}
	return 0, fmt.Errorf("unterminated quoted identifier")
}

func scanDollarQuoted(sql string, i int) (end int, ok bool, err error) {
	j := i + 1
	for j < len(sql) && (isASCIILetter(sql[j]) || sql[j] == '_' || (j > i+1 && isDigit(sql[j]))) {
		j++
	}
	if j >= len(sql) || sql[j] != '$' {
		return 0, false, nil
	}
	tag := sql[i : j+1]
	closeAt := strings.Index(sql[j+1:], tag)
	if closeAt == -1 {
		return 0, false, fmt.Errorf("unterminated dollar-quoted string")
	}
	return j + 1 + closeAt + len(tag), true, nil
}

func scanNumber(sql string, i int) int {
	for i < len(sql) && (isDigit(sql[i]) || sql[i] == '.') {
		i++
	}
	if i < len(sql) && (sql[i] == 'e' || sql[i] == 'E') {
		j := i + 1
		if j < len(sql) && (sql[j] == '+' || sql[j] == '-') {
			j++
		}
		if j < len(sql) && isDigit(sql[j]) {
			i = j
			for i < len(sql) && isDigit(sql[i]) {
				i++
			}
		}
	}
	return i
}

func isDigit(c byte) bool       { return c >= '0' && c <= '9' }
func isASCIILetter(c byte) bool { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }

func isIdentStart(r rune) bool { return r == '_' || unicode.IsLetter(r) }

func isIdentPart(r rune) bool {
	return r == '_' || r == '$' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
