// Package sqlguard decides whether a generated statement may run: it must be
// a single read-only query over catalog tables and columns, and it leaves
// with an explicit row cap.
package sqlguard

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/edumesones/executive-sql-to-text/pkg/catalog"
	"github.com/edumesones/executive-sql-to-text/pkg/sqllex"
)

const DefaultRowCap = 1000

type Guard struct {
	cat    *catalog.Catalog
	rowCap int
}

// New returns a guard over cat. A non-positive rowCap means DefaultRowCap.
func New(cat *catalog.Catalog, rowCap int) *Guard {
	if rowCap <= 0 {
		rowCap = DefaultRowCap
	}
	return &Guard{cat: cat, rowCap: rowCap}
}

func (g *Guard) RowCap() int { return g.rowCap }

// Validate checks sql and returns the statement to execute: comments
// stripped, trailing semicolons removed and a top-level LIMIT no larger than
// the row cap. Any failure is a *Rejection.
func (g *Guard) Validate(sql string) (string, error) {
	tokens, err := sqllex.Tokenize(sql)
	if err != nil {
		return "", reject(ReasonUnparsable, "%v", err)
	}

	for _, t := range tokens {
		switch t.Kind {
		case sqllex.Comment:
			if w, ok := forbiddenWord(t.CommentBody()); ok {
				return "", reject(ReasonForbiddenComment, "comment contains forbidden keyword %s", w)
			}
		case sqllex.String, sqllex.QuotedIdent:
			// ClickHouse and MySQL read \' as an escaped quote; Postgres and
			// SQLite end the literal there.
			if strings.ContainsRune(t.Text, '\\') {
				return "", reject(ReasonBackslashEscape, "backslash inside quoted text at offset %d; use doubled quotes ('') instead", t.Pos)
			}
		}
	}

	st := newStatement(tokens)
	if len(st.sig) == 0 {
		return "", reject(ReasonEmpty, "statement is empty")
	}
	if err := st.checkShape(); err != nil {
		return "", err
	}
	if err := st.checkKeywords(); err != nil {
		return "", err
	}
	if err := st.checkCatalog(g.cat); err != nil {
		return "", err
	}
	out, err := st.render(g.rowCap)
	if err != nil {
		return "", err
	}

	// The rewritten text must lex to the same guarantees.
	final, err := sqllex.Tokenize(out)
	if err != nil {
		return "", reject(ReasonUnparsable, "rewritten statement does not lex: %v", err)
	}
	fst := newStatement(final)
	if err := fst.checkShape(); err != nil {
		return "", err
	}
	if err := fst.checkKeywords(); err != nil {
		return "", err
	}
	return out, nil
}

// forbiddenWord scans free text (a comment body) for forbidden keywords.
func forbiddenWord(text string) (string, bool) {
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !(r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r))
	})
	for _, w := range words {
		if up := strings.ToUpper(w); forbiddenKeywords[up] {
			return up, true
		}
	}
	return "", false
}

// statement is the significant-token view of one candidate query.
type statement struct {
	all []sqllex.Token
	// sig holds significant tokens with trailing semicolons dropped; pos maps
	// each back to its index in all.
	sig []sqllex.Token
	pos []int
	// depth is the paren depth at each sig token; scope marks whether the
	// innermost enclosing paren holds a query rather than an expression.
	depth []int
	query []bool
}

func newStatement(all []sqllex.Token) *statement {
	st := &statement{all: all}
	for i, t := range all {
		if t.Kind == sqllex.Space || t.Kind == sqllex.Comment {
			continue
		}
		st.sig = append(st.sig, t)
		st.pos = append(st.pos, i)
	}
	for len(st.sig) > 0 && st.sig[len(st.sig)-1].IsPunct(";") {
		st.sig = st.sig[:len(st.sig)-1]
		st.pos = st.pos[:len(st.pos)-1]
	}

	st.depth = make([]int, len(st.sig))
	st.query = make([]bool, len(st.sig))
	stack := []bool{true}
	for i, t := range st.sig {
		if t.IsPunct(")") && len(stack) > 1 {
			stack = stack[:len(stack)-1]
		}
		st.depth[i] = len(stack) - 1
		st.query[i] = stack[len(stack)-1]
		if t.IsPunct("(") {
			isQuery := i+1 < len(st.sig) && (st.sig[i+1].Is("SELECT") || st.sig[i+1].Is("WITH") || st.sig[i+1].Is("VALUES"))
			stack = append(stack, isQuery)
		}
	}
	return st
}

func (st *statement) checkShape() error {
	if len(st.sig) == 0 {
		return reject(ReasonEmpty, "statement is empty")
	}
	for _, t := range st.sig {
		if t.IsPunct(";") {
			return reject(ReasonMultipleStatements, "only a single statement is allowed")
		}
		if t.Kind == sqllex.Param {
			return reject(ReasonParameter, "statement must not contain bind parameters (%s)", t.Text)
		}
	}
	first := 0
	for first < len(st.sig) && st.sig[first].IsPunct("(") {
		first++
	}
	if first == len(st.sig) || !(st.sig[first].Is("SELECT") || st.sig[first].Is("WITH")) {
		return reject(ReasonNotReadOnly, "statement must start with SELECT or WITH")
	}
	depth := 0
	for _, t := range st.sig {
		switch {
		case t.IsPunct("("):
			depth++
		case t.IsPunct(")"):
			depth--
			if depth < 0 {
				return reject(ReasonUnparsable, "unbalanced parentheses")
			}
		}
	}
	if depth != 0 {
		return reject(ReasonUnparsable, "unbalanced parentheses")
	}
	return nil
}

func (st *statement) next(i int) sqllex.Token {
	if i+1 < len(st.sig) {
		return st.sig[i+1]
	}
	return sqllex.Token{}
}

func (st *statement) prev(i int) sqllex.Token {
	if i > 0 {
		return st.sig[i-1]
	}
	return sqllex.Token{}
}

func (st *statement) checkKeywords() error {
	for i, t := range st.sig {
		if t.Kind != sqllex.Word {
			continue
		}
		up := t.Upper()
		call := st.next(i).IsPunct("(")
		if forbiddenKeywords[up] && !(call && functionKeywords[up]) {
			return reject(ReasonForbiddenKeyword, "%s is not allowed in a read-only query", up)
		}
		if call && forbiddenFunctions[strings.ToLower(t.Text)] {
			return reject(ReasonForbiddenFunction, "function %s is not allowed", strings.ToLower(t.Text))
		}
	}
	return nil
}

// matching returns the index of the paren closing the one at i.
func (st *statement) matching(i int) int {
	depth := 0
	for j := i; j < len(st.sig); j++ {
		switch {
		case st.sig[j].IsPunct("("):
			depth++
		case st.sig[j].IsPunct(")"):
			depth--
			if depth == 0 {
				return j
			}
		}
	}
	return len(st.sig) - 1
}

func isIdent(t sqllex.Token) bool {
	return t.Kind == sqllex.QuotedIdent || (t.Kind == sqllex.Word && !keywords[t.Upper()] && !forbiddenKeywords[t.Upper()])
}

// render rebuilds the statement without comments or trailing semicolons and
// enforces the row cap on the outermost query.
func (st *statement) render(rowCap int) (string, error) {
	type edit struct {
		from, to int // sig indexes, inclusive
		text     string
	}
	var (
		edits    []edit
		hasLimit bool
		offsetAt = -1
	)
	for i, t := range st.sig {
		if st.depth[i] != 0 || t.Kind != sqllex.Word {
			continue
		}
		switch {
		case t.Is("OFFSET") && offsetAt == -1 && !hasLimit:
			offsetAt = i
		case t.Is("LIMIT"):
			hasLimit = true
			end := i + 1
			for end < len(st.sig) && !(st.depth[end] == 0 && st.sig[end].Is("OFFSET")) {
				end++
			}
			if end == i+1 {
				return "", reject(ReasonRowCap, "LIMIT requires a row count")
			}
			span := st.sig[i+1 : end]
			if len(span) == 1 && span[0].Kind == sqllex.Number {
				n, err := strconv.Atoi(span[0].Text)
				if err == nil && n <= rowCap {
					continue
				}
			}
			edits = append(edits, edit{from: i + 1, to: end - 1, text: strconv.Itoa(rowCap)})
		case t.Is("FETCH"):
			hasLimit = true
			j := i + 1
			if j < len(st.sig) && (st.sig[j].Is("FIRST") || st.sig[j].Is("NEXT")) {
				j++
			}
			if j < len(st.sig) && st.sig[j].Kind == sqllex.Number {
				n, err := strconv.Atoi(st.sig[j].Text)
				if err != nil || n > rowCap {
					return "", reject(ReasonRowCap, "FETCH FIRST %s exceeds the row cap of %d", st.sig[j].Text, rowCap)
				}
			} else if j < len(st.sig) && !(st.sig[j].Is("ROW") || st.sig[j].Is("ROWS")) {
				return "", reject(ReasonRowCap, "FETCH FIRST requires a literal row count")
			}
		}
	}

	replace := make(map[int]edit)
	for _, e := range edits {
		replace[e.from] = e
	}

	last := st.pos[len(st.pos)-1]
	sigAt := make(map[int]int, len(st.pos))
	for si, ai := range st.pos {
		sigAt[ai] = si
	}

	var sb strings.Builder
	skipUntil := -1
	for ai := 0; ai <= last; ai++ {
		t := st.all[ai]
		if si, ok := sigAt[ai]; ok {
			if si <= skipUntil {
				continue
			}
			if !hasLimit && si == offsetAt {
				sb.WriteString("LIMIT " + strconv.Itoa(rowCap) + " ")
			}
			if e, ok := replace[si]; ok {
				sb.WriteString(e.text)
				skipUntil = e.to
				continue
			}
			sb.WriteString(t.Text)
			continue
		}
		if skipUntil >= 0 && ai < st.pos[min(skipUntil, len(st.pos)-1)] {
			continue
		}
		// Comments become a space so adjacent words never fuse.
		if t.Kind == sqllex.Comment {
			sb.WriteString(" ")
			continue
		}
		sb.WriteString(t.Text)
	}
	out := strings.TrimSpace(sb.String())
	if !hasLimit && offsetAt == -1 {
		out += " LIMIT " + strconv.Itoa(rowCap)
	}
	return out, nil
}
