package sqlguard

import (
	"strings"

	"github.com/edumesones/executive-sql-to-text/pkg/catalog"
	"github.com/edumesones/executive-sql-to-text/pkg/sqllex"
)

// scope collects the names a statement introduces: CTEs, aliases and the
// catalog tables it reads.
type scope struct {
	cat        *catalog.Catalog
	ctes       map[string]bool
	derived    map[string]bool              // aliases of subqueries and CTE references
	aliases    map[string]*catalog.Table    // aliases of catalog tables
	tables     map[string]*catalog.Table    // catalog tables referenced by name
	names      map[string]bool              // column aliases and CTE column lists
	structural map[int]bool                 // sig indexes already accounted for
}

func (st *statement) checkCatalog(cat *catalog.Catalog) error {
	if cat == nil {
		return nil
	}
	sc := &scope{
		cat:        cat,
		ctes:       make(map[string]bool),
		derived:    make(map[string]bool),
		aliases:    make(map[string]*catalog.Table),
		tables:     make(map[string]*catalog.Table),
		names:      make(map[string]bool),
		structural: make(map[int]bool),
	}

	for i, t := range st.sig {
		if t.Is("WITH") {
			st.collectCTEs(sc, i)
		}
	}
	for i, t := range st.sig {
		if !st.query[i] || !(t.Is("FROM") || t.Is("JOIN")) {
			continue
		}
		j, err := st.fromItem(sc, i+1)
		if err != nil {
			return err
		}
		if !t.Is("FROM") {
			continue
		}
		for j < len(st.sig) && st.sig[j].IsPunct(",") && st.depth[j] == st.depth[i] {
			if j, err = st.fromItem(sc, j+1); err != nil {
				return err
			}
		}
	}
	st.collectAliases(sc)
	return st.checkReferences(sc)
}

// collectCTEs records the names and column lists of WITH [RECURSIVE]
// name [(cols)] AS [NOT] [MATERIALIZED] (...) [, ...].
func (st *statement) collectCTEs(sc *scope, i int) {
	sc.structural[i] = true
	j := i + 1
	if j < len(st.sig) && st.sig[j].Is("RECURSIVE") {
		j++
	}
	for j < len(st.sig) {
		name := st.sig[j]
		if name.Kind != sqllex.Word && name.Kind != sqllex.QuotedIdent {
			return
		}
		sc.ctes[name.Ident()] = true
		sc.structural[j] = true
		j++
		if j < len(st.sig) && st.sig[j].IsPunct("(") {
			end := st.matching(j)
			for k := j + 1; k < end; k++ {
				if st.sig[k].Kind == sqllex.Word || st.sig[k].Kind == sqllex.QuotedIdent {
					sc.names[st.sig[k].Ident()] = true
					sc.structural[k] = true
				}
			}
			j = end + 1
		}
		if j >= len(st.sig) || !st.sig[j].Is("AS") {
			return
		}
		j++
		for j < len(st.sig) && (st.sig[j].Is("NOT") || st.sig[j].Is("MATERIALIZED")) {
			j++
		}
		if j >= len(st.sig) || !st.sig[j].IsPunct("(") {
			return
		}
		j = st.matching(j) + 1
		if j >= len(st.sig) || !st.sig[j].IsPunct(",") {
			return
		}
		j++
	}
}

// fromItem parses one FROM or JOIN item starting at i and returns the index
// just past it.
func (st *statement) fromItem(sc *scope, i int) (int, error) {
	if i < len(st.sig) && st.sig[i].Is("LATERAL") {
		i++
	}
	if i >= len(st.sig) {
		return i, nil
	}

	if st.sig[i].IsPunct("(") {
		end := st.matching(i)
		j, alias := st.alias(sc, end+1)
		if alias != "" {
			sc.derived[alias] = true
		}
		return j, nil
	}

	t := st.sig[i]
	if t.Kind != sqllex.Word && t.Kind != sqllex.QuotedIdent {
		return i, nil
	}
	parts := []string{t.Ident()}
	sc.structural[i] = true
	j := i + 1
	for j+1 < len(st.sig) && st.sig[j].IsPunct(".") && (st.sig[j+1].Kind == sqllex.Word || st.sig[j+1].Kind == sqllex.QuotedIdent) {
		parts = append(parts, st.sig[j+1].Ident())
		sc.structural[j+1] = true
		j += 2
	}
	name := parts[len(parts)-1]
	if j < len(st.sig) && st.sig[j].IsPunct("(") {
		return 0, reject(ReasonUnknownTable, "table function %s is not allowed; query the catalog tables directly", strings.Join(parts, "."))
	}
	if len(parts) > 2 || (len(parts) == 2 && !defaultSchemas[parts[0]]) {
		return 0, reject(ReasonUnknownTable, "table %s is not in the schema", strings.Join(parts, "."))
	}

	if len(parts) == 1 && sc.ctes[name] {
		j, alias := st.alias(sc, j)
		if alias != "" {
			sc.derived[alias] = true
		}
		return j, nil
	}
	table, ok := sc.cat.Table(name)
	if !ok {
		return 0, reject(ReasonUnknownTable, "table %s is not in the schema; available tables: %s", name, strings.Join(sc.cat.TableNames(), ", "))
	}
	sc.tables[strings.ToLower(table.Name)] = table
	j, alias := st.alias(sc, j)
	if alias != "" {
		sc.aliases[alias] = table
	}
	return j, nil
}

// alias reads an optional [AS] alias [(cols)] at i.
func (st *statement) alias(sc *scope, i int) (int, string) {
	if i < len(st.sig) && st.sig[i].Is("AS") {
		sc.structural[i] = true
		i++
	}
	if i >= len(st.sig) {
		return i, ""
	}
	t := st.sig[i]
	if !(t.Kind == sqllex.QuotedIdent || (t.Kind == sqllex.Word && !clauseKeywords[t.Upper()] && !keywords[t.Upper()])) {
		return i, ""
	}
	sc.structural[i] = true
	alias := t.Ident()
	i++
	if i < len(st.sig) && st.sig[i].IsPunct("(") {
		end := st.matching(i)
		for k := i + 1; k < end; k++ {
			if st.sig[k].Kind == sqllex.Word || st.sig[k].Kind == sqllex.QuotedIdent {
				sc.names[st.sig[k].Ident()] = true
				sc.structural[k] = true
			}
		}
		i = end + 1
	}
	return i, alias
}

// collectAliases records column aliases: a name after AS, or a name that
// directly follows a complete expression (an implicit alias).
func (st *statement) collectAliases(sc *scope) {
	for i, t := range st.sig {
		if sc.structural[i] || !isIdent(t) || st.next(i).IsPunct("(") || st.next(i).IsPunct(".") {
			continue
		}
		p := st.prev(i)
		switch {
		case p.Is("AS"):
		case p.IsPunct(")") || p.Kind == sqllex.Number || p.Kind == sqllex.String || p.Kind == sqllex.QuotedIdent:
		case p.Is("END"):
		case p.Kind == sqllex.Word && isIdent(p) && !st.prev(i-1).IsPunct("::"):
		case p.IsPunct("*") && i >= 2 && (st.prev(i-1).IsPunct(".")):
		default:
			continue
		}
		// A name following a type cast target is part of the type.
		if p.Kind == sqllex.Word && i >= 2 && st.sig[i-2].IsPunct("::") {
			continue
		}
		sc.names[t.Ident()] = true
		sc.structural[i] = true
	}
}

func (st *statement) checkReferences(sc *scope) error {
	for i, t := range st.sig {
		if sc.structural[i] || !isIdent(t) {
			continue
		}
		if st.next(i).IsPunct("(") {
			continue
		}
		p := st.prev(i)
		if p.IsPunct("::") {
			continue
		}
		if p.IsPunct(".") {
			// Qualified names are checked from their qualifier.
			continue
		}
		name := t.Ident()

		if st.next(i).IsPunct(".") {
			if err := st.checkQualified(sc, i); err != nil {
				return err
			}
			continue
		}
		if sc.names[name] || sc.ctes[name] || sc.derived[name] || sc.aliases[name] != nil {
			continue
		}
		if _, ok := sc.cat.Table(name); ok {
			continue
		}
		if sc.hasColumn(name) {
			continue
		}
		return reject(ReasonUnknownColumn, "column %s does not exist in %s", name, sc.tableList())
	}
	return nil
}

func (st *statement) checkQualified(sc *scope, i int) error {
	qual := st.sig[i].Ident()
	j := i + 2
	// schema.table.column
	if defaultSchemas[qual] && j+1 < len(st.sig) && st.sig[j+1].IsPunct(".") {
		qual = st.sig[j].Ident()
		j += 2
	}
	if j >= len(st.sig) {
		return reject(ReasonUnparsable, "dangling qualifier %s", qual)
	}
	col := st.sig[j]
	if sc.derived[qual] || sc.ctes[qual] {
		return nil
	}
	table := sc.aliases[qual]
	if table == nil {
		table = sc.tables[qual]
	}
	if table == nil {
		return reject(ReasonUnknownTable, "%s is not a table or alias in this query", qual)
	}
	if col.IsPunct("*") {
		return nil
	}
	if col.Kind != sqllex.Word && col.Kind != sqllex.QuotedIdent {
		return reject(ReasonUnparsable, "unexpected %q after %s.", col.Text, qual)
	}
	if _, ok := table.Column(col.Ident()); !ok {
		return reject(ReasonUnknownColumn, "column %s does not exist in table %s", col.Ident(), table.Name)
	}
	return nil
}

func (sc *scope) hasColumn(name string) bool {
	for _, t := range sc.tables {
		if _, ok := t.Column(name); ok {
			return true
		}
	}
	return false
}

func (sc *scope) tableList() string {
	if len(sc.tables) == 0 {
		return "the queried tables (no table is referenced)"
	}
	names := make([]string, 0, len(sc.tables))
	for n := range sc.tables {
		names = append(names, n)
	}
	return "table " + strings.Join(names, ", ")
}
