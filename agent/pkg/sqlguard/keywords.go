package sqlguard

func set(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

// forbiddenKeywords mutate data, schema, privileges or session state, or
// write outside the statement's result. They are rejected wherever they
// appear as bare words.
var forbiddenKeywords = set(
	// data
	"INSERT", "UPDATE", "DELETE", "MERGE", "UPSERT", "REPLACE", "COPY", "INTO",
	// schema
	"CREATE", "DROP", "ALTER", "TRUNCATE", "RENAME", "COMMENT",
	// privileges
	"GRANT", "REVOKE",
	// session and transaction
	"SET", "RESET", "BEGIN", "COMMIT", "ROLLBACK", "SAVEPOINT", "LOCK", "LISTEN",
	"NOTIFY", "UNLISTEN", "PREPARE", "DEALLOCATE", "DISCARD", "CALL", "EXEC",
	"EXECUTE", "DO", "VACUUM", "REINDEX", "CLUSTER", "ANALYZE", "CHECKPOINT",
	// engine specific
	"ATTACH", "DETACH", "PRAGMA", "INSTALL", "LOAD", "EXPORT", "IMPORT", "USE",
	"OPTIMIZE", "SYSTEM", "KILL",
)

// functionKeywords are forbidden words that are also harmless scalar
// functions when called.
var functionKeywords = set("REPLACE")

// forbiddenFunctions have side effects or reach outside the catalog.
var forbiddenFunctions = set(
	"pg_sleep", "pg_sleep_for", "pg_sleep_until",
	"pg_read_file", "pg_read_binary_file", "pg_ls_dir", "pg_stat_file",
	"pg_terminate_backend", "pg_cancel_backend", "pg_reload_conf", "pg_rotate_logfile",
	"pg_switch_wal", "pg_create_restore_point", "pg_promote",
	"pg_advisory_lock", "pg_advisory_xact_lock", "pg_try_advisory_lock",
	"set_config", "nextval", "setval", "currval", "txid_current",
	"lo_import", "lo_export", "lo_unlink", "lo_create",
	"dblink", "dblink_exec", "dblink_connect", "query_to_xml",
	"read_csv", "read_csv_auto", "read_parquet", "read_json", "read_json_auto", "read_text", "read_blob", "glob",
	"sleep", "sleepeachrow", "file", "url", "s3", "remote", "remotesecure", "mysql", "postgresql",
	"load_extension", "writefile", "readfile",
)

// keywords are never column references.
var keywords = set(
	"SELECT", "FROM", "WHERE", "AND", "OR", "NOT", "IN", "IS", "NULL", "TRUE", "FALSE",
	"AS", "ON", "USING", "JOIN", "INNER", "LEFT", "RIGHT", "FULL", "OUTER", "CROSS",
	"NATURAL", "LATERAL", "GROUP", "BY", "ORDER", "ASC", "DESC", "NULLS", "FIRST", "LAST",
	"HAVING", "LIMIT", "OFFSET", "FETCH", "NEXT", "ROW", "ROWS", "ONLY", "TIES", "ALL",
	"DISTINCT", "UNION", "INTERSECT", "EXCEPT", "MINUS", "CASE", "WHEN", "THEN", "ELSE", "END",
	"BETWEEN", "SYMMETRIC", "LIKE", "ILIKE", "GLOB", "SIMILAR", "ESCAPE", "EXISTS", "ANY", "SOME",
	"WITH", "RECURSIVE", "MATERIALIZED", "OVER", "PARTITION", "RANGE", "GROUPS", "PRECEDING",
	"FOLLOWING", "UNBOUNDED", "CURRENT", "WINDOW", "FILTER", "WITHIN", "QUALIFY", "ROLLUP",
	"CUBE", "GROUPING", "SETS", "CAST", "COLLATE", "FOR", "BOTH", "LEADING", "TRAILING",
	"VALUES", "DEFAULT", "ARRAY", "TABLESAMPLE", "REPEATABLE", "EXCLUDE", "OTHERS", "NO",
	"INTERVAL", "DATE", "TIME", "TIMESTAMP", "TIMESTAMPTZ", "ZONE", "AT", "LOCAL",
	"YEAR", "YEARS", "MONTH", "MONTHS", "DAY", "DAYS", "HOUR", "HOURS", "MINUTE", "MINUTES",
	"SECOND", "SECONDS", "WEEK", "WEEKS", "QUARTER", "EPOCH", "DOW", "DOY", "ISODOW", "ISOYEAR",
	"CENTURY", "DECADE", "MILLENNIUM", "MILLISECOND", "MILLISECONDS", "MICROSECOND", "MICROSECONDS",
	"CURRENT_DATE", "CURRENT_TIME", "CURRENT_TIMESTAMP", "LOCALTIME", "LOCALTIMESTAMP",
	"INTEGER", "INT", "INT2", "INT4", "INT8", "BIGINT", "SMALLINT", "TINYINT", "HUGEINT",
	"NUMERIC", "DECIMAL", "REAL", "DOUBLE", "PRECISION", "FLOAT", "FLOAT4", "FLOAT8",
	"TEXT", "VARCHAR", "CHAR", "CHARACTER", "VARYING", "STRING", "BOOLEAN", "BOOL",
	"UNKNOWN", "SEPARATOR",
)

// clauseKeywords end a FROM item and can never be an implicit alias.
var clauseKeywords = set(
	"WHERE", "GROUP", "HAVING", "ORDER", "LIMIT", "OFFSET", "FETCH", "UNION", "INTERSECT",
	"EXCEPT", "MINUS", "WINDOW", "QUALIFY", "JOIN", "INNER", "LEFT", "RIGHT", "FULL", "CROSS",
	"NATURAL", "ON", "USING", "LATERAL", "TABLESAMPLE", "FOR", "AS",
)

// schemas that may qualify a catalog table.
var defaultSchemas = set("public", "main", "default")
