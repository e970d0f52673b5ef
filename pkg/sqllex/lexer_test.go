package sqllex

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAnalytics_SQLLex_Tokenize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		kinds []Kind
		texts []string
	}{
		{
			name:  "simple select",
			input: "SELECT a FROM t",
			kinds: []Kind{Word, Word, Word, Word},
			texts: []string{"SELECT", "a", "FROM", "t"},
		},
		{
			name:  "string with escaped quote",
			input: "SELECT 'it''s DROP'",
			kinds: []Kind{Word, String},
			texts: []string{"SELECT", "'it''s DROP'"},
		},
		{
			name:  "quoted identifiers",
			input: `SELECT "Grade", ` + "`rate`",
			kinds: []Kind{Word, QuotedIdent, Punct, QuotedIdent},
			texts: []string{"SELECT", `"Grade"`, ",", "`rate`"},
		},
		{
			name:  "comments",
			input: "SELECT 1 -- DROP\n/* nested /* DELETE */ */",
			kinds: []Kind{Word, Number, Comment, Comment},
			texts: []string{"SELECT", "1", "-- DROP", "/* nested /* DELETE */ */"},
		},
		{
			name:  "dollar quoted and params",
			input: "SELECT $tag$ DROP $tag$, $1, ?",
			kinds: []Kind{Word, String, Punct, Param, Punct, Param},
			texts: []string{"SELECT", "$tag$ DROP $tag$", ",", "$1", ",", "?"},
		},
		{
			name:  "escape string",
			input: `SELECT E'a\'b'`,
			kinds: []Kind{Word, String},
			texts: []string{"SELECT", `E'a\'b'`},
		},
		{
			name:  "casts and operators",
			input: "x::numeric >= 1.5e3",
			kinds: []Kind{Word, Punct, Word, Punct, Number},
			texts: []string{"x", "::", "numeric", ">=", "1.5e3"},
		},
		{
			name:  "unicode whitespace separates words",
			input: "DROP\u00a0TABLE",
			kinds: []Kind{Word, Word},
			texts: []string{"DROP", "TABLE"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tokens, err := Tokenize(tt.input)
			require.NoError(t, err)
			sig := Significant(tokens)
			var kinds []Kind
			var texts []string
			for _, tok := range sig {
				kinds = append(kinds, tok.Kind)
				texts = append(texts, tok.Text)
			}
			// Comments are dropped by Significant, so compare against the raw stream for them.
			if tt.name == "comments" {
				kinds, texts = nil, nil
				for _, tok := range tokens {
					if tok.Kind == Space {
						continue
					}
					kinds = append(kinds, tok.Kind)
					texts = append(texts, tok.Text)
				}
			}
			require.Equal(t, tt.kinds, kinds)
			require.Equal(t, tt.texts, texts)
		})
	}
}

func TestAnalytics_SQLLex_TokenizeErrors(t *testing.T) {
	t.Parallel()

	for _, input := range []string{
		"SELECT 'unterminated",
		`SELECT "unterminated`,
		"SELECT 1 /* open",
		"SELECT $x$ open",
	} {
		_, err := Tokenize(input)
		require.Error(t, err, input)
	}
}

func TestAnalytics_SQLLex_Normalize(t *testing.T) {
	t.Parallel()

	a, err := Normalize("SELECT  COUNT(*)\n FROM loans;")
	require.NoError(t, err)
	b, err := Normalize("select count ( * ) from LOANS")
	require.NoError(t, err)
	require.Equal(t, a, b)

	// Literals are case and whitespace sensitive.
	c, err := Normalize("SELECT * FROM loans WHERE grade = 'A'")
	require.NoError(t, err)
	d, err := Normalize("SELECT * FROM loans WHERE grade = 'a'")
	require.NoError(t, err)
	require.NotEqual(t, c, d)

	// Comments do not affect the normalized form.
	e, err := Normalize("SELECT 1 -- note")
	require.NoError(t, err)
	require.Equal(t, "select 1", e)
}

func TestAnalytics_SQLLex_Ident(t *testing.T) {
	t.Parallel()

	tokens, err := Tokenize(`Grade "Int""Rate"`)
	require.NoError(t, err)
	sig := Significant(tokens)
	require.Equal(t, "grade", sig[0].Ident())
	require.Equal(t, `Int"Rate`, sig[1].Ident())
}
