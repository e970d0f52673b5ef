package querycache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/edumesones/executive-sql-to-text/pkg/sqllex"
)

// Fingerprint returns the cache key for sql: the SHA-256 hex digest of its
// normalized form. Normalization drops comments, collapses whitespace and
// folds keyword and identifier case. Literals are kept, so two queries that
// differ only by a WHERE literal get different fingerprints.
func Fingerprint(sql string) string {
	norm, err := sqllex.Normalize(sql)
	if err != nil {
		// Unlexable text never reaches the datastore; any stable key will do.
		norm = strings.ToLower(strings.Join(strings.Fields(sql), " "))
	}
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])
}

// QuestionKey keys a replay by the normalized question and the SQL of the
// previous turn in the session, since a follow-up like "same but for 2012"
// means something different after each prior query.
func QuestionKey(question, previousSQL string) string {
	q := strings.ToLower(strings.Join(strings.Fields(question), " "))
	q = strings.TrimRight(q, "?.! ")
	prev := ""
	if previousSQL != "" {
		prev = Fingerprint(previousSQL)
	}
	sum := sha256.Sum256([]byte(q + "\x00" + prev))
	return hex.EncodeToString(sum[:])
}
