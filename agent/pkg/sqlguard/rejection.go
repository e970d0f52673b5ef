package sqlguard

import (
	"errors"
	"fmt"
)

// ErrRejected matches every *Rejection via errors.Is.
var ErrRejected = errors.New("sql rejected")

type Reason string

const (
	ReasonEmpty              Reason = "empty"
	ReasonUnparsable         Reason = "unparsable"
	ReasonMultipleStatements Reason = "multiple_statements"
	ReasonNotReadOnly        Reason = "not_read_only"
	ReasonForbiddenKeyword   Reason = "forbidden_keyword"
	ReasonForbiddenFunction  Reason = "forbidden_function"
	ReasonForbiddenComment   Reason = "forbidden_comment"
	ReasonBackslashEscape    Reason = "backslash_escape"
	ReasonParameter          Reason = "parameter"
	ReasonUnknownTable       Reason = "unknown_table"
	ReasonUnknownColumn      Reason = "unknown_column"
	ReasonRowCap             Reason = "row_cap"
)

// Rejection explains why a statement was refused. Detail is phrased so it
// can be fed back to the model verbatim.
type Rejection struct {
	Reason Reason
	Detail string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("sql rejected (%s): %s", r.Reason, r.Detail)
}

func (r *Rejection) Is(target error) bool {
	return target == ErrRejected
}

func reject(reason Reason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}
