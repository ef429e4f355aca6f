// Package ids encodes and decodes the composite identifiers used on the wire.
//
// Every external identifier has the form "<kind>:<n>" where n is the
// non-negative integer key of the record in the project store. Raw integers
// are never accepted from clients.
package ids

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type Kind string

const (
	KindProject Kind = "project"
	KindStage   Kind = "stage"
	KindTask    Kind = "task"
	KindTag     Kind = "tag"
	KindMessage Kind = "msg"
	KindPartner Kind = "partner"
)

var ErrInvalidIdentifier = errors.New("invalid identifier")

// InvalidIdentifierError reports which identifier failed to decode and why.
type InvalidIdentifierError struct {
	Expected Kind
	Value    string
	Reason   string
}

func (e *InvalidIdentifierError) Error() string {
	return fmt.Sprintf("invalid %s identifier %q: %s", e.Expected, e.Value, e.Reason)
}

func (e *InvalidIdentifierError) Unwrap() error {
	return ErrInvalidIdentifier
}

func Encode(kind Kind, id int64) string {
	return string(kind) + ":" + strconv.FormatInt(id, 10)
}

// EncodePtr returns nil for a nil id so optional relations stay null on the wire.
func EncodePtr(kind Kind, id *int64) *string {
	if id == nil {
		return nil
	}
	encoded := Encode(kind, *id)
	return &encoded
}

func EncodeAll(kind Kind, values []int64) []string {
	out := make([]string, 0, len(values))
	for _, id := range values {
		out = append(out, Encode(kind, id))
	}
	return out
}

func Decode(expected Kind, value string) (int64, error) {
	prefix := string(expected) + ":"
	if !strings.HasPrefix(value, prefix) {
		return 0, &InvalidIdentifierError{Expected: expected, Value: value, Reason: "kind prefix mismatch"}
	}
	rest := value[len(prefix):]
	if rest == "" {
		return 0, &InvalidIdentifierError{Expected: expected, Value: value, Reason: "missing number"}
	}
	// ParseInt accepts a leading sign; the wire format does not.
	if rest[0] < '0' || rest[0] > '9' {
		return 0, &InvalidIdentifierError{Expected: expected, Value: value, Reason: "not a non-negative integer"}
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, &InvalidIdentifierError{Expected: expected, Value: value, Reason: "not a non-negative integer"}
	}
	return id, nil
}

// DecodeAll decodes every value, failing on the first malformed entry.
func DecodeAll(expected Kind, values []string) ([]int64, error) {
	out := make([]int64, 0, len(values))
	for _, value := range values {
		id, err := Decode(expected, value)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}
