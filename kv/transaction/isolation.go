package transaction

import (
	"strings"

	"github.com/pingcap/errors"
)

type Isolation int

const (
	ReadCommitted Isolation = iota
	RepeatableRead
	Serializable
)

// UsesSameSnapshot reports whether every statement of the transaction sees the same snapshot.
func (iso Isolation) UsesSameSnapshot() bool {
	return iso >= RepeatableRead
}

func (iso Isolation) String() string {
	switch iso {
	case ReadCommitted:
		return "read-committed"
	case RepeatableRead:
		return "repeatable-read"
	case Serializable:
		return "serializable"
	}
	return "unknown"
}

func ParseIsolation(s string) (Isolation, error) {
	switch strings.ToLower(strings.Replace(s, " ", "-", -1)) {
	case "read-committed", "rc":
		return ReadCommitted, nil
	case "repeatable-read", "rr":
		return RepeatableRead, nil
	case "serializable":
		return Serializable, nil
	}
	return ReadCommitted, errors.Errorf("unknown isolation level %q", s)
}
