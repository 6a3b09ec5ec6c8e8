package attempt

import (
	"bytes"
	"encoding/json"
	"errors"
)

// Selection is the tagged variant required in place of an untyped
// selectedOption field: a candidate's answer to a question is either
// unanswered, a single chosen option id, or a set of chosen option ids.
type Selection struct {
	kind  selectionKind
	one   string
	many  []string
}

type selectionKind int

const (
	selectionUnanswered selectionKind = iota
	selectionScalar
	selectionMulti
)

func Unanswered() Selection { return Selection{kind: selectionUnanswered} }

func Scalar(id string) Selection { return Selection{kind: selectionScalar, one: id} }

func Multi(ids []string) Selection {
	cp := append([]string(nil), ids...)
	return Selection{kind: selectionMulti, many: cp}
}

func (s Selection) IsUnanswered() bool { return s.kind == selectionUnanswered }

func (s Selection) IsScalar() bool { return s.kind == selectionScalar }

func (s Selection) IsMulti() bool { return s.kind == selectionMulti }

func (s Selection) ScalarID() (string, bool) {
	if s.kind != selectionScalar {
		return "", false
	}
	return s.one, true
}

func (s Selection) MultiIDs() ([]string, bool) {
	if s.kind != selectionMulti {
		return nil, false
	}
	return s.many, true
}

// MarshalJSON encodes Unanswered as null, Scalar as a bare string, and Multi
// as a string array — matching the shape candidates and the durable store
// both already expect for selectedOption.
func (s Selection) MarshalJSON() ([]byte, error) {
	switch s.kind {
	case selectionUnanswered:
		return []byte("null"), nil
	case selectionScalar:
		return json.Marshal(s.one)
	case selectionMulti:
		if s.many == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(s.many)
	default:
		return nil, errors.New("attempt: invalid selection kind")
	}
}

func (s *Selection) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if string(trimmed) == "null" {
		*s = Unanswered()
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var ids []string
		if err := json.Unmarshal(trimmed, &ids); err != nil {
			return err
		}
		*s = Multi(ids)
		return nil
	}
	var id string
	if err := json.Unmarshal(trimmed, &id); err != nil {
		return err
	}
	*s = Scalar(id)
	return nil
}
