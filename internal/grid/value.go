package grid

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// ValueKind discriminates the three representable cell value types.
type ValueKind int8

const (
	KindNull ValueKind = iota
	KindText
	KindNumber
)

// Value is a single cell value: text, number, or null. The zero value is null.
type Value struct {
	Kind   ValueKind
	Text   string
	Number float64
}

func Null() Value {
	return Value{}
}

func Text(s string) Value {
	return Value{Kind: KindText, Text: s}
}

func Number(f float64) Value {
	return Value{Kind: KindNumber, Number: f}
}

func (v Value) IsNull() bool {
	return v.Kind == KindNull
}

func (v Value) Equal(other Value) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case KindText:
		return v.Text == other.Text
	case KindNumber:
		return v.Number == other.Number
	default:
		return true
	}
}

func (v Value) String() string {
	switch v.Kind {
	case KindText:
		return v.Text
	case KindNumber:
		return strconv.FormatFloat(v.Number, 'g', -1, 64)
	default:
		return ""
	}
}

type wireValue struct {
	T *string  `json:"t,omitempty"`
	N *float64 `json:"n,omitempty"`
}

// MarshalJSON encodes null as JSON null, text as {"t":...} and numbers as
// {"n":...}. Non-finite numbers are outside the representable domain and
// fail encoding rather than silently truncating.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNull:
		return []byte("null"), nil
	case KindText:
		return json.Marshal(wireValue{T: &v.Text})
	case KindNumber:
		if math.IsNaN(v.Number) || math.IsInf(v.Number, 0) {
			return nil, fmt.Errorf("cell number %v is not representable", v.Number)
		}
		return json.Marshal(wireValue{N: &v.Number})
	default:
		return nil, fmt.Errorf("unknown cell value kind %d", v.Kind)
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*v = Value{}
		return nil
	}
	var wire wireValue
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	switch {
	case wire.T != nil && wire.N != nil:
		return fmt.Errorf("cell value carries both text and number")
	case wire.T != nil:
		*v = Text(*wire.T)
	case wire.N != nil:
		*v = Number(*wire.N)
	default:
		return fmt.Errorf("cell value carries neither text nor number")
	}
	return nil
}
