package thinkcan

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Kind is type of value that signal holds
type Kind uint8

const (
	// KindInvalid is zero value for Value that has not been set
	KindInvalid Kind = iota
	// KindFloat is scaled physical value (voltage, current, temperature)
	KindFloat
	// KindInt is unscaled integer value (counters, raw status bytes)
	KindInt
	// KindBool is single bit flag
	KindBool
	// KindString is short text value (gear letter, ASCII part number)
	KindString
	// KindRaw is payload bytes that semantics are not yet known
	KindRaw
)

func (k Kind) String() string {
	switch k {
	case KindFloat:
		return "float"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindRaw:
		return "raw"
	default:
		return "invalid"
	}
}

// Value holds decoded signal value. Value is immutable, use constructors to create one.
type Value struct {
	kind Kind
	f    float64
	i    int64
	b    bool
	s    string // also holds raw bytes for KindRaw
}

// Float creates value of KindFloat
func Float(v float64) Value {
	return Value{kind: KindFloat, f: v}
}

// Int creates value of KindInt
func Int(v int64) Value {
	return Value{kind: KindInt, i: v}
}

// Bool creates value of KindBool
func Bool(v bool) Value {
	return Value{kind: KindBool, b: v}
}

// String creates value of KindString
func String(v string) Value {
	return Value{kind: KindString, s: v}
}

// Raw creates value of KindRaw. Given bytes are copied.
func Raw(b []byte) Value {
	return Value{kind: KindRaw, s: string(b)}
}

// Kind returns kind of value
func (v Value) Kind() Kind {
	return v.kind
}

// IsValid reports if value was created with one of the constructors
func (v Value) IsValid() bool {
	return v.kind != KindInvalid
}

// AsFloat64 converts value to float64 if it is possible.
func (v Value) AsFloat64() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.f, true
	case KindInt:
		return float64(v.i), true
	case KindBool:
		if v.b {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// AsInt64 returns integer value. Only KindInt values are converted.
func (v Value) AsInt64() (int64, bool) {
	if v.kind != KindInt {
		return 0, false
	}
	return v.i, true
}

// AsBool returns flag value. Only KindBool values are converted.
func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

// AsString returns text value. Only KindString values are converted.
func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.s, true
}

// AsBytes returns copy of raw bytes. Only KindRaw values are converted.
func (v Value) AsBytes() ([]byte, bool) {
	if v.kind != KindRaw {
		return nil, false
	}
	return []byte(v.s), true
}

// String returns value formatted for humans and CSV output
func (v Value) String() string {
	switch v.kind {
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', 8, 64)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindString:
		return v.s
	case KindRaw:
		return strings.ToUpper(hex.EncodeToString([]byte(v.s)))
	}
	return ""
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindFloat:
		return json.Marshal(v.f)
	case KindInt:
		return json.Marshal(v.i)
	case KindBool:
		return json.Marshal(v.b)
	case KindString:
		return json.Marshal(v.s)
	case KindRaw:
		return json.Marshal(v.String())
	}
	return []byte("null"), nil
}

// SignalSet is set of signals decoded from single frame or computed by single processing step.
type SignalSet map[SignalID]Value

// Float returns signal value as float64. Second return value is false when signal is missing or not numeric.
func (s SignalSet) Float(id SignalID) (float64, bool) {
	v, ok := s[id]
	if !ok {
		return 0, false
	}
	return v.AsFloat64()
}

// Has reports if set contains given signal
func (s SignalSet) Has(id SignalID) bool {
	_, ok := s[id]
	return ok
}

// Validate checks that every signal in set is part of the catalog and has value of declared kind.
func (s SignalSet) Validate() error {
	for id, v := range s {
		if err := ValidateSignal(id, v); err != nil {
			return err
		}
	}
	return nil
}

// ValidateSignal checks that signal is known and value kind matches its definition.
func ValidateSignal(id SignalID, v Value) error {
	def, ok := LookupSignal(id)
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnknownSignal, id)
	}
	if def.Kind != v.kind {
		return fmt.Errorf("%w: %v is %v, got %v", ErrSignalKindMismatch, id, def.Kind, v.kind)
	}
	return nil
}
