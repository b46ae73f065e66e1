// Package actions decodes the instruction mini-language the model uses to
// describe line-item mutations: `+ key=value, key=value` adds an item,
// `+ ID:<n>, key=value` updates one, `- ID:<n>` deletes one.
package actions

import "strconv"

// Kind discriminates a parsed attribute value.
type Kind int

const (
	KindString Kind = iota
	KindNumber
	KindBool
)

// Value is a tagged variant holding one parsed attribute. The mini-language
// is untyped on the wire; typing stays confined to this boundary.
type Value struct {
	Kind Kind
	Str  string
	Num  float64
	Bool bool
}

// String wraps s as a string value.
func String(s string) Value { return Value{Kind: KindString, Str: s} }

// Number wraps n as a numeric value.
func Number(n float64) Value { return Value{Kind: KindNumber, Num: n} }

// Bool wraps b as a boolean value.
func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// Text returns the value rendered back to its textual form.
func (v Value) Text() string {
	switch v.Kind {
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	default:
		return v.Str
	}
}

// AsString returns the string form regardless of kind.
func (v Value) AsString() string { return v.Text() }

// AsFloat returns the numeric form, coercing strings when possible.
func (v Value) AsFloat() (float64, bool) {
	switch v.Kind {
	case KindNumber:
		return v.Num, true
	case KindString:
		f, err := strconv.ParseFloat(v.Str, 64)
		return f, err == nil
	}
	return 0, false
}

// AsInt returns the integer form when the value is a whole number.
func (v Value) AsInt() (int64, bool) {
	f, ok := v.AsFloat()
	if !ok || f != float64(int64(f)) {
		return 0, false
	}
	return int64(f), true
}

// Raw returns the untagged Go value, for extra-data merging.
func (v Value) Raw() any {
	switch v.Kind {
	case KindNumber:
		return v.Num
	case KindBool:
		return v.Bool
	default:
		return v.Str
	}
}
