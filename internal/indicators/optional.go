package indicators

import (
	"math"
	"strconv"
)

// Value is an indicator reading that may be undefined (e.g. MFI before its
// window fills). The zero Value is undefined.
type Value struct {
	v  float64
	ok bool
}

// Some wraps a defined reading. NaN and Inf collapse to undefined.
func Some(v float64) Value {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Value{}
	}
	return Value{v: v, ok: true}
}

// None is an undefined reading.
func None() Value { return Value{} }

// Get returns the reading and whether it is defined.
func (x Value) Get() (float64, bool) { return x.v, x.ok }

// Defined reports whether the reading exists.
func (x Value) Defined() bool { return x.ok }

// Or returns the reading or def when undefined.
func (x Value) Or(def float64) float64 {
	if !x.ok {
		return def
	}
	return x.v
}

func (x Value) String() string {
	if !x.ok {
		return "undefined"
	}
	return strconv.FormatFloat(x.v, 'f', 2, 64)
}

// MarshalJSON renders undefined as null.
func (x Value) MarshalJSON() ([]byte, error) {
	if !x.ok {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatFloat(x.v, 'f', -1, 64)), nil
}
