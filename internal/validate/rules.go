// Package validate holds the field-level rule library and the guard composer
// that runs those rules, plus domain conditions, against a set of form values.
package validate

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Reason codes reported by the built-in rules.
const (
	CodeRequired  = "REQUIRED"
	CodeDigits    = "DIGITS"
	CodeMinLength = "MIN_LENGTH"
	CodeOneOf     = "ONE_OF"
	CodeMustBeSet = "MUST_BE_TRUE"
	CodeRange     = "OUT_OF_RANGE"
	CodeInvalid   = "INVALID"
)

// engine evaluates tag expressions for the digit, length and range rules.
var engine = validator.New(validator.WithRequiredStructEnabled())

// Reason explains why a value failed a rule.
type Reason struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (r *Reason) Error() string {
	return r.Message
}

// Rule is a pure check of a single value. It returns nil when the value is
// acceptable, otherwise a *Reason.
type Rule func(value any) error

// DigitsExactly accepts strings made of exactly n ASCII digits (phone 10,
// OTP 6, pincode 6, Aadhaar 12).
func DigitsExactly(n int) Rule {
	tag := fmt.Sprintf("number,len=%d", n)
	return func(value any) error {
		s, ok := asString(value)
		if !ok || engine.Var(s, tag) != nil {
			return &Reason{Code: CodeDigits, Message: fmt.Sprintf("Must be exactly %d digits", n)}
		}
		return nil
	}
}

// NonEmpty rejects nil, blank strings and empty collections.
func NonEmpty() Rule {
	return func(value any) error {
		if !Present(value) {
			return &Reason{Code: CodeRequired, Message: "This field is required"}
		}
		return nil
	}
}

// MinLength accepts text of at least n characters after trimming.
func MinLength(n int) Rule {
	tag := fmt.Sprintf("min=%d", n)
	return func(value any) error {
		s, ok := asString(value)
		if !ok || engine.Var(strings.TrimSpace(s), tag) != nil {
			return &Reason{Code: CodeMinLength, Message: fmt.Sprintf("Must be at least %d characters", n)}
		}
		return nil
	}
}

// IsOneOf accepts only the listed values (category and district
// enumerations).
func IsOneOf(values ...string) Rule {
	allowed := make(map[string]bool, len(values))
	for _, v := range values {
		allowed[v] = true
	}
	return func(value any) error {
		s, ok := asString(value)
		if !ok || !allowed[s] {
			return &Reason{Code: CodeOneOf, Message: "Please choose one of the listed options"}
		}
		return nil
	}
}

// IsTrue accepts boolean true (consent flags) and the exact string "true"
// sent by form-encoded clients.
func IsTrue() Rule {
	return func(value any) error {
		switch v := value.(type) {
		case bool:
			if v {
				return nil
			}
		case string:
			if v == "true" {
				return nil
			}
		}
		return &Reason{Code: CodeMustBeSet, Message: "Please confirm to continue"}
	}
}

// InRange accepts numbers (or numeric strings) within [lo, hi].
func InRange(lo, hi float64) Rule {
	tag := fmt.Sprintf("gte=%s,lte=%s",
		strconv.FormatFloat(lo, 'f', -1, 64),
		strconv.FormatFloat(hi, 'f', -1, 64))
	return func(value any) error {
		f, ok := asFloat(value)
		if !ok || math.IsNaN(f) || engine.Var(f, tag) != nil {
			return &Reason{
				Code:    CodeRange,
				Message: fmt.Sprintf("Must be between %s and %s", formatNumber(lo), formatNumber(hi)),
			}
		}
		return nil
	}
}

// WithMessage replaces the message of any reason produced by r.
func WithMessage(r Rule, msg string) Rule {
	if msg == "" {
		return r
	}
	return func(value any) error {
		err := r(value)
		if reason, ok := err.(*Reason); ok {
			return &Reason{Code: reason.Code, Message: msg}
		}
		return err
	}
}

// Present reports whether value counts as filled in.
func Present(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(v) != ""
	case json.Number:
		return v.String() != ""
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}

func asString(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v), true
	case json.Number:
		return v.String(), true
	case float64:
		if v == math.Trunc(v) {
			return strconv.FormatFloat(v, 'f', -1, 64), true
		}
		return "", false
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	}
	return "", false
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
