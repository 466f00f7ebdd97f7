package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Number is a numeric field that upstream APIs send either as a JSON number
// or as a quoted string ("12.5", "1000").
type Number string

// UnmarshalJSON accepts numbers, numeric strings and null
func (n *Number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*n = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*n = Number(strings.TrimSpace(s))
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(b, &num); err != nil {
		return fmt.Errorf("%s is not a number", b)
	}
	*n = Number(num.String())
	return nil
}

// Decimal parses the value as a decimal
func (n Number) Decimal() (decimal.Decimal, error) {
	if n == "" {
		return decimal.Zero, fmt.Errorf("empty number")
	}
	return decimal.NewFromString(string(n))
}

// Int64 parses the value as a whole number; "157.0" is accepted
func (n Number) Int64() (int64, error) {
	d, err := n.Decimal()
	if err != nil {
		return 0, err
	}
	if !d.Equal(d.Truncate(0)) {
		return 0, fmt.Errorf("%s is not a whole number", n)
	}
	return d.IntPart(), nil
}

// Int64OrZero is Int64 with parse failures mapped to zero
func (n Number) Int64OrZero() int64 {
	v, err := n.Int64()
	if err != nil {
		return 0
	}
	return v
}

func (n Number) String() string {
	return string(n)
}
