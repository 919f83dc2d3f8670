package otp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// maxNumericCode keeps numeric codes inside the range a float64 holds exactly.
const maxNumericCode = 1e15

// Code is a candidate verification code as sent by clients. 123456,
// 123456.0, 1.23456e5 and "123456" all decode to the same value.
type Code string

func (c *Code) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*c = Code(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("code must be a number or string: %w", err)
	}
	f, err := strconv.ParseFloat(n.String(), 64)
	if err != nil {
		return fmt.Errorf("code: %w", err)
	}
	if f < 0 || f >= maxNumericCode || f != math.Trunc(f) {
		return errors.New("code must be a non-negative whole number")
	}
	*c = Code(strconv.FormatInt(int64(f), 10))
	return nil
}

func (c Code) String() string { return string(c) }
