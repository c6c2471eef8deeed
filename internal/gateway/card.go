package gateway

import (
	"fmt"
	"strings"
	"time"
)

// CardDetails is the raw card used once to create a vault.
// The CVV is forwarded to the gateway and never stored by this system.
type CardDetails struct {
	Number    string `json:"number"`
	ExpMonth  int    `json:"exp_month"`
	ExpYear   int    `json:"exp_year"`
	CVV       string `json:"cvv"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Zip       string `json:"zip,omitempty"`
}

// Validate fails fast on fields the gateway would reject anyway.
func (c CardDetails) Validate(now time.Time) error {
	num := c.digits()
	if len(num) < 12 || len(num) > 19 {
		return invalid("number", "must be 12-19 digits")
	}
	if !luhn(num) {
		return invalid("number", "failed checksum")
	}
	if c.ExpMonth < 1 || c.ExpMonth > 12 {
		return invalid("exp_month", "must be 1-12")
	}
	year := c.fullYear()
	now = now.UTC()
	if year < now.Year() || (year == now.Year() && c.ExpMonth < int(now.Month())) {
		return invalid("expiry", "card is expired")
	}
	cvv := strings.TrimSpace(c.CVV)
	if len(cvv) < 3 || len(cvv) > 4 || !allDigits(cvv) {
		return invalid("cvv", "must be 3-4 digits")
	}
	if strings.TrimSpace(c.FirstName) == "" || strings.TrimSpace(c.LastName) == "" {
		return invalid("name", "first and last name are required")
	}
	return nil
}

// Last4 returns the last four digits of the card number.
func (c CardDetails) Last4() string {
	num := c.digits()
	if len(num) < 4 {
		return num
	}
	return num[len(num)-4:]
}

// Brand guesses the card network from the IIN prefix.
func (c CardDetails) Brand() string {
	num := c.digits()
	switch {
	case strings.HasPrefix(num, "4"):
		return "visa"
	case strings.HasPrefix(num, "34"), strings.HasPrefix(num, "37"):
		return "amex"
	case strings.HasPrefix(num, "6011"), strings.HasPrefix(num, "65"):
		return "discover"
	case len(num) >= 2 && num[0] == '5' && num[1] >= '1' && num[1] <= '5':
		return "mastercard"
	case len(num) >= 4 && num[:4] >= "2221" && num[:4] <= "2720":
		return "mastercard"
	default:
		return "unknown"
	}
}

// ccexp renders the expiry in the MMYY form the gateway expects.
func (c CardDetails) ccexp() string {
	return fmt.Sprintf("%02d%02d", c.ExpMonth, c.fullYear()%100)
}

func (c CardDetails) fullYear() int {
	if c.ExpYear < 100 {
		return 2000 + c.ExpYear
	}
	return c.ExpYear
}

func (c CardDetails) digits() string {
	var b strings.Builder
	for _, r := range c.Number {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

func luhn(num string) bool {
	sum := 0
	double := false
	for i := len(num) - 1; i >= 0; i-- {
		d := int(num[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

func nowUTC() time.Time { return time.Now().UTC() }
