package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validCard() CardDetails {
	return CardDetails{
		Number:    "4111 1111 1111 1111",
		ExpMonth:  12,
		ExpYear:   2030,
		CVV:       "123",
		FirstName: "Ada",
		LastName:  "Lovelace",
	}
}

func TestCardDetails_Validate(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, validCard().Validate(now))

	cases := map[string]func(c *CardDetails){
		"short number":  func(c *CardDetails) { c.Number = "4111" },
		"bad checksum":  func(c *CardDetails) { c.Number = "4111111111111112" },
		"bad month":     func(c *CardDetails) { c.ExpMonth = 13 },
		"expired":       func(c *CardDetails) { c.ExpYear = 2026; c.ExpMonth = 5 },
		"missing cvv":   func(c *CardDetails) { c.CVV = "" },
		"alpha cvv":     func(c *CardDetails) { c.CVV = "12a" },
		"missing names": func(c *CardDetails) { c.LastName = " " },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := validCard()
			mutate(&c)
			err := c.Validate(now)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestCardDetails_ShortYearAndBrand(t *testing.T) {
	c := validCard()
	c.ExpYear = 30
	assert.Equal(t, "1230", c.ccexp())
	assert.Equal(t, "visa", c.Brand())
	assert.Equal(t, "1111", c.Last4())

	c.Number = "5555555555554444"
	assert.Equal(t, "mastercard", c.Brand())
	c.Number = "378282246310005"
	assert.Equal(t, "amex", c.Brand())
}
