package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResponse_FormEncoded(t *testing.T) {
	w, err := parseResponse([]byte("response=1&responsetext=SUCCESS&authcode=123456&transactionid=9876543210&avsresponse=&cvvresponse=&orderid=k1&type=sale&response_code=100"))
	require.NoError(t, err)
	assert.Equal(t, CodeApproved, w.Code)
	assert.Equal(t, "SUCCESS", w.Text)
	assert.Equal(t, "9876543210", w.TransactionID)
	assert.Equal(t, "100", w.ReasonCode)
	assert.True(t, w.result().Approved)
}

func TestParseResponse_FormWithEscapedMarkupInText(t *testing.T) {
	w, err := parseResponse([]byte("response=3&responsetext=Invalid Customer Vault Id &lt;b&gt;REFID:3154&lt;/b&gt;&transactionid=&response_code=300"))
	require.NoError(t, err)
	assert.Equal(t, CodeError, w.Code)
	assert.Equal(t, "Invalid Customer Vault Id REFID:3154", w.Text)
	assert.Equal(t, "300", w.ReasonCode)
	assert.False(t, w.result().Approved)
}

func TestParseResponse_LooseJSON(t *testing.T) {
	cases := map[string]string{
		"numbers":  `{"response": 1, "transactionid": 4455, "customer_vault_id": 778899}`,
		"strings":  `{"response": "1", "transaction_id": "4455", "vault_id": "778899"}`,
		"floats":   `{"response": 1.0, "transactionid": "4455", "customer_vault_id": "778899"}`,
		"nested":   `{"data": {"response": "1", "transactionid": 4455, "customer_vault_id": "778899"}}`,
		"booleans": `{"result": true, "transactionid": "4455", "customer_vault_id": "778899"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			w, err := parseResponse([]byte(body))
			require.NoError(t, err)
			assert.Equal(t, CodeApproved, w.Code)
			assert.Equal(t, "4455", w.TransactionID)
			assert.Equal(t, "778899", w.VaultID)
		})
	}
}

func TestParseResponse_XMLErrorBodies(t *testing.T) {
	w, err := parseResponse([]byte(`<?xml version="1.0"?><response><response>2</response><responsetext>DECLINE</responsetext></response>`))
	require.NoError(t, err)
	assert.Equal(t, CodeDeclined, w.Code)
	assert.Equal(t, "DECLINE", w.Text)

	w, err = parseResponse([]byte(`&lt;html&gt;&lt;body&gt;response=3&amp;responsetext=Authentication Failed&lt;/body&gt;&lt;/html&gt;`))
	require.NoError(t, err)
	assert.Equal(t, CodeError, w.Code)
	assert.Equal(t, "Authentication Failed", w.Text)
}

func TestParseResponse_Unparsable(t *testing.T) {
	bodies := []string{
		"",
		"   ",
		"<html><body><h1>502 Bad Gateway</h1></body></html>",
		"{not json",
		"{}",
		"responsetext=missing code",
		"garbage with no structure",
		"&&&===&&",
		"\xff\xfe\x00",
		`{"response": {"nested": [1,2,3]}}`,
	}
	for _, b := range bodies {
		assert.NotPanics(t, func() {
			_, err := parseResponse([]byte(b))
			assert.ErrorIs(t, err, errUnparsable, "body %q", b)
		})
	}
}

func TestParseResponse_VaultIDFallback(t *testing.T) {
	w, err := parseResponse([]byte("response=1&responsetext=Customer Added&junk&customer_vault_id=12345"))
	require.NoError(t, err)
	assert.Equal(t, "12345", w.VaultID)

	w, err = parseResponse([]byte(`<r><response>1</response><customer_vault_id>999</customer_vault_id></r>`))
	require.NoError(t, err)
	assert.Equal(t, "999", w.VaultID)
}
