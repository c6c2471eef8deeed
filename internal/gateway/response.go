package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"
)

// wireResponse is the union of fields any gateway response format may carry.
type wireResponse struct {
	Code          string
	Text          string
	TransactionID string
	VaultID       string
	AuthCode      string
	ReasonCode    string
}

func (w wireResponse) result() Result {
	return Result{
		Approved:              w.Code == CodeApproved,
		ExternalTransactionID: w.TransactionID,
		ResponseCode:          w.Code,
		Message:               w.message(),
	}
}

func (w wireResponse) message() string {
	if w.Text != "" {
		return w.Text
	}
	switch w.Code {
	case CodeApproved:
		return "approved"
	case CodeDeclined:
		return "declined"
	default:
		return "error"
	}
}

var errUnparsable = errors.New("unparsable gateway response")

var (
	formKeyRe  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*=`)
	tagRe      = regexp.MustCompile(`<[^>]*>`)
	spaceRe    = regexp.MustCompile(`\s+`)
	vaultIDRe  = regexp.MustCompile(`(?i)customer_vault_id["'\s]*[=:>]\s*["']?([A-Za-z0-9_-]+)`)
	xmlFieldRe = regexp.MustCompile(`(?is)<([a-z_]+)>([^<]*)</[a-z_]+>`)
)

var fieldAliases = map[string]string{
	"response":          "response",
	"result":            "response",
	"responsetext":      "text",
	"response_text":     "text",
	"message":           "text",
	"error":             "text",
	"error_response":    "text",
	"transactionid":     "txid",
	"transaction_id":    "txid",
	"customer_vault_id": "vault",
	"vault_id":          "vault",
	"authcode":          "auth",
	"auth_code":         "auth",
	"response_code":     "reason",
}

// parseResponse normalizes form-encoded, loose JSON and markup error bodies.
// It never panics; anything it cannot make sense of is errUnparsable.
func parseResponse(body []byte) (out wireResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = wireResponse{}, fmt.Errorf("%w: %v", errUnparsable, r)
		}
	}()

	raw := strings.TrimSpace(string(bytes.TrimPrefix(body, []byte("\xef\xbb\xbf"))))
	if raw == "" {
		return wireResponse{}, fmt.Errorf("%w: empty body", errUnparsable)
	}

	var fields map[string]string
	switch {
	case strings.HasPrefix(raw, "{"):
		fields = parseLooseJSON(raw)
	case strings.HasPrefix(raw, "<"), strings.HasPrefix(raw, "&lt;"):
		fields = parseMarkup(raw)
	default:
		fields = parseLooseForm(raw)
	}
	if fields == nil {
		return wireResponse{}, fmt.Errorf("%w: unrecognized format", errUnparsable)
	}

	out = wireResponse{
		Code:          normalizeCode(fields["response"]),
		Text:          cleanText(fields["text"]),
		TransactionID: strings.TrimSpace(fields["txid"]),
		VaultID:       strings.TrimSpace(fields["vault"]),
		AuthCode:      strings.TrimSpace(fields["auth"]),
		ReasonCode:    strings.TrimSpace(fields["reason"]),
	}
	if out.VaultID == "" {
		if m := vaultIDRe.FindStringSubmatch(html.UnescapeString(raw)); m != nil {
			out.VaultID = m[1]
		}
	}
	if out.Code == "" {
		return wireResponse{}, fmt.Errorf("%w: missing response code", errUnparsable)
	}
	return out, nil
}

// parseLooseForm splits name=value pairs on '&'. Segments that do not start a
// new key belong to the previous value; this keeps HTML entities such as
// "&lt;b&gt;" inside responsetext intact.
func parseLooseForm(raw string) map[string]string {
	segments := strings.Split(raw, "&")
	fields := map[string]string{}
	lastKey := ""
	values := map[string]string{}
	for _, seg := range segments {
		if formKeyRe.MatchString(seg) {
			k, v, _ := strings.Cut(seg, "=")
			lastKey = strings.ToLower(k)
			values[lastKey] = v
			continue
		}
		if lastKey == "" {
			continue
		}
		values[lastKey] += "&" + seg
	}
	if len(values) == 0 {
		return nil
	}
	for k, v := range values {
		if dec, err := url.QueryUnescape(v); err == nil {
			v = dec
		}
		assign(fields, k, v)
	}
	return fields
}

// parseLooseJSON accepts numbers, strings and booleans for any field and
// flattens one level of nesting (e.g. {"data": {...}}).
func parseLooseJSON(raw string) map[string]string {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil
	}
	fields := map[string]string{}
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range nested {
				if _, exists := fields[fieldAliases[strings.ToLower(nk)]]; !exists {
					assign(fields, nk, stringify(nv))
				}
			}
			continue
		}
		assign(fields, k, stringify(v))
	}
	return fields
}

// parseMarkup handles XML/HTML error bodies, escaped or not. Form text
// embedded in markup (e.g. an HTML wrapper around "response=3&...") wins.
func parseMarkup(raw string) map[string]string {
	unescaped := html.UnescapeString(raw)

	if i := strings.Index(unescaped, "response="); i >= 0 {
		text := tagRe.ReplaceAllString(unescaped[i:], " ")
		if f := parseLooseForm(strings.TrimSpace(text)); f != nil && f["response"] != "" {
			return f
		}
	}

	fields := map[string]string{}
	for _, m := range xmlFieldRe.FindAllStringSubmatch(unescaped, -1) {
		assign(fields, m[1], m[2])
	}
	if fields["response"] == "" {
		// A bare error page: keep its text so callers can log it, but there is
		// no response code so the caller treats it as unparsable.
		fields["text"] = tagRe.ReplaceAllString(unescaped, " ")
	}
	return fields
}

func assign(fields map[string]string, key, value string) {
	if alias, ok := fieldAliases[strings.ToLower(strings.TrimSpace(key))]; ok {
		if _, exists := fields[alias]; !exists || fields[alias] == "" {
			fields[alias] = value
		}
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// normalizeCode maps "1", "1.0", true and similar onto the canonical codes.
func normalizeCode(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	switch v {
	case "true", "approved", "success":
		return CodeApproved
	case "false", "declined":
		return CodeDeclined
	}
	if i := strings.IndexByte(v, '.'); i > 0 && strings.Trim(v[i+1:], "0") == "" {
		v = v[:i]
	}
	return v
}

func cleanText(v string) string {
	v = html.UnescapeString(v)
	v = tagRe.ReplaceAllString(v, " ")
	v = spaceRe.ReplaceAllString(v, " ")
	return strings.TrimSpace(v)
}
