package gateway

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Client talks to a form-POST card gateway with a customer vault.
// One endpoint accepts transactions (type=sale|refund|add_customer|delete_customer);
// an optional query endpoint looks transactions up by order id.
type Client struct {
	url         string
	queryURL    string
	securityKey string
	http        *http.Client
	clock       func() time.Time
}

type ClientConfig struct {
	URL         string
	QueryURL    string
	SecurityKey string
	Timeout     time.Duration

	// HTTPClient is optional; tests inject httptest clients.
	HTTPClient *http.Client
}

// maxBodyBytes bounds how much of a gateway response is read.
const maxBodyBytes = 1 << 20

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("gateway: url is required")
	}
	if cfg.SecurityKey == "" {
		return nil, errors.New("gateway: security key is required")
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		url:         cfg.URL,
		queryURL:    cfg.QueryURL,
		securityKey: cfg.SecurityKey,
		http:        hc,
		clock:       time.Now,
	}, nil
}

func (c *Client) Name() string { return "vault-gateway" }

func (c *Client) CreateVault(ctx context.Context, card CardDetails) (string, error) {
	start := time.Now()
	if err := card.Validate(c.clock()); err != nil {
		observe("create_vault", start, outcomeInvalid)
		return "", err
	}

	form := url.Values{}
	form.Set("type", "add_customer")
	form.Set("ccnumber", card.digits())
	form.Set("ccexp", card.ccexp())
	form.Set("cvv", strings.TrimSpace(card.CVV))
	form.Set("first_name", strings.TrimSpace(card.FirstName))
	form.Set("last_name", strings.TrimSpace(card.LastName))
	if card.Zip != "" {
		form.Set("zip", card.Zip)
	}

	w, err := c.transact(ctx, form)
	if err != nil {
		observe("create_vault", start, outcomeUnreachable)
		return "", err
	}
	if w.Code != CodeApproved {
		observe("create_vault", start, outcomeDeclined)
		return "", fmt.Errorf("%w: %s", ErrDeclined, w.message())
	}
	observe("create_vault", start, outcomeApproved)
	if w.VaultID == "" {
		return "", fmt.Errorf("%w: no customer_vault_id in response", ErrGateway)
	}
	return w.VaultID, nil
}

var vaultGoneRe = regexp.MustCompile(`(?i)invalid customer vault id|customer vault id .*(does not exist|not found)|vault .*(not found|already deleted)|record not found`)

// DeleteVault treats "vault already invalid" as success.
func (c *Client) DeleteVault(ctx context.Context, vaultID string) error {
	start := time.Now()
	if strings.TrimSpace(vaultID) == "" {
		observe("delete_vault", start, outcomeInvalid)
		return invalid("vault_id", "required")
	}

	form := url.Values{}
	form.Set("type", "delete_customer")
	form.Set("customer_vault_id", vaultID)

	w, err := c.transact(ctx, form)
	if err != nil {
		observe("delete_vault", start, outcomeUnreachable)
		return err
	}
	if w.Code == CodeApproved || vaultGoneRe.MatchString(w.Text) {
		observe("delete_vault", start, outcomeApproved)
		return nil
	}
	observe("delete_vault", start, outcomeDeclined)
	return fmt.Errorf("%w: %s", ErrDeclined, w.message())
}

func (c *Client) Charge(ctx context.Context, req ChargeRequest) (Result, error) {
	start := time.Now()
	switch {
	case strings.TrimSpace(req.VaultID) == "":
		observe("charge", start, outcomeInvalid)
		return Result{}, invalid("vault_id", "required")
	case !req.Amount.IsPositive():
		observe("charge", start, outcomeInvalid)
		return Result{}, invalid("amount", "must be positive")
	case req.IdempotencyKey == "":
		observe("charge", start, outcomeInvalid)
		return Result{}, invalid("idempotency_key", "required")
	}

	form := url.Values{}
	form.Set("type", "sale")
	form.Set("customer_vault_id", req.VaultID)
	form.Set("amount", req.Amount.StringFixed(2))
	form.Set("orderid", req.IdempotencyKey)
	if req.Description != "" {
		form.Set("order_description", req.Description)
	}

	w, err := c.transact(ctx, form)
	res := w.result()
	observe("charge", start, outcomeOf(res, err))
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

func (c *Client) Refund(ctx context.Context, externalTransactionID string, amount decimal.Decimal) (Result, error) {
	start := time.Now()
	if strings.TrimSpace(externalTransactionID) == "" {
		observe("refund", start, outcomeInvalid)
		return Result{}, invalid("transaction_id", "required")
	}
	if !amount.IsPositive() {
		observe("refund", start, outcomeInvalid)
		return Result{}, invalid("amount", "must be positive")
	}

	form := url.Values{}
	form.Set("type", "refund")
	form.Set("transactionid", externalTransactionID)
	form.Set("amount", amount.StringFixed(2))

	w, err := c.transact(ctx, form)
	res := w.result()
	observe("refund", start, outcomeOf(res, err))
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// queryResponse is the XML document returned by the query endpoint.
type queryResponse struct {
	XMLName      xml.Name           `xml:"nm_response"`
	Error        string             `xml:"error_response"`
	Transactions []queryTransaction `xml:"transaction"`
}

type queryTransaction struct {
	TransactionID string        `xml:"transaction_id"`
	OrderID       string        `xml:"order_id"`
	Condition     string        `xml:"condition"`
	Actions       []queryAction `xml:"action"`
}

type queryAction struct {
	Type         string `xml:"action_type"`
	Success      string `xml:"success"`
	ResponseText string `xml:"response_text"`
}

// Lookup resolves an ambiguous charge by the order id it was sent with.
func (c *Client) Lookup(ctx context.Context, idempotencyKey string) (Result, bool, error) {
	start := time.Now()
	if idempotencyKey == "" {
		observe("lookup", start, outcomeInvalid)
		return Result{}, false, invalid("idempotency_key", "required")
	}
	if c.queryURL == "" {
		observe("lookup", start, outcomeUnreachable)
		return Result{}, false, fmt.Errorf("%w: query endpoint not configured", ErrUnreachable)
	}

	form := url.Values{}
	form.Set("order_id", idempotencyKey)
	body, err := c.post(ctx, c.queryURL, form)
	if err != nil {
		observe("lookup", start, outcomeUnreachable)
		return Result{}, false, err
	}

	var q queryResponse
	if err := xml.Unmarshal(body, &q); err != nil {
		observe("lookup", start, outcomeUnreachable)
		return Result{}, false, fmt.Errorf("%w: query response: %v", ErrUnreachable, err)
	}
	if q.Error != "" {
		observe("lookup", start, outcomeUnreachable)
		return Result{}, false, fmt.Errorf("%w: query error: %s", ErrUnreachable, cleanText(q.Error))
	}

	for _, t := range q.Transactions {
		if t.OrderID != "" && t.OrderID != idempotencyKey {
			continue
		}
		res := t.result()
		observe("lookup", start, outcomeOf(res, nil))
		return res, true, nil
	}
	observe("lookup", start, "not_found")
	return Result{}, false, nil
}

func (t queryTransaction) result() Result {
	res := Result{ExternalTransactionID: t.TransactionID, ResponseCode: CodeDeclined, Message: t.Condition}
	saleOK := false
	for _, a := range t.Actions {
		if a.Type == "sale" && a.Success == "1" {
			saleOK = true
		}
		if a.ResponseText != "" {
			res.Message = a.ResponseText
		}
	}
	switch strings.ToLower(t.Condition) {
	case "pending", "pendingsettlement", "in_progress", "complete":
		if saleOK {
			res.Approved = true
			res.ResponseCode = CodeApproved
		}
	}
	return res
}

// transact posts to the transaction endpoint and normalizes the body.
// Any body that cannot be normalized is reported as ErrUnreachable: the
// gateway may have acted on the request, so the outcome is unknown.
func (c *Client) transact(ctx context.Context, form url.Values) (wireResponse, error) {
	body, err := c.post(ctx, c.url, form)
	if err != nil {
		return wireResponse{}, err
	}
	w, err := parseResponse(body)
	if err != nil {
		return wireResponse{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return w, nil
}

func (c *Client) post(ctx context.Context, endpoint string, form url.Values) ([]byte, error) {
	form.Set("security_key", c.securityKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("gateway: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "*/*")

	resp, err := c.http.Do(req)
	if err != nil {
		// Includes client timeouts and context deadlines.
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUnreachable, err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: http %d", ErrUnreachable, resp.StatusCode)
	}
	return body, nil
}
