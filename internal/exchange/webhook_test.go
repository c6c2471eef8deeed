package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"leadmarket-platform/internal/billing"
	"leadmarket-platform/internal/leads"
	"leadmarket-platform/internal/pricing"
	"leadmarket-platform/internal/wallet"
	"leadmarket-platform/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	ledger *wallet.Service
	leads  *leads.MemoryRepo
	router *gin.Engine
}

func newFixture(t *testing.T, balance int64, biller Biller) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &fixture{leads: leads.NewMemoryRepo()}
	f.ledger = wallet.NewService(wallet.NewMemoryStore(), wallet.Options{Backoff: time.Millisecond, Logger: logger.Discard()})
	ctx := context.Background()
	_, err := f.ledger.CreateWallet(ctx, "u1", "buyer@example.com")
	require.NoError(t, err)
	if balance > 0 {
		_, err = f.ledger.RecordTransaction(ctx, "u1", decimal.NewFromInt(balance), wallet.TypeAddFunds, wallet.FundingBalance, wallet.RecordOptions{})
		require.NoError(t, err)
	}

	camps := &pricing.MemoryRepo{}
	camps.Put(pricing.Campaign{ID: "c1", UserID: "u1", Name: "Roofing", BidPrice: decimal.NewFromInt(15), FilterSetID: "fs-1", Status: pricing.CampaignActive})
	quotes := pricing.NewService(camps)
	if biller == nil {
		biller = billing.NewBiller(billing.Deps{Ledger: f.ledger, Leads: f.leads, Pricing: quotes, Logger: logger.Discard()})
	}

	h := WebhookHandler{Biller: biller, FilterSets: quotes, Secret: "s3cret"}
	f.router = gin.New()
	f.router.POST("/webhooks/lead-exchange", h.HandleLead)
	return f
}

func (f *fixture) post(t *testing.T, secret string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodPost, "/webhooks/lead-exchange", bytes.NewReader(raw))
	r.Header.Set("Content-Type", "application/json")
	if secret != "" {
		r.Header.Set(SecretHeader, secret)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, r)
	return w
}

func payload(exchangeID string) LeadPayload {
	return LeadPayload{
		FilterSetID:    "fs-1",
		ExchangeLeadID: exchangeID,
		Lead:           ContactInput{FirstName: "Jo", LastName: "Doe", Email: " JO@Example.com ", Phone: "5551234567", State: "tx"},
	}
}

func TestHandleLead_BillsAndCreatesLead(t *testing.T) {
	f := newFixture(t, 20, nil)

	w := f.post(t, "s3cret", payload("ex-1"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, "15.00", out["cost"])
	assert.Equal(t, string(billing.DecisionBalance), out["decision"])

	l, err := f.leads.Get(context.Background(), out["lead_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, "jo@example.com", l.Email)
	assert.Equal(t, "TX", l.State)
	assert.Equal(t, "lead-exchange", l.Source)

	snap, err := f.ledger.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, snap.Balance.Equal(decimal.NewFromInt(5)))
}

func TestHandleLead_RedeliveryBillsOnce(t *testing.T) {
	f := newFixture(t, 40, nil)

	require.Equal(t, http.StatusCreated, f.post(t, "s3cret", payload("ex-1")).Code)
	w := f.post(t, "s3cret", payload("ex-1"))
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 1, f.leads.Len())

	snap, err := f.ledger.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, snap.Balance.Equal(decimal.NewFromInt(25)))
}

func TestHandleLead_RedeliveryAfterReversalIs409(t *testing.T) {
	f := newFixture(t, 40, nil)
	f.leads.CreateErr = fmt.Errorf("db down")

	assert.Equal(t, http.StatusInternalServerError, f.post(t, "s3cret", payload("ex-1")).Code)
	w := f.post(t, "s3cret", payload("ex-1"))
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	assert.Zero(t, f.leads.Len())

	snap, err := f.ledger.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, snap.Balance.Equal(decimal.NewFromInt(40)))
}

func TestHandleLead_InsufficientFundsIs402(t *testing.T) {
	f := newFixture(t, 0, nil)
	w := f.post(t, "s3cret", payload("ex-1"))
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Zero(t, f.leads.Len())
}

func TestHandleLead_RejectsBadSecret(t *testing.T) {
	f := newFixture(t, 20, nil)
	assert.Equal(t, http.StatusUnauthorized, f.post(t, "", payload("ex-1")).Code)
	assert.Equal(t, http.StatusUnauthorized, f.post(t, "wrong", payload("ex-1")).Code)
	assert.Zero(t, f.leads.Len())
}

func TestHandleLead_UnknownFilterSetIs404(t *testing.T) {
	f := newFixture(t, 20, nil)
	p := payload("ex-1")
	p.FilterSetID = "fs-unknown"
	assert.Equal(t, http.StatusNotFound, f.post(t, "s3cret", p).Code)
}

func TestHandleLead_RequiresContact(t *testing.T) {
	f := newFixture(t, 20, nil)
	p := payload("ex-1")
	p.Lead = ContactInput{}
	assert.Equal(t, http.StatusBadRequest, f.post(t, "s3cret", p).Code)
}

type unreachableBiller struct{}

func (unreachableBiller) BillLead(context.Context, billing.Request) (billing.Result, error) {
	return billing.Result{}, fmt.Errorf("%w: timeout", billing.ErrGatewayUnreachable)
}

func TestHandleLead_GatewayUnreachableIs503(t *testing.T) {
	f := newFixture(t, 0, unreachableBiller{})
	assert.Equal(t, http.StatusServiceUnavailable, f.post(t, "s3cret", payload("ex-1")).Code)
}

func TestLeadID_StablePerCampaign(t *testing.T) {
	p := payload("ex-1")
	assert.Equal(t, p.leadID("c1"), p.leadID("c1"))
	assert.NotEqual(t, p.leadID("c1"), p.leadID("c2"))
	assert.Empty(t, payload("").leadID("c1"))
}
