package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"limitter/internal/billing"
	"limitter/internal/core"
	"limitter/internal/types"
)

type mockSubscriptionService struct {
	updateFn   func(ctx context.Context, userID string, req billing.UpdateSubscriptionRequest) (*types.SubscriptionChange, error)
	checkoutFn func(ctx context.Context, userID string, plan types.PlanTier, urls types.RedirectURLs) (*types.CheckoutSession, error)
}

func (m *mockSubscriptionService) UpdateSubscription(ctx context.Context, userID string, req billing.UpdateSubscriptionRequest) (*types.SubscriptionChange, error) {
	return m.updateFn(ctx, userID, req)
}

func (m *mockSubscriptionService) CreateCheckoutSession(ctx context.Context, userID string, plan types.PlanTier, urls types.RedirectURLs) (*types.CheckoutSession, error) {
	return m.checkoutFn(ctx, userID, plan, urls)
}

type mockTransactionLister struct {
	listFn func(ctx context.Context, filter types.TransactionFilter) ([]*types.Transaction, types.PageInfo, error)
}

func (m *mockTransactionLister) List(ctx context.Context, filter types.TransactionFilter) ([]*types.Transaction, types.PageInfo, error) {
	return m.listFn(ctx, filter)
}

func newTestBillingHandler() (*BillingHandler, *mockSubscriptionService, *mockTransactionLister) {
	svc := &mockSubscriptionService{}
	ledger := &mockTransactionLister{}
	h := NewBillingHandler(svc, ledger, core.NewValidator(), discardLogger(), "https://app.limitter.test/")
	return h, svc, ledger
}

func serveBilling(h *BillingHandler, req *http.Request) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func billingActorCtx(userID string) context.Context {
	return types.WithActor(context.Background(), types.Actor{
		ID:   userID,
		Type: types.ActorTypeUser,
		Plan: types.PlanFree,
	})
}

func TestBillingHandler_UpdateSubscription(t *testing.T) {
	h, svc, _ := newTestBillingHandler()

	svc.updateFn = func(ctx context.Context, userID string, req billing.UpdateSubscriptionRequest) (*types.SubscriptionChange, error) {
		require.Equal(t, "user-1", userID)
		require.Equal(t, types.PlanPro, req.Plan)
		require.NotNil(t, req.Payment)
		return &types.SubscriptionChange{Plan: types.PlanPro, OverrideGrant: 15, TransactionID: "txn-1"}, nil
	}

	body, _ := json.Marshal(billing.UpdateSubscriptionRequest{
		Plan:    types.PlanPro,
		Payment: &types.PaymentData{Method: "stripe", ReferenceID: "pi_789"},
	})
	req := httptest.NewRequest(http.MethodPut, "/billing/subscription", bytes.NewReader(body))
	req = req.WithContext(billingActorCtx("user-1"))

	rr := serveBilling(h, req)
	assert.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Data types.SubscriptionChange `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, types.PlanPro, resp.Data.Plan)
	assert.Equal(t, 15, resp.Data.OverrideGrant)
}

func TestBillingHandler_UpdateSubscription_Downgrade(t *testing.T) {
	h, svc, _ := newTestBillingHandler()

	svc.updateFn = func(ctx context.Context, userID string, req billing.UpdateSubscriptionRequest) (*types.SubscriptionChange, error) {
		require.Nil(t, req.Payment)
		return &types.SubscriptionChange{Plan: types.PlanFree, SitesDeleted: 4}, nil
	}

	body, _ := json.Marshal(billing.UpdateSubscriptionRequest{Plan: types.PlanFree})
	req := httptest.NewRequest(http.MethodPut, "/billing/subscription", bytes.NewReader(body))
	req = req.WithContext(billingActorCtx("user-1"))

	rr := serveBilling(h, req)
	assert.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Data types.SubscriptionChange `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, 4, resp.Data.SitesDeleted)
}

func TestBillingHandler_UpdateSubscription_InvalidPlan(t *testing.T) {
	h, _, _ := newTestBillingHandler()

	req := httptest.NewRequest(http.MethodPut, "/billing/subscription",
		bytes.NewReader([]byte(`{"plan":"platinum"}`)))
	req = req.WithContext(billingActorCtx("user-1"))

	rr := serveBilling(h, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestBillingHandler_UpdateSubscription_PaymentRequired(t *testing.T) {
	h, svc, _ := newTestBillingHandler()

	svc.updateFn = func(ctx context.Context, userID string, req billing.UpdateSubscriptionRequest) (*types.SubscriptionChange, error) {
		return nil, types.NewAppError(types.ErrCodePaymentRequired, "paid plans require payment data", nil)
	}

	body, _ := json.Marshal(billing.UpdateSubscriptionRequest{Plan: types.PlanElite})
	req := httptest.NewRequest(http.MethodPut, "/billing/subscription", bytes.NewReader(body))
	req = req.WithContext(billingActorCtx("user-1"))

	rr := serveBilling(h, req)
	assert.Equal(t, http.StatusPaymentRequired, rr.Code)
}

func TestBillingHandler_CreateCheckoutSession(t *testing.T) {
	h, svc, _ := newTestBillingHandler()

	var gotURLs types.RedirectURLs
	svc.checkoutFn = func(ctx context.Context, userID string, plan types.PlanTier, urls types.RedirectURLs) (*types.CheckoutSession, error) {
		require.Equal(t, "user-1", userID)
		require.Equal(t, types.PlanPro, plan)
		gotURLs = urls
		return &types.CheckoutSession{ID: "cs_123", URL: "https://checkout.stripe.com/c/cs_123"}, nil
	}

	body, _ := json.Marshal(CheckoutSessionRequest{Plan: types.PlanPro})
	req := httptest.NewRequest(http.MethodPost, "/billing/checkout-session", bytes.NewReader(body))
	req = req.WithContext(billingActorCtx("user-1"))

	rr := serveBilling(h, req)
	assert.Equal(t, http.StatusCreated, rr.Code)

	// Defaults derive from the dashboard URL, trailing slash trimmed.
	assert.Equal(t, "https://app.limitter.test/billing?checkout=success", gotURLs.Success)
	assert.Equal(t, "https://app.limitter.test/billing?checkout=cancelled", gotURLs.Cancel)

	var resp struct {
		Data types.CheckoutSession `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "cs_123", resp.Data.ID)
	assert.Contains(t, resp.Data.URL, "checkout.stripe.com")
}

func TestBillingHandler_CreateCheckoutSession_CustomRedirects(t *testing.T) {
	h, svc, _ := newTestBillingHandler()

	svc.checkoutFn = func(ctx context.Context, userID string, plan types.PlanTier, urls types.RedirectURLs) (*types.CheckoutSession, error) {
		require.Equal(t, "https://example.com/done", urls.Success)
		require.Equal(t, "https://example.com/nope", urls.Cancel)
		return &types.CheckoutSession{ID: "cs_456", URL: "https://checkout.stripe.com/c/cs_456"}, nil
	}

	body, _ := json.Marshal(CheckoutSessionRequest{
		Plan:       types.PlanElite,
		SuccessURL: "https://example.com/done",
		CancelURL:  "https://example.com/nope",
	})
	req := httptest.NewRequest(http.MethodPost, "/billing/checkout-session", bytes.NewReader(body))
	req = req.WithContext(billingActorCtx("user-1"))

	rr := serveBilling(h, req)
	assert.Equal(t, http.StatusCreated, rr.Code)
}

func TestBillingHandler_CreateCheckoutSession_UpstreamFailure(t *testing.T) {
	h, svc, _ := newTestBillingHandler()

	svc.checkoutFn = func(ctx context.Context, userID string, plan types.PlanTier, urls types.RedirectURLs) (*types.CheckoutSession, error) {
		return nil, types.NewAppError(types.ErrCodeUpstreamStripe, "stripe returned 503", nil)
	}

	body, _ := json.Marshal(CheckoutSessionRequest{Plan: types.PlanPro})
	req := httptest.NewRequest(http.MethodPost, "/billing/checkout-session", bytes.NewReader(body))
	req = req.WithContext(billingActorCtx("user-1"))

	rr := serveBilling(h, req)
	assert.Equal(t, http.StatusBadGateway, rr.Code)
}

func TestBillingHandler_Unauthenticated(t *testing.T) {
	h, _, _ := newTestBillingHandler()

	body, _ := json.Marshal(CheckoutSessionRequest{Plan: types.PlanPro})
	req := httptest.NewRequest(http.MethodPost, "/billing/checkout-session", bytes.NewReader(body))

	rr := serveBilling(h, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestBillingHandler_ListTransactions(t *testing.T) {
	h, _, ledger := newTestBillingHandler()

	created := time.Date(2026, 8, 12, 9, 30, 0, 0, time.UTC)
	ledger.listFn = func(ctx context.Context, filter types.TransactionFilter) ([]*types.Transaction, types.PageInfo, error) {
		require.Equal(t, "user-1", filter.UserID)
		require.Equal(t, types.TxnOverrideCharge, filter.Type)
		require.Equal(t, 10, filter.Limit)
		return []*types.Transaction{
			{ID: "txn-1", UserID: "user-1", Type: types.TxnOverrideCharge, AmountCents: 199, CreatedAt: created},
		}, types.PageInfo{HasMore: true, NextCursor: created.Format(time.RFC3339Nano)}, nil
	}

	req := httptest.NewRequest(http.MethodGet,
		"/billing/transactions?limit=10&type="+string(types.TxnOverrideCharge), nil)
	req = req.WithContext(billingActorCtx("user-1"))

	rr := serveBilling(h, req)
	assert.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Data []types.Transaction `json:"data"`
		Meta struct {
			Pagination types.PageInfo `json:"pagination"`
		} `json:"meta"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, int64(199), resp.Data[0].AmountCents)
	assert.True(t, resp.Meta.Pagination.HasMore)
	assert.NotEmpty(t, resp.Meta.Pagination.NextCursor)
}

func TestBillingHandler_ListTransactions_Empty(t *testing.T) {
	h, _, ledger := newTestBillingHandler()

	ledger.listFn = func(ctx context.Context, filter types.TransactionFilter) ([]*types.Transaction, types.PageInfo, error) {
		return nil, types.PageInfo{}, nil
	}

	req := httptest.NewRequest(http.MethodGet, "/billing/transactions", nil)
	req = req.WithContext(billingActorCtx("user-1"))

	rr := serveBilling(h, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"data":[]`)
}

func TestBillingHandler_ListTransactions_InvalidLimit(t *testing.T) {
	h, _, _ := newTestBillingHandler()

	for _, limit := range []string{"0", "101", "abc"} {
		req := httptest.NewRequest(http.MethodGet, "/billing/transactions?limit="+limit, nil)
		req = req.WithContext(billingActorCtx("user-1"))

		rr := serveBilling(h, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code, "limit=%s", limit)
	}
}
