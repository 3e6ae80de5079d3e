package pricing

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudsoft/glovendor/internal/catalog"
	"github.com/cloudsoft/glovendor/internal/gateway"
	"github.com/cloudsoft/glovendor/internal/logging"
	"github.com/cloudsoft/glovendor/internal/session"
)

type staticPrincipals struct{}

func (staticPrincipals) Principal() *session.Principal {
	return &session.Principal{Role: session.RoleSubvendor, Identifier: "42", Token: "t"}
}

func newTestEngine(t *testing.T, handler http.HandlerFunc, opts ...Option) *Engine {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	logger := logging.New("error", "text")
	return NewEngine(gateway.New(srv.URL, staticPrincipals{}, logger), logger, opts...)
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func plan(id, base string) catalog.SubvendorPlan {
	return catalog.SubvendorPlan{ID: id, Name: "plan " + id, BasePrice: d(base)}
}

func TestApplyMargin_ComputesBatch(t *testing.T) {
	var gotBody map[string]json.Number
	e := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/subvendors/42/apply-margin", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Write([]byte(`{"updated":2}`))
	})

	plans := []catalog.SubvendorPlan{plan("1", "1000"), plan("2", "250")}
	updated, err := e.ApplyMargin(context.Background(), "42", plans, 10)
	require.NoError(t, err)
	require.Len(t, updated, 2)

	// Scenario: basePrice 1000 at 10% -> priceWithMargin 1100, profit 100
	assert.True(t, updated[0].PriceWithMargin.Equal(d("1100")), "got %s", updated[0].PriceWithMargin)
	assert.True(t, updated[0].Profit.Equal(d("100")), "got %s", updated[0].Profit)

	assert.True(t, updated[1].PriceWithMargin.Equal(d("275")))
	assert.True(t, updated[1].Profit.Equal(d("25")))

	assert.Equal(t, "10", gotBody["margin"].String())
}

func TestApplyMargin_InvariantHoldsForWholeBatch(t *testing.T) {
	e := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})

	plans := []catalog.SubvendorPlan{
		plan("1", "100"), plan("2", "333.33"), plan("3", "999.99"), plan("4", "0"),
	}
	updated, err := e.ApplyMargin(context.Background(), "42", plans, 7.5)
	require.NoError(t, err)

	for _, u := range updated {
		assert.True(t, u.Profit.Equal(u.PriceWithMargin.Sub(u.BasePrice)),
			"plan %s: profit %s != price %s - base %s", u.PlanID, u.Profit, u.PriceWithMargin, u.BasePrice)
	}
}

func TestApplyMargin_FullDiscountPricesAtZero(t *testing.T) {
	e := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"updated":1}`))
	})

	updated, err := e.ApplyMargin(context.Background(), "42", []catalog.SubvendorPlan{plan("1", "1000")}, -100)
	require.NoError(t, err)
	require.Len(t, updated, 1)
	assert.True(t, updated[0].PriceWithMargin.IsZero(), "got %s", updated[0].PriceWithMargin)
	assert.True(t, updated[0].Profit.Equal(d("-1000")))
}

func TestApplyMargin_RejectsInvalidMargin(t *testing.T) {
	e := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("backend must not be called for invalid margins")
	})

	for _, m := range []float64{math.NaN(), math.Inf(1), -100.5, -150} {
		_, err := e.ApplyMargin(context.Background(), "42", []catalog.SubvendorPlan{plan("1", "100")}, m)
		require.Error(t, err, "margin %v", m)
		assert.Equal(t, gateway.KindValidation, gateway.KindOf(err))
	}
}

func TestApplyMargin_NoUpdateOnBackendFailure(t *testing.T) {
	e := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	updated, err := e.ApplyMargin(context.Background(), "42", []catalog.SubvendorPlan{plan("1", "1000")}, 10)
	require.Error(t, err)
	assert.Nil(t, updated, "no plan may be considered updated on failure")
	assert.Equal(t, gateway.KindServer, gateway.KindOf(err))
	assert.Contains(t, err.Error(), "pricing.ApplyMargin")
}

func TestSetCustomPrice_RejectsNegativeWithoutNetworkCall(t *testing.T) {
	called := false
	e := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	_, err := e.SetCustomPrice(context.Background(), "9", d("-5"))
	require.Error(t, err)
	assert.Equal(t, gateway.KindValidation, gateway.KindOf(err))
	assert.False(t, called, "precondition must short-circuit the side effect")
}

func TestSetCustomPrice_RecomputesProfit(t *testing.T) {
	e := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/subvendor_plans/9", r.URL.Path)
		assert.Equal(t, http.MethodPatch, r.Method)
		w.Write([]byte(`{"id":"9","name":"MTN 1GB","basePrice":500,"customPrice":575}`))
	})

	updated, err := e.SetCustomPrice(context.Background(), "9", d("575"))
	require.NoError(t, err)
	assert.True(t, updated.PriceWithMargin.Equal(d("575")))
	assert.True(t, updated.Profit.Equal(d("75")))
}

func TestCoVendorAverage(t *testing.T) {
	e := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/subvendor_plans/9/co-vendor-stats", r.URL.Path)
		assert.Equal(t, "42", r.URL.Query().Get("currentSubvendorId"))
		w.Write([]byte(`{"avgPrice":533.5}`))
	})

	avg, err := e.CoVendorAverage(context.Background(), "9", "42")
	require.NoError(t, err)
	assert.True(t, avg.Equal(d("533.5")))
}

func TestPriceWarning_Threshold(t *testing.T) {
	e := NewEngine(nil, logging.New("error", "text"))

	// 15% exactly: no warning (strictly greater required)
	assert.Nil(t, e.PriceWarning(d("115"), d("100")))

	// just above threshold
	w := e.PriceWarning(d("115.01"), d("100"))
	require.NotNil(t, w)
	assert.Contains(t, w.Message, "above the co-vendor average")

	// below average: no warning
	assert.Nil(t, e.PriceWarning(d("90"), d("100")))
}

func TestPriceWarning_ZeroAverageSuppressed(t *testing.T) {
	e := NewEngine(nil, logging.New("error", "text"))
	assert.Nil(t, e.PriceWarning(d("500"), decimal.Zero))
	assert.Nil(t, e.PriceWarning(d("500"), d("-1")))
}

func TestPriceWarning_CustomThreshold(t *testing.T) {
	e := NewEngine(nil, logging.New("error", "text"), WithWarnThreshold(0.5))
	assert.Nil(t, e.PriceWarning(d("140"), d("100")))
	assert.NotNil(t, e.PriceWarning(d("151"), d("100")))
}
