package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudsoft/glovendor/internal/logging"
	"github.com/cloudsoft/glovendor/internal/session"
)

type fakePrincipals struct {
	p *session.Principal
}

func (f *fakePrincipals) Principal() *session.Principal { return f.p }

func newTestClient(t *testing.T, handler http.HandlerFunc, p *session.Principal) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, &fakePrincipals{p: p}, logging.New("error", "text"),
		WithGetRetry(2, 5*time.Millisecond))
}

func TestDo_AttachesBearerWhenAuthenticated(t *testing.T) {
	var gotAuth string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{}`))
	}, &session.Principal{Role: session.RoleCustomer, Identifier: "42", Token: "tok_xyz"})

	_, err := c.Do(context.Background(), http.MethodGet, "/api/data_plans", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok_xyz", gotAuth)
}

func TestDo_NoBearerWhenUnauthenticated(t *testing.T) {
	var gotAuth string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{}`))
	}, nil)

	_, err := c.Do(context.Background(), http.MethodGet, "/api/data_plans", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, gotAuth)
}

func TestDo_SetsRequestID(t *testing.T) {
	var gotID string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotID = r.Header.Get("X-Request-ID")
		w.Write([]byte(`{}`))
	}, nil)

	_, err := c.Do(context.Background(), http.MethodGet, "/x", nil, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, gotID)
}

func TestDo_ErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		body   string
		kind   ErrorKind
	}{
		{http.StatusUnauthorized, `{}`, KindAuthRequired},
		{http.StatusForbidden, `{}`, KindAuthRequired},
		{http.StatusBadRequest, `{"message":"bad margin"}`, KindValidation},
		{http.StatusUnprocessableEntity, `{"error":"nope"}`, KindValidation},
		{http.StatusNotFound, `{}`, KindNotFound},
		{http.StatusInternalServerError, `{"error":"stacktrace: com.glovendor..."}`, KindServer},
		{http.StatusBadGateway, ``, KindServer},
	}

	for _, tt := range tests {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			w.Write([]byte(tt.body))
		}, nil)

		_, err := c.Do(context.Background(), http.MethodPost, "/x", map[string]string{}, nil)
		require.Error(t, err, "status %d", tt.status)
		ae, ok := err.(*APIError)
		require.True(t, ok, "status %d: expected *APIError, got %T", tt.status, err)
		assert.Equal(t, tt.kind, ae.Kind, "status %d", tt.status)
		assert.Equal(t, tt.status, ae.HTTPStatus)
	}
}

func TestDo_ServerErrorMessageNeverEchoed(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"message":"NullPointerException at WalletServiceImpl.java:217"}`))
	}, nil)

	_, err := c.Do(context.Background(), http.MethodPost, "/x", nil, nil)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "WalletServiceImpl")
}

func TestDo_ValidationMessageSurfaced(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"customPrice must not be negative"}`))
	}, nil)

	_, err := c.Do(context.Background(), http.MethodPatch, "/x", map[string]int{"customPrice": -5}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "customPrice must not be negative")
}

func TestDo_GetRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}, nil)

	_, err := c.Do(context.Background(), http.MethodGet, "/x", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDo_PostNeverRetries(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}, nil)

	_, err := c.Do(context.Background(), http.MethodPost, "/x", nil, nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDo_AuthErrorNeverRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}, nil)

	_, err := c.Do(context.Background(), http.MethodGet, "/x", nil, nil)
	require.Error(t, err)
	assert.Equal(t, KindAuthRequired, KindOf(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestDo_TimeoutIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := New(srv.URL, &fakePrincipals{}, logging.New("error", "text"),
		WithTimeout(20*time.Millisecond), WithGetRetry(1, time.Millisecond))

	_, err := c.Do(context.Background(), http.MethodGet, "/slow", nil, nil)
	require.Error(t, err)
	assert.Equal(t, KindNetwork, KindOf(err))
}

func TestDo_CancelDuringRetryBackoffIsNetworkError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	// Long backoff so the deadline expires while Do sleeps between attempts.
	c := New(srv.URL, &fakePrincipals{}, logging.New("error", "text"),
		WithGetRetry(3, 500*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Do(ctx, http.MethodGet, "/api/data_plans", nil, nil)
	require.Error(t, err)

	ae, ok := err.(*APIError)
	require.True(t, ok, "cancelled retry must still return *APIError, got %T", err)
	assert.Equal(t, KindNetwork, ae.Kind)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDo_QueryEncoding(t *testing.T) {
	var gotQuery url.Values
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Write([]byte(`{}`))
	}, nil)

	q := url.Values{"currentSubvendorId": {"42"}}
	_, err := c.Do(context.Background(), http.MethodGet, "/api/subvendor_plans/7/co-vendor-stats", nil, q)
	require.NoError(t, err)
	assert.Equal(t, "42", gotQuery.Get("currentSubvendorId"))
}

func TestUpload_Multipart(t *testing.T) {
	var gotContentType string
	var gotBody string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		require.NoError(t, r.ParseMultipartForm(1<<20))
		f, _, err := r.FormFile("file")
		require.NoError(t, err)
		b := make([]byte, 32)
		n, _ := f.Read(b)
		gotBody = string(b[:n])
		w.Write([]byte(`{"uploaded":3}`))
	}, &session.Principal{Role: session.RoleAdmin, Identifier: "1", Token: "t"})

	var out struct {
		Uploaded int `json:"uploaded"`
	}
	err := c.Upload(context.Background(), "/api/data_plans/upload", "file", "plans.csv",
		strings.NewReader("id,name\n1,MTN 1GB"), &out)
	require.NoError(t, err)
	assert.Contains(t, gotContentType, "multipart/form-data")
	assert.Equal(t, "id,name\n1,MTN 1GB", gotBody)
	assert.Equal(t, 3, out.Uploaded)
}

func TestAPIError_WithOp(t *testing.T) {
	ae := &APIError{Kind: KindValidation, Message: "bad"}
	annotated := ae.WithOp("pricing.SetCustomPrice")
	assert.Contains(t, annotated.Error(), "pricing.SetCustomPrice")
	assert.Empty(t, ae.Op, "original must be unchanged")
}
