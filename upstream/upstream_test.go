package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

type fakeTokens struct {
	token string
	ok    bool
}

func (f fakeTokens) GetAccessToken(ctx context.Context) (string, bool) { return f.token, f.ok }

func TestRequest_NoTokenReturnsAuthError(t *testing.T) {
	a := New(fakeTokens{ok: false}, zap.NewNop())
	_, err := a.Request(context.Background(), http.MethodGet, "/me", nil, nil)
	if err == nil {
		t.Fatal("expected error when no token is available")
	}
}

func TestRequest_SetsAuthorizationHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := New(fakeTokens{token: "tok-1", ok: true}, zap.NewNop())
	resp, err := a.Request(context.Background(), http.MethodGet, srv.URL+"/users/a@x.test/messages", nil, nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode: want 200, got %d", resp.StatusCode)
	}
	if gotAuth != "Bearer tok-1" {
		t.Errorf("Authorization header: want %q, got %q", "Bearer tok-1", gotAuth)
	}
}

func TestSafeCall_FallbackWhenUnreachable(t *testing.T) {
	a := New(fakeTokens{token: "t", ok: true}, zap.NewNop())
	// Override host so the reachability probe always fails against a valid DNS name
	// that will not resolve, forcing the probe-failure branch.
	a.host = "nonexistent.invalid.example.test"

	called := false
	fallbackCalled := false
	result := a.SafeCall(context.Background(),
		func(ctx context.Context) (any, error) {
			called = true
			return "should not run", nil
		},
		func(ctx context.Context) any {
			fallbackCalled = true
			return "fallback"
		},
	)

	if called {
		t.Error("fn should not be called when reachability probe fails")
	}
	if !fallbackCalled {
		t.Error("fallback should be called when reachability probe fails")
	}
	if result != "fallback" {
		t.Errorf("result: want %q, got %v", "fallback", result)
	}
}
