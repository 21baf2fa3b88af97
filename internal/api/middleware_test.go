package api

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestAuthMiddleware(t *testing.T) {
	cases := []struct {
		name       string
		token      string
		header     string
		wantStatus int
		wantReason string
	}{
		{name: "valid", token: "s3cret", header: "Bearer s3cret", wantStatus: http.StatusOK},
		{name: "scheme case-insensitive", token: "s3cret", header: "bearer s3cret", wantStatus: http.StatusOK},
		{name: "missing header", token: "s3cret", wantStatus: http.StatusUnauthorized, wantReason: "missing Authorization header"},
		{name: "basic auth", token: "s3cret", header: "Basic dXNlcjpwYXNz", wantStatus: http.StatusUnauthorized, wantReason: "invalid Authorization header format"},
		{name: "empty bearer", token: "s3cret", header: "Bearer ", wantStatus: http.StatusUnauthorized, wantReason: "invalid Authorization header format"},
		{name: "wrong token", token: "s3cret", header: "Bearer guess", wantStatus: http.StatusUnauthorized, wantReason: "invalid admin token"},
		{name: "auth disabled", token: "", wantStatus: http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reached := false
			h := AuthMiddleware(tc.token, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				reached = true
				w.WriteHeader(http.StatusOK)
			}))
			req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Fatalf("status: got %d, want %d", rec.Code, tc.wantStatus)
			}
			if reached != (tc.wantStatus == http.StatusOK) {
				t.Fatalf("next reached = %v", reached)
			}
			if tc.wantReason == "" {
				return
			}
			var body ErrorResponse
			decodeJSON(t, rec, &body)
			if body.Error.Code != "UNAUTHORIZED" || body.Error.Message != tc.wantReason {
				t.Fatalf("error body: %+v", body.Error)
			}
			if rec.Header().Get("WWW-Authenticate") == "" {
				t.Fatal("missing WWW-Authenticate challenge")
			}
		})
	}
}

func TestRequestBodyLimitMiddleware(t *testing.T) {
	var readErr error
	h := RequestBodyLimitMiddleware(4, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", strings.NewReader("1234")))
	if readErr != nil {
		t.Fatalf("body at the limit: %v", readErr)
	}

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", strings.NewReader("12345")))
	var tooLarge *requestBodyTooLargeError
	if !errors.As(asBodyError(readErr), &tooLarge) || tooLarge.Limit != 4 {
		t.Fatalf("over the limit: got %v", readErr)
	}
}

func TestAccessLogMiddleware_PreservesStatus(t *testing.T) {
	h := AccessLogMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status: got %d", rec.Code)
	}
}
