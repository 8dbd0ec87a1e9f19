package testutil

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"testing"
)

func TestAssertStatusCode(t *testing.T) {
	AssertStatusCode(t, http.StatusOK, http.StatusOK)
}

func TestAssertNoError(t *testing.T) {
	AssertNoError(t, nil)
}

func TestAssertError(t *testing.T) {
	AssertError(t, errors.New("boom"))
}

func TestNewDebugRequest(t *testing.T) {
	req := NewDebugRequest(http.MethodGet, "/debug/x", nil)
	if req.RemoteAddr != LoopbackAddr || req.Body == nil {
		t.Errorf("req = %+v", req)
	}
	if ct := req.Header.Get("Content-Type"); ct != "" {
		t.Errorf("GET content type = %q", ct)
	}

	req = NewDebugRequest(http.MethodPost, "/debug/x", url.Values{"addr": {"0x21"}})
	if ct := req.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
		t.Errorf("content type = %q", ct)
	}
	body, _ := io.ReadAll(req.Body)
	if string(body) != "addr=0x21" {
		t.Errorf("body = %q", body)
	}
}

func TestServeDebug(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.RemoteAddr != LoopbackAddr {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusTeapot)
	})
	rec := ServeDebug(h, http.MethodGet, "/", nil)
	AssertStatusCode(t, rec.Code, http.StatusTeapot)
}
