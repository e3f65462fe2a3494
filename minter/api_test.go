package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRegisterWristbandSendsPayload(t *testing.T) {
	var got WristbandRegistration
	var auth, reqID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		reqID = r.Header.Get("X-Request-ID")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	want := WristbandRegistration{UID: "04517a226e1090", Auth0: 4, CMAC: true, BatchID: "b1"}
	id, err := registerWristband(srv.URL, "secret", want)
	if err != nil {
		t.Fatalf("registerWristband returned error: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("payload mismatch (-want +got):\n%s", diff)
	}
	if auth != "Bearer secret" {
		t.Fatalf("unexpected Authorization header %q", auth)
	}
	if id == "" || id != reqID {
		t.Fatalf("request id %q not sent (server saw %q)", id, reqID)
	}
}

func TestRegisterWristbandRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	_, err := registerWristband(srv.URL, "", WristbandRegistration{UID: "00"})
	if err == nil || !strings.Contains(err.Error(), "409") {
		t.Fatalf("expected 409 error, got %v", err)
	}
}
