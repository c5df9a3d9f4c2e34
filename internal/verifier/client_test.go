package verifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestVerify_SkipMode(t *testing.T) {
	c := New("http://unused", true)

	ok, err := c.Verify(context.Background(), "stu-1", "some-proof")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatal("skip mode with proof should verify")
	}

	ok, err = c.Verify(context.Background(), "stu-1", "")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Fatal("skip mode without proof should not verify")
	}
}

func TestVerify_AgainstService(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/verify" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			StudentID string `json:"student_id"`
			Proof     string `json:"proof"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(Result{
			StudentID:  req.StudentID,
			Verified:   req.Proof == "good-proof",
			Similarity: 0.91,
			Threshold:  0.5,
		})
	}))
	defer srv.Close()

	c := New(srv.URL, false)

	ok, err := c.Verify(context.Background(), "stu-1", "good-proof")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatal("matching proof should verify")
	}

	ok, err = c.Verify(context.Background(), "stu-1", "bad-proof")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Fatal("mismatched proof should not verify")
	}
}

func TestVerify_RejectsPrincipalSwap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// A confused service verifying somebody else entirely.
		_ = json.NewEncoder(w).Encode(Result{StudentID: "stu-other", Verified: true})
	}))
	defer srv.Close()

	c := New(srv.URL, false)
	ok, err := c.Verify(context.Background(), "stu-1", "proof")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Fatal("verification for a different principal must not pass")
	}
}

func TestCheck_SurfacesServiceErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, false)
	if _, err := c.Check(context.Background(), "stu-1", "proof"); err == nil {
		t.Fatal("expected an error from a failing service")
	}
}
