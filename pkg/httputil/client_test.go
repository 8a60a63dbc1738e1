package httputil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestClientTiers(t *testing.T) {
	fast := Client(TierFast)
	fetch := Client(TierFetch)
	slow := Client(TierSlow)

	if fast.Timeout != 5*time.Second {
		t.Errorf("fast tier timeout = %v, want 5s", fast.Timeout)
	}
	if fetch.Timeout != 10*time.Second {
		t.Errorf("fetch tier timeout = %v, want 10s", fetch.Timeout)
	}
	if slow.Timeout != 30*time.Second {
		t.Errorf("slow tier timeout = %v, want 30s", slow.Timeout)
	}

	// Same tier must return the same client so connections are pooled.
	if Client(TierFetch) != fetch {
		t.Error("Client(TierFetch) returned a new instance")
	}
}

func TestFetchFollowsRedirects(t *testing.T) {
	var gotUA string
	final := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Write([]byte("landing page"))
	}))
	defer final.Close()

	hop := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, final.URL+"/target", http.StatusFound)
	}))
	defer hop.Close()

	res, err := Fetch(context.Background(), hop.URL, "test-agent/1.0")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", res.StatusCode)
	}
	if string(res.Body) != "landing page" {
		t.Errorf("body = %q", res.Body)
	}
	if res.Redirects != 1 {
		t.Errorf("redirects = %d, want 1", res.Redirects)
	}
	if !strings.HasPrefix(res.FinalURL, final.URL) {
		t.Errorf("final URL %q does not point at landing server", res.FinalURL)
	}
	if gotUA != "test-agent/1.0" {
		t.Errorf("user agent = %q", gotUA)
	}
}

func TestFetchRedirectLimit(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL+"/again", http.StatusFound)
	}))
	defer srv.Close()

	_, err := Fetch(context.Background(), srv.URL, "")
	if err == nil {
		t.Fatal("expected error on redirect loop")
	}
}

func TestReadResponseBodyLimit(t *testing.T) {
	body, err := ReadResponseBody(strings.NewReader("0123456789"), 4)
	if err != nil {
		t.Fatalf("ReadResponseBody: %v", err)
	}
	if string(body) != "0123" {
		t.Errorf("body = %q, want truncation at 4 bytes", body)
	}
}

func TestSemaphore(t *testing.T) {
	s := NewSemaphore(2)

	if !s.TryAcquire() || !s.TryAcquire() {
		t.Fatal("could not fill semaphore to capacity")
	}
	if s.TryAcquire() {
		t.Error("TryAcquire succeeded past capacity")
	}
	if s.Rejected() != 1 {
		t.Errorf("rejected = %d, want 1", s.Rejected())
	}
	if s.InUse() != 2 {
		t.Errorf("in use = %d, want 2", s.InUse())
	}

	s.Release()
	if !s.TryAcquire() {
		t.Error("TryAcquire failed after release")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Acquire(ctx); err == nil {
		t.Error("Acquire on full semaphore with cancelled context should fail")
	}
}
