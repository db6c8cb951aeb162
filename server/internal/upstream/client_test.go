package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ospulse/ospulse/server/internal/config"
	"github.com/ospulse/ospulse/server/internal/seriescache"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(config.UpstreamConfig{BaseURL: srv.URL + "/", Timeout: 2 * time.Second, UserAgent: "ospulse-test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestFetch_OK(t *testing.T) {
	var gotPath, gotUA string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"2024-01": 5}`)) //nolint:errcheck
	})

	body, err := c.Fetch(context.Background(), seriescache.Identity{
		Platform: "github", Entity: "apache", Repo: "kafka", Metric: "openrank",
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(body) != `{"2024-01": 5}` {
		t.Errorf("body: got %q", body)
	}
	if gotPath != "/github/apache/kafka/openrank.json" {
		t.Errorf("path: got %q", gotPath)
	}
	if gotUA != "ospulse-test" {
		t.Errorf("User-Agent: got %q", gotUA)
	}
}

func TestURL_UserLevel(t *testing.T) {
	c, err := New(config.UpstreamConfig{BaseURL: "https://oss.open-digger.cn", Timeout: time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := c.URL(seriescache.Identity{Platform: "github", Entity: "torvalds", Metric: "openrank"})
	if got != "https://oss.open-digger.cn/github/torvalds/openrank.json" {
		t.Errorf("URL: got %q", got)
	}
}

func TestFetch_StatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, seriescache.ErrNotFound},
		{http.StatusInternalServerError, seriescache.ErrUnavailable},
		{http.StatusBadGateway, seriescache.ErrUnavailable},
		{http.StatusForbidden, seriescache.ErrUnavailable},
	}
	for _, tc := range tests {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		})
		_, err := c.Fetch(context.Background(), seriescache.Identity{Platform: "github", Entity: "a", Repo: "b", Metric: "m"})
		if !errors.Is(err, tc.want) {
			t.Errorf("status %d: got %v, want %v", tc.status, err, tc.want)
		}
		var ue *seriescache.UpstreamError
		if errors.As(err, &ue) && ue.Status != tc.status {
			t.Errorf("status %d: UpstreamError.Status got %d", tc.status, ue.Status)
		}
	}
}

func TestFetch_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(config.UpstreamConfig{BaseURL: url, Timeout: time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.Fetch(context.Background(), seriescache.Identity{Platform: "github", Entity: "a", Metric: "m"})
	if !errors.Is(err, seriescache.ErrUnavailable) {
		t.Errorf("closed server: got %v, want ErrUnavailable", err)
	}
}

func TestFetch_OversizedBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"2024-01": 1, "2024-02": 2}`)) //nolint:errcheck
	})
	kafka := seriescache.Identity{Platform: "github", Entity: "apache", Repo: "kafka", Metric: "openrank"}

	c.maxBody = 28
	if _, err := c.Fetch(context.Background(), kafka); err != nil {
		t.Fatalf("body at the cap: %v", err)
	}

	c.maxBody = 27
	_, err := c.Fetch(context.Background(), kafka)
	if !errors.Is(err, seriescache.ErrInvalidFormat) {
		t.Fatalf("got %v, want InvalidFormat", err)
	}
	if !strings.Contains(err.Error(), "payload too large") {
		t.Errorf("error %q should name the size cap", err)
	}
}

func TestNew_InvalidBaseURL(t *testing.T) {
	for _, base := range []string{"", "not a url", "/relative/only"} {
		if _, err := New(config.UpstreamConfig{BaseURL: base}); err == nil {
			t.Errorf("base %q: expected error", base)
		}
	}
}
