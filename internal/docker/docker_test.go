package docker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Hyper-Int/cmux/internal/logging"
)

func TestCheckReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Api-Version", "1.44")
		switch {
		case strings.HasSuffix(r.URL.Path, "/_ping"):
			w.Write([]byte("OK"))
		case strings.HasSuffix(r.URL.Path, "/version"):
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"Version":"25.0.6","ApiVersion":"1.44"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewChecker("tcp://"+strings.TrimPrefix(srv.URL, "http://"), logging.Nop())
	st := c.Check(context.Background())
	if !st.Ready || st.Version != "25.0.6" {
		t.Errorf("status = %+v", st)
	}
}

func TestCheckUnreachable(t *testing.T) {
	c := NewChecker("tcp://127.0.0.1:1", logging.Nop())
	st := c.Check(context.Background())
	if st.Ready || st.Message == "" {
		t.Errorf("status = %+v", st)
	}
}
