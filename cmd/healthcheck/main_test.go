package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthURL(t *testing.T) {
	tests := []struct {
		explicit, addr, want string
	}{
		{"", "", "http://localhost:8080/healthz"},
		{"", ":9000", "http://localhost:9000/healthz"},
		{"", "0.0.0.0:9000", "http://0.0.0.0:9000/healthz"},
		{"http://scraper:8080/readyz", ":9000", "http://scraper:8080/readyz"},
	}
	for _, tt := range tests {
		if got := healthURL(tt.explicit, tt.addr); got != tt.want {
			t.Errorf("healthURL(%q, %q) = %q, want %q", tt.explicit, tt.addr, got, tt.want)
		}
	}
}

func TestCheckHealth(t *testing.T) {
	code := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
	}))
	defer srv.Close()

	if err := checkHealth(context.Background(), srv.URL); err != nil {
		t.Fatalf("checkHealth() error = %v", err)
	}
	code = http.StatusServiceUnavailable
	if err := checkHealth(context.Background(), srv.URL); err == nil {
		t.Fatal("checkHealth() = nil for 503")
	}
}
