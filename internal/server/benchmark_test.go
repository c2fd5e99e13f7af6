package server

import (
	"context"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"

	"admission-gateway/internal/clock"
	"admission-gateway/internal/testutil"
)

func setupBenchmarkServer(b *testing.B) *Server {
	b.Helper()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"OK"}`))
	}))
	b.Cleanup(backend.Close)

	cfg := testServerConfig(backend.URL)
	cfg.Admission.MaxPerWindow = 1 << 30
	cfg.Admission.DailyLimit = 1 << 30
	cfg.Upstream.RatePerSecond = 0

	srv, err := newServer(cfg, clock.NewSystemClock(), testutil.TestLogger())
	if err != nil {
		b.Fatalf("Failed to create server: %v", err)
	}
	b.Cleanup(func() { srv.Shutdown(context.Background()) })
	return srv
}

func BenchmarkGateway_SingleIdentity(b *testing.B) {
	srv := setupBenchmarkServer(b)

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, gatewayRequest("8.8.8.8"))

		if w.Code != http.StatusOK {
			b.Fatalf("Request failed with status: %d", w.Code)
		}
	}
}

func BenchmarkGateway_ManyIdentities(b *testing.B) {
	srv := setupBenchmarkServer(b)

	rng := rand.New(rand.NewSource(42))
	ips := make([]string, 5000)
	for i := range ips {
		ips[i] = testutil.RandomPublicIP(rng)
	}

	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			w := httptest.NewRecorder()
			srv.Handler().ServeHTTP(w, gatewayRequest(ips[i%len(ips)]))

			if w.Code != http.StatusOK {
				b.Fatalf("Concurrent request failed with status: %d", w.Code)
			}
			i++
		}
	})
}

func BenchmarkGateway_Stats(b *testing.B) {
	srv := setupBenchmarkServer(b)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 1000; i++ {
		srv.Handler().ServeHTTP(httptest.NewRecorder(), gatewayRequest(testutil.RandomPublicIP(rng)))
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/stats?top=10", nil)
	req.Header.Set("Authorization", "Bearer admin")

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			b.Fatalf("Stats failed with status: %d", w.Code)
		}
	}
}
