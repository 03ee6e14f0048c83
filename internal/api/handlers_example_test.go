package api

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"

	"go.uber.org/zap"
)

// ExampleNewServer shows a manual crawl being triggered over HTTP.
func ExampleNewServer() {
	server := NewServer(newFakeControl(), testConfig(), nil, zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/v1/crawler/trigger",
		strings.NewReader(`{"sources":["fred"],"series_ids":["CPIAUCSL"]}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	fmt.Println(rec.Code)
	// Output: 202
}
