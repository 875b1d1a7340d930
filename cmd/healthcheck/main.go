// Command healthcheck is the container HEALTHCHECK probe. It exits 0 when the
// service answers 200 on its liveness endpoint.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"
)

func probeURL() string {
	if u := os.Getenv("HEALTHCHECK_URL"); u != "" {
		return u
	}
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	return "http://localhost:" + port + "/healthz"
}

func probe(ctx context.Context, url string) bool {
	client := &http.Client{Timeout: 3 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("failed to close response body: %v", err)
		}
	}()
	return resp.StatusCode == http.StatusOK
}

func main() {
	if !probe(context.Background(), probeURL()) {
		os.Exit(1)
	}
}
