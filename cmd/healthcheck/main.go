// Command healthcheck probes the recorder's HTTP server for container
// health checks. It exits 0 when the probe answers 200.
//
// HEALTHCHECK_URL overrides the target; otherwise the port is taken from
// HTTP_ADDR. Pass -ready to probe /readyz instead of /healthz.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"time"
)

func targetURL(ready bool) string {
	if u := os.Getenv("HEALTHCHECK_URL"); u != "" {
		return u
	}
	port := "8080"
	if addr := os.Getenv("HTTP_ADDR"); addr != "" {
		if _, p, err := net.SplitHostPort(addr); err == nil && p != "" {
			port = p
		}
	}
	path := "/healthz"
	if ready {
		path = "/readyz"
	}
	return "http://localhost:" + port + path
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
	ready := flag.Bool("ready", false, "probe /readyz")
	flag.Parse()
	if !probe(context.Background(), targetURL(*ready)) {
		os.Exit(1)
	}
}
