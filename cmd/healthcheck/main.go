// Command healthcheck probes the banchostats liveness endpoint. It is wired
// as the container HEALTHCHECK so an orchestrator restarts a wedged process.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"
)

func main() {
	addr := os.Getenv("HEALTHCHECK_ADDR")
	if addr == "" {
		addr = "localhost:8080"
	}
	client := &http.Client{Timeout: 3 * time.Second}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, "http://"+addr+"/healthz", nil)
	if err != nil {
		log.Printf("banchostats healthcheck: %v", err)
		os.Exit(1)
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Printf("banchostats healthcheck: %v", err)
		os.Exit(1)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		log.Printf("banchostats healthcheck: %s returned %d", addr, resp.StatusCode)
		os.Exit(1)
	}
}
