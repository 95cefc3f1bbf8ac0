package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type healthBody struct {
	BrowserReady *bool `json:"browser_ready"`
}

// pollHealth polls endpoint+healthPath with exponential backoff (initial
// 0.5s, factor 2, cap 1s) up to m.readinessBudget, per spec §4.3. A 200 is
// sufficient for "ship"-type containers; "browser"-type containers must
// additionally report browser_ready:true in a JSON body, with images that
// omit the field entirely treated as ready for backward compatibility.
func (m *Manager) pollHealth(ctx context.Context, endpoint, healthPath, runtimeType string) error {
	if healthPath == "" {
		healthPath = "/health"
	}
	url := endpoint + healthPath

	deadline := time.Now().Add(m.readinessBudget)
	delay := readinessInitialDelay

	for {
		ok, err := m.probeOnce(ctx, url, runtimeType)
		if err == nil && ok {
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("not ready within %s", m.readinessBudget)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > readinessMaxDelay {
			delay = readinessMaxDelay
		}
	}
}

func (m *Manager) probeOnce(ctx context.Context, url, runtimeType string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, nil
	}
	if runtimeType != "browser" {
		return true, nil
	}

	var body healthBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		// Malformed or absent body: treat as ready for backward
		// compatibility with older runtime images.
		return true, nil
	}
	if body.BrowserReady == nil {
		return true, nil
	}
	return *body.BrowserReady, nil
}
