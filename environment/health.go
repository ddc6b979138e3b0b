package environment

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// waitReady polls the backend's health endpoint until it answers 200,
// the startup timeout elapses, or the context is cancelled. Each probe has
// its own short timeout so a hung backend cannot stall the loop past the
// poll interval.
func waitReady(ctx context.Context, endpoint, path string, interval, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := &http.Client{Timeout: interval}
	url := endpoint + path

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastErr error
	for {
		if ok, err := probe(ctx, client, url); ok {
			return nil
		} else if err != nil {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			if lastErr != nil {
				return errors.Wrapf(lastErr, "backend not ready after %s", timeout)
			}
			return errors.Errorf("backend not ready after %s", timeout)
		case <-ticker.C:
		}
	}
}

func probe(ctx context.Context, client *http.Client, url string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}
	return true, nil
}
