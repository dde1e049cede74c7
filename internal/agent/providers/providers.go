// Package providers contains the concrete capability adapters behind the
// uniform agent contract. Each adapter knows one provider's wire format and
// nothing about workflow state; retries and timeouts belong to the executor.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ike1112/travel-agent/internal/agent"
)

// doJSON performs one JSON request/response exchange. It classifies
// transport failures and 5xx/429 answers as transient so the executor can
// retry them; other non-2xx answers are permanent.
func doJSON(ctx context.Context, client *http.Client, method, url string, headers map[string]string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return agent.Transient(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("%s: %s", resp.Status, string(b))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return agent.Transient(err)
		}
		return err
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func jsonDecode(r io.Reader, out interface{}) error {
	return json.NewDecoder(r).Decode(out)
}
