package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPReceipts records read-state against the relay's REST API.
type HTTPReceipts struct {
	// BaseURL is the relay's HTTP root, e.g. "https://support.example.com".
	BaseURL string
	Tokens  TokenSource
	// Client defaults to one with a 10s timeout.
	Client *http.Client
}

func (r *HTTPReceipts) MarkRead(ctx context.Context, peerID string) error {
	token, err := r.Tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("resolving token: %w", err)
	}

	body, err := json.Marshal(map[string]string{"peer_id": peerID})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, r.BaseURL+"/api/messages/read", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("relay returned %s", resp.Status)
	}
	return nil
}
