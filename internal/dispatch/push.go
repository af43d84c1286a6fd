package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// PushClient posts notifications to an HTTP push provider for drivers that
// registered a push token. Fire-and-forget with a short timeout; offer
// delivery never waits on it.
type PushClient struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewPushClient(endpoint, key string) *PushClient {
	return &PushClient{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *PushClient) Send(pushToken, text string, data map[string]any) error {
	body := map[string]any{
		"to":    pushToken,
		"title": "Ride update",
		"body":  text,
		"data":  data,
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push provider status %d", resp.StatusCode)
	}
	return nil
}
