package ice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pion/webrtc/v3"
)

// HTTPProvider fetches short-lived TURN credentials from a web service
// answering {"iceServers":[{"urls":[...],"username":"","credential":""}],"ttl":secs}.
type HTTPProvider struct {
	URL    string
	Token  string
	Client *http.Client
}

type credentialResponse struct {
	ICEServers []struct {
		URLs       []string `json:"urls"`
		Username   string   `json:"username"`
		Credential string   `json:"credential"`
	} `json:"iceServers"`
	TTL int `json:"ttl"`
}

// NewHTTPProvider creates a provider for the credential service at url
func NewHTTPProvider(url, token string) *HTTPProvider {
	return &HTTPProvider{
		URL:    url,
		Token:  token,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

// ICEServers fetches the current list
func (p *HTTPProvider) ICEServers(ctx context.Context) ([]webrtc.ICEServer, error) {
	servers, _, err := p.Fetch(ctx)
	return servers, err
}

// Fetch returns the list and the lifetime the service granted it. A zero
// lifetime means the service did not say.
func (p *HTTPProvider) Fetch(ctx context.Context) ([]webrtc.ICEServer, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return nil, 0, err
	}
	if p.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.Token)
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch ice servers: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("fetch ice servers: status %d", resp.StatusCode)
	}

	var body credentialResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, 0, fmt.Errorf("decode ice servers: %w", err)
	}

	servers := make([]webrtc.ICEServer, 0, len(body.ICEServers))
	for _, s := range body.ICEServers {
		if len(s.URLs) == 0 {
			continue
		}
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		servers = append(servers, server)
	}
	if len(servers) == 0 {
		return nil, 0, ErrNoServers
	}
	return servers, time.Duration(body.TTL) * time.Second, nil
}
