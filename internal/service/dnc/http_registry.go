package dnc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/davidleathers/dispatch-guard/internal/domain/values"
)

// Endpoint locates one country's registry lookup API.
type Endpoint struct {
	BaseURL string
	APIKey  string
}

// HTTPRegistry queries national registries that expose
// GET {base}/v1/check?number=<E.164> returning {"is_listed": bool}.
type HTTPRegistry struct {
	endpoints map[string]Endpoint
	client    *http.Client
}

type checkResponse struct {
	IsListed bool `json:"is_listed"`
}

// NewHTTPRegistry builds a client for the given country endpoints, keyed by
// ISO code. A nil client gets a pooled default.
func NewHTTPRegistry(endpoints map[string]Endpoint, client *http.Client) *HTTPRegistry {
	normalized := make(map[string]Endpoint, len(endpoints))
	for iso, ep := range endpoints {
		ep.BaseURL = strings.TrimRight(ep.BaseURL, "/")
		normalized[strings.ToUpper(iso)] = ep
	}
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &HTTPRegistry{endpoints: normalized, client: client}
}

func (r *HTTPRegistry) Supports(countryISO string) bool {
	_, ok := r.endpoints[strings.ToUpper(countryISO)]
	return ok
}

func (r *HTTPRegistry) Listed(ctx context.Context, countryISO string, phone values.PhoneNumber) (bool, error) {
	ep, ok := r.endpoints[strings.ToUpper(countryISO)]
	if !ok {
		return false, fmt.Errorf("%w: no endpoint for %s", ErrRegistryUnavailable, countryISO)
	}

	params := url.Values{}
	params.Add("number", phone.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.BaseURL+"/v1/check?"+params.Encode(), nil)
	if err != nil {
		return false, fmt.Errorf("failed to create registry request: %w", err)
	}
	if ep.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+ep.APIKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("registry request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return false, fmt.Errorf("registry returned HTTP %d", resp.StatusCode)
	}

	var body checkResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("failed to parse registry response: %w", err)
	}
	return body.IsListed, nil
}
