package policyapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/agrishield/payout-engine/domain"
	"github.com/pkg/errors"
)

// Client is a read-only client of the external policy service. The engine
// never writes policies.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// GetPolicy fetches a policy snapshot. Returns domain.ErrPolicyNotFound for
// unknown ids.
func (c *Client) GetPolicy(ctx context.Context, policyID string) (domain.Policy, error) {
	url := fmt.Sprintf("%s/v1/policies/%s", c.baseURL, policyID)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.Policy{}, errors.Wrap(err, "creating request")
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return domain.Policy{}, errors.Wrap(err, "calling policy service")
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusNotFound {
		return domain.Policy{}, domain.ErrPolicyNotFound
	}
	if response.StatusCode != http.StatusOK {
		return domain.Policy{}, errors.Errorf("policy service returned status [%d]", response.StatusCode)
	}

	var policy domain.Policy
	if err := json.NewDecoder(response.Body).Decode(&policy); err != nil {
		return domain.Policy{}, errors.Wrap(err, "decoding policy")
	}
	if policy.PolicyID != policyID {
		return domain.Policy{}, errors.Errorf("policy service returned policy [%s] for id [%s]", policy.PolicyID, policyID)
	}
	return policy, nil
}
