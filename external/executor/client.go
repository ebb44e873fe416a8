package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/agrishield/payout-engine/payout"
	"github.com/pkg/errors"
)

// Client talks to the execution adapter, the only component that moves
// funds. All submissions carry the idempotency key so retries of the same
// logical payout cannot duplicate a transfer.
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

func (c *Client) SubmitPayout(ctx context.Context, req payout.SubmitRequest) (payout.SubmitResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return payout.SubmitResult{}, errors.Wrap(err, "marshalling submit request")
	}
	url := fmt.Sprintf("%s/v1/payouts", c.baseURL)
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return payout.SubmitResult{}, errors.Wrap(err, "creating request")
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return payout.SubmitResult{}, errors.Wrap(err, "calling execution adapter")
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK && response.StatusCode != http.StatusAccepted {
		return payout.SubmitResult{}, errors.Errorf("execution adapter returned status [%d]", response.StatusCode)
	}
	var result payout.SubmitResult
	if err := json.NewDecoder(response.Body).Decode(&result); err != nil {
		return payout.SubmitResult{}, errors.Wrap(err, "decoding submit result")
	}
	return result, nil
}

// Reconcile asks the adapter for the final state of a submission. Used
// before retrying after timeouts; funds are never assumed transferred or
// lost on an ambiguous response.
func (c *Client) Reconcile(ctx context.Context, idempotencyKey string) (payout.ReconcileResult, error) {
	url := fmt.Sprintf("%s/v1/payouts/%s", c.baseURL, idempotencyKey)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return payout.ReconcileResult{}, errors.Wrap(err, "creating request")
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return payout.ReconcileResult{}, errors.Wrap(err, "calling execution adapter")
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusNotFound {
		return payout.ReconcileResult{Found: false}, nil
	}
	if response.StatusCode != http.StatusOK {
		return payout.ReconcileResult{}, errors.Errorf("execution adapter returned status [%d]", response.StatusCode)
	}
	var result payout.SubmitResult
	if err := json.NewDecoder(response.Body).Decode(&result); err != nil {
		return payout.ReconcileResult{}, errors.Wrap(err, "decoding reconcile result")
	}
	return payout.ReconcileResult{
		Found:  true,
		Status: result.Status,
		TxRef:  result.TxRef,
		Reason: result.Reason,
	}, nil
}
