package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/vyx/signal-engine/internal/logger"
	"github.com/vyx/signal-engine/pkg/errs"
	"github.com/vyx/signal-engine/pkg/types"
)

const (
	requestTimeout = 30 * time.Second
	maxRetries     = 3
	retryBackoff   = 500 * time.Millisecond
)

// Client is the engine's repository: a thin PostgREST client over the
// traders, signals, execution_history, user_profiles and cloud_machines
// tables. The engine is the sole writer of signals and execution_history.
type Client struct {
	baseURL    string
	serviceKey string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient creates a new Supabase client authenticated with the service key.
func NewClient(baseURL, serviceKey string) *Client {
	return &Client{
		baseURL:    baseURL,
		serviceKey: serviceKey,
		httpClient: &http.Client{Timeout: requestTimeout},
		log:        logger.WithComponent("supabase"),
	}
}

// do performs one request with service-role headers and bounded retries on
// transport errors and 5xx responses. The response body is returned raw.
func (c *Client) do(ctx context.Context, method, path string, payload []byte, prefer string) ([]byte, int, error) {
	var lastErr error
	backoff := retryBackoff

	for attempt := 0; attempt < maxRetries; attempt++ {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to create request: %w", err)
		}

		req.Header.Set("apikey", c.serviceKey)
		req.Header.Set("Authorization", "Bearer "+c.serviceKey)
		req.Header.Set("Content-Type", "application/json")
		if prefer != "" {
			req.Header.Set("Prefer", prefer)
		}

		resp, err := c.httpClient.Do(req)
		if err == nil {
			respBody, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()
			if readErr != nil {
				lastErr = readErr
			} else if resp.StatusCode >= 500 {
				lastErr = fmt.Errorf("supabase API error: %s - %s", resp.Status, string(respBody))
			} else {
				return respBody, resp.StatusCode, nil
			}
		} else {
			lastErr = err
		}

		c.log.Warn().Err(lastErr).Str("path", path).Int("attempt", attempt+1).Msg("Supabase request failed")

		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}

	return nil, 0, fmt.Errorf("%w: %v", errs.ErrUpstream, lastErr)
}

// get decodes a GET response into out, treating non-2xx as errors.
func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	body, status, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("supabase API error: status %d - %s", status, string(body))
	}
	return json.Unmarshal(body, out)
}

// ==================== TRADERS ====================

// GetAllTraders fetches all enabled traders regardless of ownership.
func (c *Client) GetAllTraders(ctx context.Context) ([]types.Trader, error) {
	var traders []types.Trader
	err := c.get(ctx, "/rest/v1/traders?enabled=eq.true&select=*", &traders)
	return traders, err
}

// GetTraders fetches all traders for a user.
func (c *Client) GetTraders(ctx context.Context, userID string) ([]types.Trader, error) {
	var traders []types.Trader
	path := "/rest/v1/traders?user_id=eq." + url.QueryEscape(userID) + "&select=*"
	err := c.get(ctx, path, &traders)
	return traders, err
}

// GetBuiltInTraders fetches all built-in traders.
func (c *Client) GetBuiltInTraders(ctx context.Context) ([]types.Trader, error) {
	var traders []types.Trader
	err := c.get(ctx, "/rest/v1/traders?is_built_in=eq.true&select=*", &traders)
	return traders, err
}

// GetTrader fetches a single trader by ID.
func (c *Client) GetTrader(ctx context.Context, traderID string) (*types.Trader, error) {
	var traders []types.Trader
	path := "/rest/v1/traders?id=eq." + url.QueryEscape(traderID) + "&select=*"
	if err := c.get(ctx, path, &traders); err != nil {
		return nil, err
	}
	if len(traders) == 0 {
		return nil, fmt.Errorf("%w: trader %s", errs.ErrNotFound, traderID)
	}
	return &traders[0], nil
}

// ==================== SIGNALS ====================

// CreateSignal inserts a new signal row.
func (c *Client) CreateSignal(ctx context.Context, signal *types.Signal) error {
	payload, err := json.Marshal(signal)
	if err != nil {
		return fmt.Errorf("failed to marshal signal: %w", err)
	}

	body, status, err := c.do(ctx, http.MethodPost, "/rest/v1/signals", payload, "return=minimal")
	if err != nil {
		return err
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return fmt.Errorf("supabase API error: status %d - %s", status, string(body))
	}
	return nil
}

// GetLatestSignal returns the most recent signal for (trader, symbol), or
// nil when none exists yet.
func (c *Client) GetLatestSignal(ctx context.Context, traderID, symbol string) (*types.Signal, error) {
	var signals []types.Signal
	path := "/rest/v1/signals?trader_id=eq." + url.QueryEscape(traderID) +
		"&symbol=eq." + url.QueryEscape(symbol) +
		"&order=kline_timestamp.desc&limit=1&select=*"
	if err := c.get(ctx, path, &signals); err != nil {
		return nil, err
	}
	if len(signals) == 0 {
		return nil, nil
	}
	return &signals[0], nil
}

// IncrementSignalCount bumps the dedupe count on an existing signal row and
// refreshes its timestamp to the latest match.
func (c *Client) IncrementSignalCount(ctx context.Context, signalID string, newCount int, matchedAt time.Time) error {
	payload, err := json.Marshal(map[string]interface{}{
		"count":     newCount,
		"timestamp": matchedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal signal update: %w", err)
	}

	path := "/rest/v1/signals?id=eq." + url.QueryEscape(signalID)
	body, status, err := c.do(ctx, http.MethodPatch, path, payload, "return=minimal")
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return fmt.Errorf("supabase API error: status %d - %s", status, string(body))
	}
	return nil
}

// GetRecentSignals returns the latest signals for a user's traders.
func (c *Client) GetRecentSignals(ctx context.Context, userID string, limit int) ([]types.Signal, error) {
	var signals []types.Signal
	path := fmt.Sprintf("/rest/v1/signals?user_id=eq.%s&order=timestamp.desc&limit=%d&select=*",
		url.QueryEscape(userID), limit)
	err := c.get(ctx, path, &signals)
	return signals, err
}

// ==================== EXECUTION HISTORY ====================

// CreateExecutionHistory writes the audit row for one evaluation batch.
func (c *Client) CreateExecutionHistory(ctx context.Context, row *types.ExecutionHistory) error {
	payload, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to marshal execution history: %w", err)
	}

	body, status, err := c.do(ctx, http.MethodPost, "/rest/v1/execution_history", payload, "return=minimal")
	if err != nil {
		return err
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return fmt.Errorf("supabase API error: status %d - %s", status, string(body))
	}
	return nil
}

// ==================== USERS ====================

// GetUser fetches the minimal user projection by ID.
func (c *Client) GetUser(ctx context.Context, userID string) (*types.User, error) {
	var users []types.User
	path := "/rest/v1/user_profiles?id=eq." + url.QueryEscape(userID) + "&select=*"
	if err := c.get(ctx, path, &users); err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, fmt.Errorf("%w: user %s", errs.ErrNotFound, userID)
	}
	return &users[0], nil
}

// ==================== MACHINES ====================

// UpdateMachineStatus records the machine identity heartbeat.
func (c *Client) UpdateMachineStatus(ctx context.Context, machineID, userID, state string) error {
	payload, err := json.Marshal(map[string]interface{}{
		"status":     state,
		"updated_at": time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal machine status: %w", err)
	}

	path := "/rest/v1/cloud_machines?machine_id=eq." + url.QueryEscape(machineID) +
		"&user_id=eq." + url.QueryEscape(userID)
	body, status, err := c.do(ctx, http.MethodPatch, path, payload, "return=minimal")
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return fmt.Errorf("supabase API error: status %d - %s", status, string(body))
	}
	return nil
}

// HealthCheck probes the REST endpoint.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, status, err := c.do(ctx, http.MethodGet, "/rest/v1/", nil, "")
	if err != nil {
		return err
	}
	if status >= 500 {
		return fmt.Errorf("%w: supabase status %d", errs.ErrUpstream, status)
	}
	return nil
}
