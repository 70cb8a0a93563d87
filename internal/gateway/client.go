// Package gateway is the HTTP client for the Persistence Gateway, a REST data
// store exposing the users, rewards, activities and campaigns collections.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dukerupert/perks/internal/apperr"
	"github.com/dukerupert/perks/internal/model"
)

const maxErrorBody = 4 << 10

// Config holds gateway client configuration.
type Config struct {
	BaseURL string
	// Timeout bounds each round-trip. Zero means no timeout.
	Timeout   time.Duration
	Transport http.RoundTripper
}

// Client talks to the gateway. The typed collections share its transport.
type Client struct {
	baseURL    string
	httpClient *http.Client

	Users      *Collection[model.User]
	Rewards    *Collection[model.Reward]
	Activities *Collection[model.Activity]
	Campaigns  *Collection[model.Campaign]
}

func New(cfg Config) *Client {
	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: cfg.Transport,
		},
	}
	c.Users = &Collection[model.User]{client: c, name: "users"}
	c.Rewards = &Collection[model.Reward]{client: c, name: "rewards"}
	c.Activities = &Collection[model.Activity]{client: c, name: "activities"}
	c.Campaigns = &Collection[model.Campaign]{client: c, name: "campaigns"}
	return c
}

// ClaimReward marks a reward redeemed by userID only if nobody has redeemed it
// yet. A reward that is already claimed fails with an error matching
// apperr.ErrConflict.
func (c *Client) ClaimReward(ctx context.Context, rewardID, userID int64) (model.Reward, error) {
	var out model.Reward
	path := "/rewards/" + strconv.FormatInt(rewardID, 10) + "/redeem"
	err := c.do(ctx, http.MethodPost, path, nil, map[string]int64{"userId": userID}, &out)
	if err != nil {
		return model.Reward{}, fmt.Errorf("claim reward %d: %w", rewardID, err)
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &apperr.NetworkError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &apperr.HTTPError{
			Method: method,
			Path:   path,
			Status: resp.StatusCode,
			Body:   errorMessage(resp.Body),
		}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return &apperr.NetworkError{Op: "decode " + method + " " + path, Err: err}
	}
	return nil
}

// errorMessage extracts {"error": "..."} from a gateway error body, falling
// back to the raw text.
func errorMessage(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(data))
}
