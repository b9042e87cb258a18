// Package backend fetches the initial holdings snapshot and historical series
// from the dashboard REST API. Both are opaque inputs to the live feed.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shubham-shewale/portfolio-live/cmd/livefeed/internal/auth"
	"github.com/shubham-shewale/portfolio-live/pkg/models"
)

// Provider is what the live feed needs from the REST API.
type Provider interface {
	Holdings(ctx context.Context, scope string) (models.HoldingsSnapshot, error)
	History(ctx context.Context, scope, subject string) ([]models.HistoricalPoint, error)
	Market(ctx context.Context, subject string) ([]models.SeriesPoint, error)
}

// Compile-time check to ensure Client implements Provider
var _ Provider = (*Client)(nil)

type Client struct {
	baseURL    string
	scopeParam string
	http       *http.Client
	tokens     auth.TokenSource
}

func NewClient(baseURL, scopeParam string, timeout time.Duration, tokens auth.TokenSource) *Client {
	if tokens == nil {
		tokens = auth.Optional("")
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		scopeParam: scopeParam,
		http:       &http.Client{Timeout: timeout},
		tokens:     tokens,
	}
}

type holdingsResponse struct {
	TotalUSD float64          `json:"totalUSD"`
	Holdings []models.Holding `json:"holdings"`
}

// Holdings fetches the current positions for scope.
func (c *Client) Holdings(ctx context.Context, scope string) (models.HoldingsSnapshot, error) {
	var resp holdingsResponse
	if err := c.getJSON(ctx, "/holdings", scope, &resp); err != nil {
		return models.HoldingsSnapshot{}, err
	}

	snap := models.HoldingsSnapshot{
		Scope:    scope,
		Holdings: make(map[string]models.Holding, len(resp.Holdings)),
		TotalUSD: resp.TotalUSD,
	}
	for _, h := range resp.Holdings {
		snap.Holdings[h.ID] = h
	}
	return snap, nil
}

// History fetches the cost/value series of one subject.
func (c *Client) History(ctx context.Context, scope, subject string) ([]models.HistoricalPoint, error) {
	var pts []models.HistoricalPoint
	err := c.getJSON(ctx, "/history/"+url.PathEscape(subject), scope, &pts)
	return pts, err
}

// Market fetches raw market prices of one subject.
func (c *Client) Market(ctx context.Context, subject string) ([]models.SeriesPoint, error) {
	var pts []models.SeriesPoint
	err := c.getJSON(ctx, "/market/"+url.PathEscape(subject), "", &pts)
	return pts, err
}

func (c *Client) getJSON(ctx context.Context, path, scope string, data interface{}) error {
	addr := c.baseURL + path
	if scope != "" && c.scopeParam != "" {
		addr += "?" + url.Values{c.scopeParam: []string{scope}}.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("backend token: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("cannot http GET %v%v: %v", resp.Request.URL.Host, resp.Request.URL.Path, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(data); err != nil {
		return fmt.Errorf("decode %v: %w", path, err)
	}
	return nil
}
