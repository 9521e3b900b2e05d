package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/accelbench/hpsearch/internal/database"
)

// Client wraps HTTP calls to the hpsearch API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client targeting the given base URL (e.g. "http://localhost:8080").
func New(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: http.DefaultClient,
	}
}

// CreateSearch submits a search file to POST /api/v1/searches and returns
// the search ID and status. contentType selects the file format.
func (c *Client) CreateSearch(ctx context.Context, body []byte, contentType string) (string, string, error) {
	var result struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := c.doPost(ctx, c.baseURL+"/api/v1/searches", contentType, body, &result); err != nil {
		return "", "", err
	}
	return result.ID, result.Status, nil
}

// ListSearches queries GET /api/v1/searches with optional filters.
func (c *Client) ListSearches(ctx context.Context, f database.SearchFilter) ([]database.Search, error) {
	params := url.Values{}
	if f.Status != "" {
		params.Set("status", f.Status)
	}
	if f.Name != "" {
		params.Set("name", f.Name)
	}
	if f.Limit > 0 {
		params.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		params.Set("offset", strconv.Itoa(f.Offset))
	}

	u := c.baseURL + "/api/v1/searches"
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var items []database.Search
	if err := c.doGet(ctx, u, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// GetSearch fetches GET /api/v1/searches/{id}.
func (c *Client) GetSearch(ctx context.Context, id string) (*database.Search, error) {
	var s database.Search
	if err := c.doGet(ctx, c.baseURL+"/api/v1/searches/"+url.PathEscape(id), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ListTrials fetches GET /api/v1/searches/{id}/trials.
func (c *Client) ListTrials(ctx context.Context, searchID string) ([]database.Trial, error) {
	var trials []database.Trial
	if err := c.doGet(ctx, c.baseURL+"/api/v1/searches/"+url.PathEscape(searchID)+"/trials", &trials); err != nil {
		return nil, err
	}
	return trials, nil
}

// ListReports fetches GET /api/v1/trials/{id}/reports.
func (c *Client) ListReports(ctx context.Context, trialID string) ([]database.Report, error) {
	var reports []database.Report
	if err := c.doGet(ctx, c.baseURL+"/api/v1/trials/"+url.PathEscape(trialID)+"/reports", &reports); err != nil {
		return nil, err
	}
	return reports, nil
}

// CancelSearch asks the server to stop a running search.
func (c *Client) CancelSearch(ctx context.Context, id string) error {
	return c.doPost(ctx, c.baseURL+"/api/v1/searches/"+url.PathEscape(id)+"/cancel", "", nil, nil)
}

// CancelTrial asks the server to terminate a single running trial.
func (c *Client) CancelTrial(ctx context.Context, id string) error {
	return c.doPost(ctx, c.baseURL+"/api/v1/trials/"+url.PathEscape(id)+"/cancel", "", nil, nil)
}

func (c *Client) doGet(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.readError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) doPost(ctx context.Context, rawURL, contentType string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return c.readError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) readError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	var apiErr struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
		return fmt.Errorf("API error %d: %s", resp.StatusCode, apiErr.Error)
	}
	return fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
}
