// Package clashapi reads clan event state from the Clash of Clans API and
// turns it into snapshots.
package clashapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/meriley/clash-spy/internal/clock"
	"github.com/meriley/clash-spy/internal/errs"
)

const DefaultURL = "https://api.clashofclans.com/v1"

// BaselineStore keeps the first observed achievement totals of a season.
// SeedBaselines stores totals for players it has not seen under key and
// returns the stored baseline of every player in totals.
type BaselineStore interface {
	SeedBaselines(ctx context.Context, key string, totals map[string]int) (map[string]int, error)
}

type Client struct {
	Logger     log.Logger
	HttpClient *http.Client
	Url        string
	Token      string
	Limiter    *rate.Limiter
	Baselines  BaselineStore
	Clock      clock.Clock
}

// NewClient builds a client allowing rps requests per second.
func NewClient(logger log.Logger, baseURL, token string, rps float64, timeout time.Duration, baselines BaselineStore) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &Client{
		Logger:     log.With(logger, "component", "clashapi"),
		HttpClient: &http.Client{Timeout: timeout},
		Url:        strings.TrimRight(baseURL, "/"),
		Token:      token,
		Limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		Baselines:  baselines,
		Clock:      clock.NewRealClock(),
	}
}

// getJSON fetches path and decodes the body into v. Every request waits for
// the rate limiter first.
func (c *Client) getJSON(ctx context.Context, path string, v interface{}) error {
	if err := c.Limiter.Wait(ctx); err != nil {
		return errors.Wrap(errs.ErrUnavailable, err.Error())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Url+path, nil)
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HttpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errors.Wrap(ctx.Err(), path)
		}
		return errors.Wrap(errs.ErrUnavailable, err.Error())
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			_ = level.Error(c.Logger).Log("error", err.Error())
		}
	}(resp.Body)

	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return statusError(path, resp.StatusCode, apiErr)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return errors.Wrap(err, "failed to decode json")
	}
	return nil
}

func statusError(path string, status int, apiErr apiError) error {
	detail := fmt.Sprintf("%s: %d %s", path, status, apiErr.Reason)
	switch {
	case status == http.StatusNotFound:
		return errors.Wrap(errs.ErrEntityNotFound, detail)
	case status == http.StatusForbidden:
		// Private war logs and invalid tokens both answer 403.
		return errors.Wrap(errs.ErrEntityNotFound, detail)
	case status == http.StatusTooManyRequests:
		return errors.Wrap(errs.ErrRateLimited, detail)
	case status >= 500:
		return errors.Wrap(errs.ErrUnavailable, detail)
	}
	return errors.Errorf("unexpected response %s", detail)
}

func escape(tag string) string {
	return url.PathEscape(tag)
}
