package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/nathan-walker/giles/pkg/parse"
	"github.com/nathan-walker/giles/pkg/utils"
)

// FetchRobotsTxt retrieves <scheme>://<host>/robots.txt through pool, reading at
// most maxSize bytes. Only a 200 yields a body; any other status or transport
// failure is returned as an error for the caller to turn into a default.
func FetchRobotsTxt(ctx context.Context, pool *Pool, host, userAgent string, maxSize int64) (string, error) {
	robotsURL := parse.RobotsURL(pool.Scheme(), host)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return "", fmt.Errorf("%w: building robots request for %s: %w", utils.ErrFetch, host, err)
	}
	req.Header.Set("Accept", "text/plain,*/*;q=0.8")
	req.Header.Set("User-Agent", userAgent)

	resp, err := pool.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", robotsInterrupted(ctx, robotsURL.String())
		}
		return "", fmt.Errorf("%w: %w", utils.ErrTransport, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return "", fmt.Errorf("%w: %s", utils.ErrNotFound, robotsURL)
	default:
		return "", fmt.Errorf("%w: status %d %s", utils.ErrFetch, resp.StatusCode, resp.Status)
	}

	reader := io.Reader(resp.Body)
	if maxSize > 0 {
		reader = io.LimitReader(resp.Body, maxSize) // Oversized files are truncated, not rejected
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		if ctx.Err() != nil {
			return "", robotsInterrupted(ctx, robotsURL.String())
		}
		return "", fmt.Errorf("%w: reading %s: %w", utils.ErrAborted, robotsURL, err)
	}
	return string(body), nil
}

// robotsInterrupted reports a fetch cut short by ctx. A deadline whose cause is
// utils.ErrTimeout is a timeout; anything else is an abort.
func robotsInterrupted(ctx context.Context, target string) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, utils.ErrTimeout) {
		return fmt.Errorf("%w: %s", utils.ErrTimeout, target)
	}
	return fmt.Errorf("%w: %s: %w", utils.ErrAborted, target, cause)
}
