package probe

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/hamed0406/regionwatch/internal/domain"
)

const (
	UserAgent = "regionwatch-probe/1.0"

	// drained so keep-alive connections can be reused
	maxDrainBytes = 64 << 10

	defaultTimeout = 10 * time.Second
)

type HTTPChecker struct {
	Client  *http.Client
	Timeout time.Duration
}

// NewHTTPChecker returns a checker whose probes are each bounded by timeout.
// The timeout is applied per request through the context, so the shared
// client carries no global timeout of its own.
func NewHTTPChecker(timeout time.Duration) *HTTPChecker {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPChecker{
		Timeout: timeout,
		Client: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     60 * time.Second,
				TLSHandshakeTimeout: timeout,
			},
			// A redirect is an answer; the target is reachable.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Check issues one GET. Any HTTP response, whatever its status code, counts
// as Up: the check is reachability, not content correctness.
func (h *HTTPChecker) Check(ctx context.Context, target string) Outcome {
	ctx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Outcome{Status: domain.StatusDown, ResponseTimeMS: sinceMS(start), Reason: ReasonInvalidURL}
	}
	req.Header.Set("User-Agent", UserAgent)

	resp, err := h.Client.Do(req)
	if err != nil {
		return Outcome{Status: domain.StatusDown, ResponseTimeMS: sinceMS(start), Reason: Classify(err)}
	}
	latency := sinceMS(start)
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))
	_ = resp.Body.Close()

	return Outcome{
		Status:         domain.StatusUp,
		ResponseTimeMS: latency,
		StatusCode:     resp.StatusCode,
		Reason:         resp.Status,
	}
}

func sinceMS(start time.Time) int64 {
	ms := time.Since(start).Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}
