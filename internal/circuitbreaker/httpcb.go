// v1
// internal/circuitbreaker/httpcb.go
package circuitbreaker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPClient wraps an http.Client with breaker behavior. 5xx responses count
// as failures so a struggling upstream trips the breaker.
type HTTPClient struct {
	Client *http.Client
	brk    *Breaker
}

// NewHTTPClient builds a guarded client. probeURL may be empty.
func NewHTTPClient(name string, cfg Config, probeURL string, httpClient *http.Client, logger *zap.SugaredLogger, opts ...Option) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if probeURL != "" {
		opts = append(opts, WithProbe(func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
			if err != nil {
				return err
			}
			resp, err := httpClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			_, _ = io.CopyN(io.Discard, resp.Body, 64)
			if resp.StatusCode >= 200 && resp.StatusCode < 500 {
				return nil
			}
			return fmt.Errorf("probe_bad_status: %d", resp.StatusCode)
		}))
	}
	return &HTTPClient{Client: httpClient, brk: New(name, cfg, logger, opts...)}
}

// Breaker exposes the underlying breaker.
func (h *HTTPClient) Breaker() *Breaker { return h.brk }

// Do sends req through the breaker.
func (h *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := h.brk.Execute(req.Context(), func(ctx context.Context) error {
		r, err := h.Client.Do(req.WithContext(ctx))
		if err != nil {
			return err
		}
		if r.StatusCode >= 500 {
			_, _ = io.CopyN(io.Discard, r.Body, 512)
			r.Body.Close()
			return fmt.Errorf("upstream status %d", r.StatusCode)
		}
		resp = r
		return nil
	})
	return resp, err
}
