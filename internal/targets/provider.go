// v0
// internal/targets/provider.go
package targets

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"nrgchamp/growcontrol/internal/models"
)

// Doer is satisfied by *http.Client and *circuitbreaker.HTTPClient.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

const batchPath = "/api/internal/effective-targets/batch"

type metricTarget struct {
	Target *float64 `json:"target"`
}

type zoneTargets struct {
	PH *metricTarget `json:"ph"`
	EC *metricTarget `json:"ec"`
}

type batchResponse struct {
	Data map[string]zoneTargets `json:"data"`
}

// Provider fetches effective targets in batches and remembers the last good
// answer per zone for use while the API is unavailable.
type Provider struct {
	baseURL string
	client  Doer
	lg      *zap.SugaredLogger
	known   *cache.Cache
}

// New builds a provider. Last known targets are kept for keep.
func New(baseURL string, client Doer, keep time.Duration, lg *zap.SugaredLogger) *Provider {
	return &Provider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		lg:      lg,
		known:   cache.New(keep, keep),
	}
}

// Batch returns targets for the given zones. On failure it returns the last
// known targets for those zones together with the error.
func (p *Provider) Batch(ctx context.Context, zoneIDs []int64) (map[int64]models.Targets, error) {
	if len(zoneIDs) == 0 {
		return map[int64]models.Targets{}, nil
	}
	fresh, err := p.fetch(ctx, zoneIDs)
	if err != nil {
		fallback := p.lastKnown(zoneIDs)
		p.lg.Warnw("targets_fetch_failed", "zones", len(zoneIDs), "fallback", len(fallback), "error", err)
		return fallback, err
	}
	for id, t := range fresh {
		p.known.SetDefault(key(id), t)
	}
	return fresh, nil
}

func (p *Provider) fetch(ctx context.Context, zoneIDs []int64) (map[int64]models.Targets, error) {
	ids := make([]string, len(zoneIDs))
	for i, id := range zoneIDs {
		ids[i] = strconv.FormatInt(id, 10)
	}
	u := p.baseURL + batchPath + "?zone_ids=" + url.QueryEscape(strings.Join(ids, ","))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("targets request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.CopyN(io.Discard, resp.Body, 512)
		return nil, fmt.Errorf("targets status %d", resp.StatusCode)
	}

	var body batchResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode targets: %w", err)
	}
	out := make(map[int64]models.Targets, len(body.Data))
	for k, zt := range body.Data {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			p.lg.Debugw("targets_bad_zone_key", "key", k)
			continue
		}
		var t models.Targets
		if zt.PH != nil {
			t.PH = zt.PH.Target
		}
		if zt.EC != nil {
			t.EC = zt.EC.Target
		}
		out[id] = t
	}
	return out, nil
}

func (p *Provider) lastKnown(zoneIDs []int64) map[int64]models.Targets {
	out := make(map[int64]models.Targets)
	for _, id := range zoneIDs {
		if v, ok := p.known.Get(key(id)); ok {
			out[id] = v.(models.Targets)
		}
	}
	return out
}

func key(id int64) string { return strconv.FormatInt(id, 10) }
