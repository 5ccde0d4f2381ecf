package connectivity

import (
	"context"
	"log/slog"
	"time"

	"github.com/foxseedlab/fieldsync/internal/connectivity"
	"github.com/go-resty/resty/v2"
)

// HTTPProbe reports online for any HTTP answer below 500.
type HTTPProbe struct {
	client *resty.Client
	path   string
}

func NewHTTPProbe(baseURL, path string, timeout time.Duration) *HTTPProbe {
	return &HTTPProbe{
		client: resty.New().SetBaseURL(baseURL).SetTimeout(timeout),
		path:   path,
	}
}

func (p *HTTPProbe) IsOnline(ctx context.Context) bool {
	resp, err := p.client.R().SetContext(ctx).Get(p.path)
	if err != nil {
		slog.Debug("connectivity probe failed", "error", err)
		return false
	}
	return resp.StatusCode() < 500
}

var _ connectivity.Probe = (*HTTPProbe)(nil)
