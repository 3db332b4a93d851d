package gossip

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Transport delivers liveness probes. Implementations must honor ctx.
type Transport interface {
	Ping(ctx context.Context, addr string) error
}

// HTTPTransport probes a member's /healthz endpoint.
type HTTPTransport struct {
	Client *http.Client
}

func NewHTTPTransport(c *http.Client) *HTTPTransport {
	if c == nil {
		c = &http.Client{Timeout: 2 * time.Second}
	}
	return &HTTPTransport{Client: c}
}

func (t *HTTPTransport) Ping(ctx context.Context, addr string) error {
	url := addr
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(url, "/")+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := t.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ping %s: status %d", addr, resp.StatusCode)
	}
	return nil
}
