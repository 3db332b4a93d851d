package replica

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// Path is where replicas accept versioned writes.
	Path = "/internal/replica/"

	HeaderVersion = "X-Zephyr-Version"
	HeaderTTL     = "X-Zephyr-TTL" // milliseconds
)

// HTTPSender delivers writes to a replica's Path endpoint. A 409 means the
// replica already holds a newer version and still counts as an ack.
type HTTPSender struct {
	Client *http.Client
}

func NewHTTPSender(c *http.Client) *HTTPSender {
	if c == nil {
		c = http.DefaultClient
	}
	return &HTTPSender{Client: c}
}

func (s *HTTPSender) Send(ctx context.Context, t Target, w Write) (Ack, error) {
	method := http.MethodPut
	var body io.Reader
	if w.Op == OpDelete {
		method = http.MethodDelete
	} else {
		body = bytes.NewReader(w.Value)
	}

	base := t.Addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(base, "/")+Path+url.PathEscape(w.Key), body)
	if err != nil {
		return Ack{}, err
	}
	req.Header.Set(HeaderVersion, strconv.FormatUint(w.Version, 10))
	if w.TTL > 0 {
		req.Header.Set(HeaderTTL, strconv.FormatInt(w.TTL.Milliseconds(), 10))
	}

	start := time.Now()
	resp, err := s.Client.Do(req)
	if err != nil {
		return Ack{}, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 && resp.StatusCode != http.StatusConflict {
		return Ack{}, fmt.Errorf("replica %s: status %d", t.ID, resp.StatusCode)
	}
	return Ack{Status: resp.StatusCode, Latency: time.Since(start)}, nil
}

// ParseWrite decodes a replica request produced by HTTPSender.
func ParseWrite(r *http.Request) (Write, error) {
	w := Write{Key: strings.TrimPrefix(r.URL.Path, Path)}
	if w.Key == "" {
		return Write{}, fmt.Errorf("missing key")
	}
	v, err := strconv.ParseUint(r.Header.Get(HeaderVersion), 10, 64)
	if err != nil || v == 0 {
		return Write{}, fmt.Errorf("invalid %s header %q", HeaderVersion, r.Header.Get(HeaderVersion))
	}
	w.Version = v
	if s := r.Header.Get(HeaderTTL); s != "" {
		ms, err := strconv.ParseInt(s, 10, 64)
		if err != nil || ms < 0 {
			return Write{}, fmt.Errorf("invalid %s header %q", HeaderTTL, s)
		}
		w.TTL = time.Duration(ms) * time.Millisecond
	}
	switch r.Method {
	case http.MethodDelete:
		w.Op = OpDelete
	case http.MethodPut, http.MethodPost:
		w.Op = OpPut
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return Write{}, fmt.Errorf("read body: %w", err)
		}
		w.Value = body
	default:
		return Write{}, fmt.Errorf("unsupported method %s", r.Method)
	}
	return w, nil
}
