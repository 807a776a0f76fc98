// Package httpapi talks to a hosted conversion API that answers
// GET {endpoint}/dl?id=<key> with a JSON body pointing at a finished MP3.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/bnema/audiograb/internal/domain"
	"github.com/bnema/audiograb/internal/infrastructure/logger"
	"github.com/bnema/audiograb/internal/port"
)

const maxBodySize = 1 << 20

var (
	errTrimUnsupported    = errors.New("trim is not supported by this provider")
	errQualityUnsupported = errors.New("quality is not supported by this provider")
)

type Config struct {
	Name string
	// Endpoint is used when a credential does not carry its own.
	Endpoint string
	// Qualities the API can produce. Requests for anything else are
	// reported as unavailable so the next route gets a chance.
	Qualities         []string
	RequestsPerSecond float64
	Burst             int
	// DownloadDir, when set, makes AcquireArtifact copy the returned link
	// into a local file instead of handing out the remote URL.
	DownloadDir string
	Logger      *zap.Logger
}

type Client struct {
	cfg  Config
	http *http.Client
	log  *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func New(cfg Config, client *http.Client) *Client {
	if cfg.Name == "" {
		cfg.Name = "api"
	}
	if len(cfg.Qualities) == 0 {
		cfg.Qualities = []string{domain.DefaultQuality}
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		cfg:      cfg,
		http:     client,
		log:      cfg.Logger.With(zap.String("provider", cfg.Name)),
		limiters: make(map[string]*rate.Limiter),
	}
}

func (c *Client) Name() string {
	return c.cfg.Name
}

type response struct {
	Status   string  `json:"status"`
	Link     string  `json:"link"`
	Title    string  `json:"title"`
	Duration float64 `json:"duration"`
	FileSize int64   `json:"filesize"`
	Msg      string  `json:"msg"`
}

func (c *Client) ResolveMetadata(ctx context.Context, sourceKey string, cred port.Credential) (*domain.Metadata, error) {
	resp, err := c.lookup(ctx, sourceKey, cred)
	if err != nil {
		return nil, err
	}
	return &domain.Metadata{Title: resp.Title, Duration: resp.Duration}, nil
}

func (c *Client) AcquireArtifact(ctx context.Context, req port.AcquireRequest, cred port.Credential) (*domain.Artifact, error) {
	if !req.Trim.IsZero() {
		return nil, c.fail(domain.KindUnavailable, errTrimUnsupported)
	}
	if !slices.Contains(c.cfg.Qualities, req.Quality) {
		return nil, c.fail(domain.KindUnavailable, fmt.Errorf("%w: %s", errQualityUnsupported, req.Quality))
	}

	resp, err := c.lookup(ctx, req.SourceKey, cred)
	if err != nil {
		return nil, err
	}
	if resp.Link == "" {
		return nil, c.fail(domain.KindInvalidArtifact, errors.New("response carried no link"))
	}

	art := &domain.Artifact{Ref: resp.Link, Size: resp.FileSize, Duration: resp.Duration, Title: resp.Title}
	if c.cfg.DownloadDir == "" {
		return art, nil
	}

	path, size, err := c.download(ctx, resp.Link, req)
	if err != nil {
		return nil, err
	}
	art.Ref = path
	art.Size = size
	return art, nil
}

func (c *Client) lookup(ctx context.Context, sourceKey string, cred port.Credential) (*response, error) {
	endpoint := cred.Endpoint
	if endpoint == "" {
		endpoint = c.cfg.Endpoint
	}
	base, err := url.Parse(endpoint)
	if err != nil || base.Host == "" {
		return nil, c.fail(domain.KindMalformed, fmt.Errorf("invalid endpoint %q", endpoint))
	}

	if err := c.limiter(cred.Name).Wait(ctx); err != nil {
		return nil, c.fail(domain.KindTransient, fmt.Errorf("rate limit wait: %w", err))
	}

	u := base.JoinPath("dl")
	u.RawQuery = url.Values{"id": {sourceKey}}.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, c.fail(domain.KindMalformed, err)
	}
	httpReq.Header.Set("x-rapidapi-key", cred.Secret)
	httpReq.Header.Set("x-rapidapi-host", base.Host)

	res, err := c.http.Do(httpReq)
	if err != nil {
		return nil, c.fail(domain.KindTransient, err)
	}
	defer res.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(res.Body, maxBodySize))
	if err != nil {
		return nil, c.fail(domain.KindTransient, fmt.Errorf("read body: %w", err))
	}
	if kind, ok := classifyStatus(res.StatusCode); ok {
		return nil, c.fail(kind, fmt.Errorf("status %d", res.StatusCode))
	}

	var out response
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, c.fail(domain.KindMalformed, fmt.Errorf("decode response: %w", err))
	}

	switch strings.ToLower(out.Status) {
	case "ok":
		return &out, nil
	case "processing":
		return nil, c.fail(domain.KindTransient, errors.New("conversion still processing"))
	case "fail":
		c.log.Debug("api reported failure", logger.Untrusted("msg", out.Msg))
		return nil, c.fail(domain.KindUnavailable, fmt.Errorf("api failure: %s", logger.Truncate(out.Msg)))
	default:
		return nil, c.fail(domain.KindMalformed, fmt.Errorf("unexpected status %q", logger.Truncate(out.Status)))
	}
}

// classifyStatus maps non-2xx responses to a failure kind.
func classifyStatus(code int) (domain.ErrorKind, bool) {
	switch {
	case code >= 200 && code < 300:
		return 0, false
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return domain.KindAuth, true
	case code == http.StatusTooManyRequests:
		return domain.KindQuota, true
	case code == http.StatusNotFound:
		return domain.KindUnavailable, true
	case code >= 500:
		return domain.KindTransient, true
	default:
		return domain.KindMalformed, true
	}
}

// download copies link into the download directory through a temp file so a
// partial transfer never appears under the final name.
func (c *Client) download(ctx context.Context, link string, req port.AcquireRequest) (string, int64, error) {
	if err := os.MkdirAll(c.cfg.DownloadDir, 0755); err != nil {
		return "", 0, c.fail(domain.KindTransient, fmt.Errorf("create download dir: %w", err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return "", 0, c.fail(domain.KindInvalidArtifact, err)
	}
	res, err := c.http.Do(httpReq)
	if err != nil {
		return "", 0, c.fail(domain.KindTransient, err)
	}
	defer res.Body.Close() //nolint:errcheck
	if res.StatusCode >= 400 {
		return "", 0, c.fail(domain.KindInvalidArtifact, fmt.Errorf("download status %d", res.StatusCode))
	}

	tmp, err := os.CreateTemp(c.cfg.DownloadDir, req.JobID+"-*.part")
	if err != nil {
		return "", 0, c.fail(domain.KindTransient, err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	size, err := io.Copy(tmp, res.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", 0, c.fail(domain.KindTransient, fmt.Errorf("download: %w", err))
	}
	if size == 0 {
		return "", 0, c.fail(domain.KindInvalidArtifact, errors.New("downloaded file is empty"))
	}

	final := filepath.Join(c.cfg.DownloadDir, fileName(req))
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", 0, c.fail(domain.KindTransient, fmt.Errorf("rename download: %w", err))
	}
	return final, size, nil
}

func fileName(req port.AcquireRequest) string {
	key := req.ArtifactKey
	if len(key) > 16 {
		key = key[:16]
	}
	return fmt.Sprintf("%s_%s_%s.mp3", req.SourceKey, req.Quality, key)
}

// limiter returns the token bucket for one credential.
func (c *Client) limiter(name string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[name]
	if !ok {
		limit := rate.Limit(c.cfg.RequestsPerSecond)
		if c.cfg.RequestsPerSecond <= 0 {
			limit = rate.Inf
		}
		l = rate.NewLimiter(limit, c.cfg.Burst)
		c.limiters[name] = l
	}
	return l
}

func (c *Client) fail(kind domain.ErrorKind, err error) error {
	return domain.NewProviderError(kind, c.cfg.Name, err)
}

var _ port.Provider = (*Client)(nil)
