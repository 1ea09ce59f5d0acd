// Package coordinator is the node's authenticated HTTP channel to the
// coordinator: it downloads the file manifest and individual files.
// The control channel lives in package session.
package coordinator

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/openbmclapi-cluster/internal/log"
	"github.com/keithlinneman/openbmclapi-cluster/internal/version"
	"github.com/keithlinneman/openbmclapi-cluster/internal/xerrors"
)

const (
	ManifestPath = "/openbmclapi/files"

	DefaultManifestTimeout = 60 * time.Second
	DefaultFileTimeout     = 60 * time.Second
)

// StatusError is returned when the coordinator answers with a non-200 status.
type StatusError struct {
	StatusCode int
	Path       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("coordinator: GET %s: unexpected status %d", e.Path, e.StatusCode)
}

// Permanent reports whether retrying the same request cannot succeed.
func (e *StatusError) Permanent() bool {
	switch e.StatusCode {
	case http.StatusNotFound, http.StatusGone, http.StatusUnauthorized, http.StatusForbidden:
		return true
	}
	return false
}

type Options struct {
	Logger log.Logger

	// BaseURL is the coordinator origin, e.g. https://openbmclapi.bangbang93.com
	BaseURL       string
	ClusterID     string
	ClusterSecret string

	ManifestTimeout time.Duration
	FileTimeout     time.Duration

	// Transport defaults to an otelhttp-wrapped http.DefaultTransport
	Transport http.RoundTripper
}

type Client struct {
	base   *url.URL
	opts   Options
	http   *http.Client
	logger log.Logger
}

// NewClient validates opts and returns a Client.
func NewClient(opts Options) (*Client, error) {
	if opts.ClusterID == "" || opts.ClusterSecret == "" {
		return nil, xerrors.New("cluster id and secret are required")
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, xerrors.Wrapf(err, "parse coordinator url %q", opts.BaseURL)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, xerrors.Newf("coordinator url %q must be http or https", opts.BaseURL)
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.ManifestTimeout <= 0 {
		opts.ManifestTimeout = DefaultManifestTimeout
	}
	if opts.FileTimeout <= 0 {
		opts.FileTimeout = DefaultFileTimeout
	}
	if opts.Transport == nil {
		opts.Transport = otelhttp.NewTransport(http.DefaultTransport)
	}
	return &Client{
		base:   base,
		opts:   opts,
		http:   &http.Client{Transport: opts.Transport},
		logger: opts.Logger.With("component", "coordinator"),
	}, nil
}

// BaseURL returns the coordinator origin without a trailing slash.
func (c *Client) BaseURL() string { return c.base.String() }

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	u := c.base.String() + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, xerrors.Wrapf(err, "build request for %s", path)
	}
	req.SetBasicAuth(c.opts.ClusterID, c.opts.ClusterSecret)
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, xerrors.Wrapf(err, "GET %s", path)
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &StatusError{StatusCode: resp.StatusCode, Path: path}
	}
	return resp, nil
}

// FetchManifest downloads and decodes the current manifest.
func (c *Client) FetchManifest(ctx context.Context) ([]Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ManifestTimeout)
	defer cancel()

	c.logger.Info(ctx, "fetching manifest", "url", c.base.String()+ManifestPath)
	resp, err := c.get(ctx, ManifestPath)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	entries, err := DecodeManifest(resp.Body, c.logger)
	if err != nil {
		return nil, xerrors.Wrap(err, "decode manifest")
	}
	c.logger.Info(ctx, "fetched manifest", "entries", len(entries))
	return entries, nil
}

// Open starts a download of e. The per-file timeout covers the whole
// body read and ends when the returned reader is closed.
func (c *Client) Open(ctx context.Context, e Entry) (io.ReadCloser, error) {
	if !strings.HasPrefix(e.Path, "/") {
		return nil, xerrors.Newf("entry path %q is not absolute", e.Path)
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.FileTimeout)
	resp, err := c.get(ctx, e.Path)
	if err != nil {
		cancel()
		return nil, err
	}
	return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, nil
}

// Name identifies the source in logs and metrics.
func (c *Client) Name() string { return "coordinator" }

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (r *cancelOnClose) Close() error {
	err := r.ReadCloser.Close()
	r.cancel()
	return err
}
