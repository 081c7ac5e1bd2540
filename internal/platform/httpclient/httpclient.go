// Package httpclient provides a small HTTP client with per-call-kind
// deadlines (spec §5 "Cancellation & timeouts") and honors the
// HTTP_PROXY, HTTPS_PROXY and NO_PROXY environment variables (upper or
// lower case); ALL_PROXY is not read.
package httpclient

import (
	"context"
	"io"
	"net/http"
	"time"
)

// Kind selects the deadline for an outbound call, per the table in §5.
type Kind int

const (
	KindMetrics Kind = iota
	KindHAProxy
	KindIpsetSync
	KindCert
	KindUpdater
	KindXrayCollect
)

func (k Kind) deadline() time.Duration {
	switch k {
	case KindMetrics:
		return 5 * time.Second
	case KindHAProxy:
		return 10 * time.Second
	case KindIpsetSync:
		return 20 * time.Second
	case KindCert:
		return 120 * time.Second
	case KindUpdater:
		return 600 * time.Second
	case KindXrayCollect:
		return 30 * time.Second
	default:
		return 10 * time.Second
	}
}

// Client is a thin wrapper around *http.Client that attaches a
// kind-specific deadline to the request context. http.Transport already
// picks up HTTP_PROXY/HTTPS_PROXY/NO_PROXY from the environment via
// http.ProxyFromEnvironment, which net/http's DefaultTransport uses by
// default (ALL_PROXY is not among the variables it reads) — so no custom proxy plumbing is needed beyond leaving that
// transport in place.
type Client struct {
	http *http.Client
}

// New builds a client using http.DefaultTransport (proxy-env aware).
func New() *Client {
	return &Client{http: &http.Client{Transport: http.DefaultTransport}}
}

// Do executes req with a deadline derived from kind. The caller's context
// (if any) is preserved as the parent so caller-driven cancellation still
// applies.
func (c *Client) Do(ctx context.Context, kind Kind, req *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, kind.deadline())
	req = req.WithContext(ctx)
	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	// The caller is responsible for closing resp.Body, which releases the
	// context; wrap the body so cancel() fires once it's drained+closed.
	resp.Body = &cancelingBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelingBody struct {
	ReadCloser io.ReadCloser
	cancel     context.CancelFunc
}

func (b *cancelingBody) Read(p []byte) (int, error) { return b.ReadCloser.Read(p) }
func (b *cancelingBody) Close() error {
	defer b.cancel()
	return b.ReadCloser.Close()
}
