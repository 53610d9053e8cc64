package dohstub

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/openresolve/doh-gateway/internal/dnscodec"
	"github.com/openresolve/doh-gateway/internal/dohcodec"
	"github.com/openresolve/doh-gateway/internal/metrics"
)

const maxResponseSize = 65535

// exchange sends query to the configured upstream DoH server and returns
// its decoded answer. Per the request-composition steps: the id is
// rewritten to 0 before serialization (cacheability/idempotence contract)
// and restored by the caller once the answer comes back. On a refused
// HTTP/2 stream the session is rebuilt and the request retried exactly
// once; a second refusal propagates as an error.
func exchange(ctx context.Context, cell *sessionCell, cfg Config, wireZeroID []byte) (*dnscodec.Message, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		sess := cell.acquire()
		resp, err := roundTrip(ctx, sess, cfg, wireZeroID)
		if err == nil {
			return resp, nil
		}
		if !isRefusedStream(err) {
			return nil, err
		}
		cell.reset(sess)
		metrics.StubTooManyStreamsRetryTotal.Inc()
		lastErr = err
	}
	return nil, fmt.Errorf("upstream refused stream twice: %w", lastErr)
}

func roundTrip(ctx context.Context, sess *session, cfg Config, wireZeroID []byte) (*dnscodec.Message, error) {
	req, err := buildRequest(ctx, cfg, wireZeroID)
	if err != nil {
		return nil, err
	}

	httpResp, err := sess.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream returned status %d", httpResp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}
	return dnscodec.Parse(body)
}

func buildRequest(ctx context.Context, cfg Config, wireZeroID []byte) (*http.Request, error) {
	if cfg.UsePOST {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.UpstreamURL, bytes.NewReader(wireZeroID))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", dohcodec.ContentType)
		req.Header.Set("Accept", dohcodec.ContentType)
		req.ContentLength = int64(len(wireZeroID))
		return req, nil
	}

	u, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	q := u.Query()
	q.Set("dns", dohcodec.B64Encode(wireZeroID))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", dohcodec.ContentType)
	return req, nil
}
