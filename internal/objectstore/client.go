// Seltsisync - Community Site Calendar and Gallery Sync Engine
// Copyright 2026 Mari K. (marikald)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marikald/seltsisync

// Package objectstore provides an idempotent S3-compatible client for
// the published artifacts: JSON manifests and derived image variants.
//
// All writes are idempotent overwrites; keys are deterministic, so no
// versioning is needed for correctness. Every operation wraps a bounded
// exponential-backoff retry, and failures surface through a typed
// taxonomy distinguishing transient network trouble from permanent
// permission problems (see errors.go).
//
// Payloads above the configured threshold take the chunked multipart
// path (multipart.go); callers never need to know which path was used.
package objectstore

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"

	"github.com/marikald/seltsisync/internal/config"
	"github.com/marikald/seltsisync/internal/logging"
	"github.com/marikald/seltsisync/internal/metrics"
)

// Store is the object store contract consumed by the scheduler and
// manifest builder. Client implements it directly; BreakerStore wraps
// it with a circuit breaker.
type Store interface {
	// PutObject uploads data under key as an idempotent overwrite.
	PutObject(ctx context.Context, key string, data []byte, contentType, cacheControl string) error

	// GetJSON fetches and decodes a JSON object. Returns false with a
	// nil error when the key does not exist.
	GetJSON(ctx context.Context, key string, out interface{}) (bool, error)

	// Exists reports whether key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// ListObjects returns all keys under prefix.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

// Client talks to an S3-compatible store over HTTPS with AWS SigV4
// request signing. Bodies are signed as UNSIGNED-PAYLOAD; integrity of
// uploads is already covered by TLS and the engine's own checksums.
type Client struct {
	cfg        config.StorageConfig
	httpClient *http.Client

	// now is injectable for signing tests.
	now func() time.Time
}

var _ Store = (*Client)(nil)

// listBucketResult is the S3 ListObjectsV2 response envelope.
type listBucketResult struct {
	XMLName     xml.Name `xml:"ListBucketResult"`
	IsTruncated bool     `xml:"IsTruncated"`
	Contents    []struct {
		Key  string `xml:"Key"`
		Size int64  `xml:"Size"`
	} `xml:"Contents"`
	NextContinuationToken string `xml:"NextContinuationToken"`
}

// NewClient creates an object store client.
func NewClient(cfg config.StorageConfig) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		now: time.Now,
	}
}

// PutObject uploads data under key, choosing the simple or multipart
// path based on the configured size threshold.
func (c *Client) PutObject(ctx context.Context, key string, data []byte, contentType, cacheControl string) error {
	if int64(len(data)) > c.cfg.MultipartThreshold {
		return c.putMultipart(ctx, key, data, contentType, cacheControl)
	}

	err := c.withRetry(ctx, "put", func() error {
		headers := map[string]string{
			"Content-Type": contentType,
		}
		if cacheControl != "" {
			headers["Cache-Control"] = cacheControl
		}
		resp, err := c.do(ctx, http.MethodPut, key, nil, bytes.NewReader(data), headers)
		if err != nil {
			return &TransientError{Op: "put", Key: key, Err: err}
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			return classifyStatus("put", key, resp.StatusCode, readBody(resp.Body))
		}
		return nil
	})
	if err != nil {
		metrics.ObjectStoreOps.WithLabelValues("put", "error").Inc()
		return err
	}

	metrics.ObjectStoreOps.WithLabelValues("put", "success").Inc()
	metrics.ObjectStoreBytesUploaded.WithLabelValues("simple").Add(float64(len(data)))
	return nil
}

// GetJSON fetches a JSON object and decodes it into out. A missing key
// returns (false, nil) so callers can distinguish absence from failure.
func (c *Client) GetJSON(ctx context.Context, key string, out interface{}) (bool, error) {
	var body []byte
	found := false

	err := c.withRetry(ctx, "get", func() error {
		resp, err := c.do(ctx, http.MethodGet, key, nil, nil, nil)
		if err != nil {
			return &TransientError{Op: "get", Key: key, Err: err}
		}
		defer func() { _ = resp.Body.Close() }()

		switch resp.StatusCode {
		case http.StatusOK:
			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return &TransientError{Op: "get", Key: key, Err: err}
			}
			body, found = data, true
			return nil
		case http.StatusNotFound:
			found = false
			return nil
		default:
			return classifyStatus("get", key, resp.StatusCode, readBody(resp.Body))
		}
	})
	if err != nil {
		metrics.ObjectStoreOps.WithLabelValues("get", "error").Inc()
		return false, err
	}

	metrics.ObjectStoreOps.WithLabelValues("get", "success").Inc()
	if !found {
		return false, nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return false, &PermanentError{Op: "get", Key: key, Err: fmt.Errorf("invalid JSON: %w", err)}
	}
	return true, nil
}

// Exists reports whether key exists, via a HEAD request.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool

	err := c.withRetry(ctx, "head", func() error {
		resp, err := c.do(ctx, http.MethodHead, key, nil, nil, nil)
		if err != nil {
			return &TransientError{Op: "head", Key: key, Err: err}
		}
		defer func() { _ = resp.Body.Close() }()

		switch resp.StatusCode {
		case http.StatusOK:
			exists = true
			return nil
		case http.StatusNotFound:
			exists = false
			return nil
		default:
			// HEAD bodies are empty; classify on status alone.
			return classifyStatus("head", key, resp.StatusCode, "")
		}
	})
	if err != nil {
		metrics.ObjectStoreOps.WithLabelValues("head", "error").Inc()
		return false, err
	}
	metrics.ObjectStoreOps.WithLabelValues("head", "success").Inc()
	return exists, nil
}

// ListObjects returns every key under prefix, following continuation
// tokens until the listing is exhausted.
func (c *Client) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	token := ""

	for {
		var result listBucketResult

		err := c.withRetry(ctx, "list", func() error {
			query := url.Values{}
			query.Set("list-type", "2")
			query.Set("prefix", prefix)
			if token != "" {
				query.Set("continuation-token", token)
			}

			resp, err := c.do(ctx, http.MethodGet, "", query, nil, nil)
			if err != nil {
				return &TransientError{Op: "list", Key: prefix, Err: err}
			}
			defer func() { _ = resp.Body.Close() }()

			if resp.StatusCode != http.StatusOK {
				return classifyStatus("list", prefix, resp.StatusCode, readBody(resp.Body))
			}
			result = listBucketResult{}
			if err := xml.NewDecoder(resp.Body).Decode(&result); err != nil {
				return &TransientError{Op: "list", Key: prefix, Err: fmt.Errorf("failed to parse listing: %w", err)}
			}
			return nil
		})
		if err != nil {
			metrics.ObjectStoreOps.WithLabelValues("list", "error").Inc()
			return nil, err
		}

		for _, obj := range result.Contents {
			keys = append(keys, obj.Key)
		}
		if !result.IsTruncated || result.NextContinuationToken == "" {
			break
		}
		token = result.NextContinuationToken
	}

	metrics.ObjectStoreOps.WithLabelValues("list", "success").Inc()
	return keys, nil
}

// withRetry runs op with bounded exponential backoff. Permanent errors
// and context cancellation stop the retry loop immediately.
func (c *Client) withRetry(ctx context.Context, opName string, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.RetryInitialDelay
	bo.MaxInterval = c.cfg.RetryMaxDelay
	bo.MaxElapsedTime = 0 // bounded by attempt count, not elapsed time

	attempts := uint64(c.cfg.RetryAttempts)
	if attempts == 0 {
		attempts = 1
	}

	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return backoff.Permanent(err)
		}
		metrics.ObjectStoreRetries.WithLabelValues(opName).Inc()
		logging.Warn().Err(err).Str("operation", opName).Msg("Object store operation failed, will retry")
		return err
	}

	return backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(bo, attempts-1), ctx))
}

// do builds, signs, and executes one request against the bucket.
func (c *Client) do(ctx context.Context, method, key string, query url.Values, body io.Reader, headers map[string]string) (*http.Response, error) {
	endpoint, host := c.objectURL(key)
	if len(query) > 0 {
		endpoint += "?" + canonicalQuery(query)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", method, err)
	}
	req.Host = host

	for k, v := range headers {
		req.Header.Set(k, v)
	}
	c.sign(req, method, c.canonicalURI(key), query)

	return c.httpClient.Do(req)
}

// objectURL returns the request URL and Host header value for a key.
// Path-style is used for MinIO and other self-hosted stores; virtual
// host style for AWS proper.
func (c *Client) objectURL(key string) (endpoint, host string) {
	escaped := escapeKey(key)
	if c.cfg.ForcePathStyle {
		endpoint = fmt.Sprintf("%s/%s", strings.TrimSuffix(c.cfg.Endpoint, "/"), c.cfg.Bucket)
		if escaped != "" {
			endpoint += "/" + escaped
		}
		u, err := url.Parse(c.cfg.Endpoint)
		if err == nil {
			host = u.Host
		}
		return endpoint, host
	}

	u, err := url.Parse(c.cfg.Endpoint)
	if err != nil || u.Host == "" {
		// Endpoint given as bare host
		host = c.cfg.Bucket + "." + c.cfg.Endpoint
		endpoint = "https://" + host
	} else {
		host = c.cfg.Bucket + "." + u.Host
		endpoint = u.Scheme + "://" + host
	}
	if escaped != "" {
		endpoint += "/" + escaped
	}
	return endpoint, host
}

// canonicalURI returns the SigV4 canonical URI for a key.
func (c *Client) canonicalURI(key string) string {
	uri := "/"
	if c.cfg.ForcePathStyle {
		uri += c.cfg.Bucket
		if key != "" {
			uri += "/" + escapeKey(key)
		}
		return uri
	}
	return uri + escapeKey(key)
}

// sign adds AWS Signature V4 headers to the request. The payload is
// declared UNSIGNED-PAYLOAD, which S3-compatible stores accept over
// HTTPS and which avoids buffering large bodies twice.
func (c *Client) sign(req *http.Request, method, canonicalURI string, query url.Values) {
	const algorithm = "AWS4-HMAC-SHA256"
	const payloadHash = "UNSIGNED-PAYLOAD"

	t := c.now().UTC()
	amzDate := t.Format("20060102T150405Z")
	dateStamp := amzDate[:8]

	req.Header.Set("X-Amz-Date", amzDate)
	req.Header.Set("X-Amz-Content-Sha256", payloadHash)

	canonicalHeaders := fmt.Sprintf("host:%s\nx-amz-content-sha256:%s\nx-amz-date:%s\n",
		req.Host, payloadHash, amzDate)
	signedHeaders := "host;x-amz-content-sha256;x-amz-date"

	canonicalRequest := strings.Join([]string{
		method,
		canonicalURI,
		canonicalQuery(query),
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")

	scope := fmt.Sprintf("%s/%s/s3/aws4_request", dateStamp, c.cfg.Region)
	stringToSign := strings.Join([]string{
		algorithm,
		amzDate,
		scope,
		hex.EncodeToString(hashSHA256([]byte(canonicalRequest))),
	}, "\n")

	kDate := hmacSHA256([]byte("AWS4"+c.cfg.SecretKey), dateStamp)
	kRegion := hmacSHA256(kDate, c.cfg.Region)
	kService := hmacSHA256(kRegion, "s3")
	kSigning := hmacSHA256(kService, "aws4_request")
	signature := hex.EncodeToString(hmacSHA256(kSigning, stringToSign))

	req.Header.Set("Authorization", fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		algorithm, c.cfg.AccessKey, scope, signedHeaders, signature))
}

// canonicalQuery renders query parameters in SigV4 canonical form:
// sorted by key, URI-escaped.
func canonicalQuery(query url.Values) string {
	if len(query) == 0 {
		return ""
	}
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		for _, v := range query[k] {
			parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(parts, "&")
}

// escapeKey escapes an object key for use in a URL path, preserving
// the slashes that separate key segments.
func escapeKey(key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

// readBody reads at most 2 KiB of an error response body for messages.
func readBody(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 2048))
	if err != nil {
		return ""
	}
	return string(data)
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

func hashSHA256(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}
