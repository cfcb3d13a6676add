// Seltsisync - Community Site Calendar and Gallery Sync Engine
// Copyright 2026 Mari K. (marikald)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marikald/seltsisync

package objectstore

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/marikald/seltsisync/internal/logging"
	"github.com/marikald/seltsisync/internal/metrics"
)

// initiateMultipartResult is the CreateMultipartUpload response.
type initiateMultipartResult struct {
	XMLName  xml.Name `xml:"InitiateMultipartUploadResult"`
	UploadID string   `xml:"UploadId"`
}

// completeMultipartUpload is the CompleteMultipartUpload request body.
type completeMultipartUpload struct {
	XMLName xml.Name        `xml:"CompleteMultipartUpload"`
	Parts   []completedPart `xml:"Part"`
}

type completedPart struct {
	PartNumber int    `xml:"PartNumber"`
	ETag       string `xml:"ETag"`
}

// putMultipart uploads data via the S3 multipart protocol: initiate,
// upload parts of the configured size, complete. A failure at any step
// aborts the upload so the store never accumulates orphaned parts.
//
// Each step reuses withRetry, so transient failures inside one part do
// not restart the whole upload.
func (c *Client) putMultipart(ctx context.Context, key string, data []byte, contentType, cacheControl string) error {
	uploadID, err := c.initiateMultipart(ctx, key, contentType, cacheControl)
	if err != nil {
		metrics.ObjectStoreOps.WithLabelValues("put", "error").Inc()
		return err
	}

	parts, err := c.uploadParts(ctx, key, uploadID, data)
	if err == nil {
		err = c.completeMultipart(ctx, key, uploadID, parts)
	}
	if err != nil {
		c.abortMultipart(ctx, key, uploadID)
		metrics.ObjectStoreOps.WithLabelValues("put", "error").Inc()
		return err
	}

	metrics.ObjectStoreOps.WithLabelValues("put", "success").Inc()
	metrics.ObjectStoreBytesUploaded.WithLabelValues("multipart").Add(float64(len(data)))
	return nil
}

// initiateMultipart starts a multipart upload and returns its ID.
func (c *Client) initiateMultipart(ctx context.Context, key, contentType, cacheControl string) (string, error) {
	var uploadID string

	err := c.withRetry(ctx, "put", func() error {
		query := url.Values{}
		query.Set("uploads", "")

		headers := map[string]string{"Content-Type": contentType}
		if cacheControl != "" {
			headers["Cache-Control"] = cacheControl
		}

		resp, err := c.do(ctx, http.MethodPost, key, query, nil, headers)
		if err != nil {
			return &TransientError{Op: "multipart-initiate", Key: key, Err: err}
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			return classifyStatus("multipart-initiate", key, resp.StatusCode, readBody(resp.Body))
		}

		var result initiateMultipartResult
		if err := xml.NewDecoder(resp.Body).Decode(&result); err != nil {
			return &TransientError{Op: "multipart-initiate", Key: key, Err: fmt.Errorf("failed to parse response: %w", err)}
		}
		if result.UploadID == "" {
			return &PermanentError{Op: "multipart-initiate", Key: key, Err: fmt.Errorf("empty upload id in response")}
		}
		uploadID = result.UploadID
		return nil
	})
	return uploadID, err
}

// uploadParts uploads data in sequential parts and returns their ETags.
func (c *Client) uploadParts(ctx context.Context, key, uploadID string, data []byte) ([]completedPart, error) {
	partSize := c.cfg.MultipartPartSize
	var parts []completedPart

	for offset, partNumber := int64(0), 1; offset < int64(len(data)); partNumber++ {
		end := offset + partSize
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		chunk := data[offset:end]

		var etag string
		err := c.withRetry(ctx, "put", func() error {
			query := url.Values{}
			query.Set("partNumber", strconv.Itoa(partNumber))
			query.Set("uploadId", uploadID)

			resp, err := c.do(ctx, http.MethodPut, key, query, bytes.NewReader(chunk), nil)
			if err != nil {
				return &TransientError{Op: "multipart-part", Key: key, Err: err}
			}
			defer func() { _ = resp.Body.Close() }()

			if resp.StatusCode != http.StatusOK {
				return classifyStatus("multipart-part", key, resp.StatusCode, readBody(resp.Body))
			}
			etag = resp.Header.Get("ETag")
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("part %d of %s: %w", partNumber, key, err)
		}

		parts = append(parts, completedPart{PartNumber: partNumber, ETag: etag})
		offset = end
	}
	return parts, nil
}

// completeMultipart finalizes the upload.
func (c *Client) completeMultipart(ctx context.Context, key, uploadID string, parts []completedPart) error {
	body, err := xml.Marshal(completeMultipartUpload{Parts: parts})
	if err != nil {
		return fmt.Errorf("failed to encode completion for %s: %w", key, err)
	}

	return c.withRetry(ctx, "put", func() error {
		query := url.Values{}
		query.Set("uploadId", uploadID)

		resp, err := c.do(ctx, http.MethodPost, key, query, bytes.NewReader(body), map[string]string{
			"Content-Type": "application/xml",
		})
		if err != nil {
			return &TransientError{Op: "multipart-complete", Key: key, Err: err}
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			return classifyStatus("multipart-complete", key, resp.StatusCode, readBody(resp.Body))
		}
		return nil
	})
}

// abortMultipart abandons an upload. Best effort: a failed abort only
// leaves parts for the bucket's lifecycle rules to expire.
func (c *Client) abortMultipart(ctx context.Context, key, uploadID string) {
	query := url.Values{}
	query.Set("uploadId", uploadID)

	resp, err := c.do(ctx, http.MethodDelete, key, query, nil, nil)
	if err != nil {
		logging.Warn().Err(err).Str("key", key).Msg("Failed to abort multipart upload")
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		logging.Warn().Int("status", resp.StatusCode).Str("key", key).Msg("Unexpected status aborting multipart upload")
	}
}
