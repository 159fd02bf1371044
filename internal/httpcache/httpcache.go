// Package httpcache is an on-disk response cache for the vendor API clients.
package httpcache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/mgazza/meter-datafeeds/internal/logger"
)

// cachedResponse holds the response fields we replay.
type cachedResponse struct {
	Status     string              `json:"status"`
	StatusCode int                 `json:"status_code"`
	Proto      string              `json:"proto"`
	Header     map[string][]string `json:"header"`
	Body       []byte              `json:"body"`
}

// RoundTripper serves responses from Dir when present and stores successful
// responses there otherwise. Headers are not part of the key, so credentials
// never end up in file names.
type RoundTripper struct {
	// Next is used on a cache miss. If nil, http.DefaultTransport is used.
	Next http.RoundTripper
	// Dir is where response files are stored.
	Dir string
	Log logger.Logger
}

// New returns a caching transport over next, creating dir if needed.
func New(dir string, next http.RoundTripper, log logger.Logger) (*RoundTripper, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir %s: %w", dir, err)
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &RoundTripper{Next: next, Dir: dir, Log: log}, nil
}

func (c *RoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	next := c.Next
	if next == nil {
		next = http.DefaultTransport
	}

	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		req.Body = io.NopCloser(bytes.NewReader(body))
	}

	path := c.path(Key(req.Method, req.URL.String(), body))
	if data, err := os.ReadFile(path); err == nil {
		var cr cachedResponse
		if err := json.Unmarshal(data, &cr); err == nil {
			c.log().Debug("HTTP cache hit", logger.String("url", req.URL.Redacted()))
			return buildResponse(req, cr), nil
		}
		c.log().Warn("Ignoring unreadable cache entry", logger.String("path", path))
	}

	resp, err := next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	cr := cachedResponse{
		Status:     resp.Status,
		StatusCode: resp.StatusCode,
		Proto:      resp.Proto,
		Header:     resp.Header.Clone(),
		Body:       respBody,
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := save(path, &cr); err != nil {
			c.log().Warn("Failed to write cache entry", logger.String("path", path), logger.Error(err))
		}
	}
	return buildResponse(req, cr), nil
}

// Key hashes method, URL and body into a cache key.
func Key(method, url string, body []byte) string {
	hash := sha256.New()
	hash.Write([]byte(method))
	hash.Write([]byte(url))
	hash.Write(body)
	return hex.EncodeToString(hash.Sum(nil))
}

func (c *RoundTripper) path(key string) string {
	return filepath.Join(c.Dir, key+".json")
}

func (c *RoundTripper) log() logger.Logger {
	if c.Log == nil {
		return logger.NewNop()
	}
	return c.Log
}

func save(path string, cr *cachedResponse) error {
	data, err := json.MarshalIndent(cr, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func buildResponse(req *http.Request, cr cachedResponse) *http.Response {
	return &http.Response{
		Status:        cr.Status,
		StatusCode:    cr.StatusCode,
		Proto:         cr.Proto,
		Header:        cr.Header,
		Body:          io.NopCloser(bytes.NewReader(cr.Body)),
		ContentLength: int64(len(cr.Body)),
		Request:       req,
	}
}
