// Package openapi holds what the generated vendor API clients have in common:
// building their transport and classifying their errors.
package openapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-openapi/runtime"
	httptransport "github.com/go-openapi/runtime/client"

	"github.com/mgazza/meter-datafeeds/internal/datafeed"
)

// NewRuntime builds a client runtime for a generated API that sends requests through rt.
func NewRuntime(host, basePath string, schemes []string, rt http.RoundTripper) *httptransport.Runtime {
	transport := httptransport.New(host, basePath, schemes)
	if rt != nil {
		transport.Transport = rt
	}
	return transport
}

// coded is implemented by the response types go-swagger generates for declared status codes.
type coded interface {
	IsCode(code int) bool
}

// StatusCode extracts the HTTP status from an error returned by a generated client, or 0.
func StatusCode(err error) int {
	var apiErr *runtime.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	var c coded
	if errors.As(err, &c) {
		for _, code := range []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusTooManyRequests} {
			if c.IsCode(code) {
				return code
			}
		}
	}
	return 0
}

// Classify wraps an error from a generated client with the datafeed error kind it represents.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch StatusCode(err) {
	case http.StatusUnauthorized, http.StatusForbidden:
		return datafeed.LoginError(op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return datafeed.APIError(op, err)
}
