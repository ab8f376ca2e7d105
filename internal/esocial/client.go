package esocial

import (
	"context"
	"errors"

	"github.com/hemobras/esocial/internal/transport"
)

const (
	SubmissionContentType = "text/xml; charset=UTF-8"
	QueryContentType      = "application/xml; charset=UTF-8"
)

// Doer performs a single POST and returns the fully read response.
// *transport.Session implements it.
type Doer interface {
	Do(ctx context.Context, url string, body []byte, contentType string) (*transport.Response, error)
}

// SubmissionClient posts signed batches to the submission endpoint.
type SubmissionClient struct {
	doer Doer
	url  string
}

// NewSubmissionClient returns a client for url, or DefaultSubmissionURL when url is empty.
func NewSubmissionClient(doer Doer, url string) *SubmissionClient {
	if url == "" {
		url = DefaultSubmissionURL
	}
	return &SubmissionClient{doer: doer, url: url}
}

// URL returns the submission endpoint.
func (c *SubmissionClient) URL() string {
	return c.url
}

// Submit sends batchXML and returns the response body whatever its status code.
func (c *SubmissionClient) Submit(ctx context.Context, batchXML []byte) (string, error) {
	resp, err := c.send(ctx, batchXML)
	if err != nil {
		return "", err
	}
	return resp.Body, nil
}

func (c *SubmissionClient) send(ctx context.Context, batchXML []byte) (*transport.Response, error) {
	if len(batchXML) == 0 {
		return nil, errors.New("batch document is empty")
	}
	return c.doer.Do(ctx, c.url, batchXML, SubmissionContentType)
}

// QueryClient asks the query endpoint for the processing result of a batch.
type QueryClient struct {
	doer Doer
	url  string
}

// NewQueryClient returns a client for url, or DefaultQueryURL when url is empty.
func NewQueryClient(doer Doer, url string) *QueryClient {
	if url == "" {
		url = DefaultQueryURL
	}
	return &QueryClient{doer: doer, url: url}
}

// URL returns the query endpoint.
func (c *QueryClient) URL() string {
	return c.url
}

// Query looks up protocol and returns the response body whatever its status code.
func (c *QueryClient) Query(ctx context.Context, protocol string) (string, error) {
	_, resp, err := c.send(ctx, protocol)
	if err != nil {
		return "", err
	}
	return resp.Body, nil
}

func (c *QueryClient) send(ctx context.Context, protocol string) ([]byte, *transport.Response, error) {
	body, err := QueryBody(protocol)
	if err != nil {
		return nil, nil, err
	}
	resp, err := c.doer.Do(ctx, c.url, body, QueryContentType)
	return body, resp, err
}
