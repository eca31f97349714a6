package modelcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
)

// sourceClient issues streaming GETs against download sources.
type sourceClient struct {
	// httpClient is used for HTTP requests.
	httpClient HTTPClient

	// logger receives diagnostic messages.
	logger Logger
}

func newSourceClient(client HTTPClient, logger Logger) *sourceClient {
	return &sourceClient{httpClient: client, logger: logger}
}

// sourceStream is an open response body with its declared length.
type sourceStream struct {
	url  string
	body io.ReadCloser

	// total is the declared Content-Length, or -1 if the server sent none.
	total int64
}

// open sends a GET for url and returns the body once a 2xx status arrives.
// Every failure is a *NetworkError.
func (c *sourceClient) open(ctx context.Context, url string) (*sourceStream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &NetworkError{Op: "request", URL: url, Err: err}
	}

	c.logger.Debug("fetching source", "url", url)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: "request", URL: url, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &NetworkError{Op: "status", URL: url, StatusCode: resp.StatusCode}
	}

	return &sourceStream{url: url, body: resp.Body, total: resp.ContentLength}, nil
}

// Close releases the response body.
func (s *sourceStream) Close() error {
	return s.body.Close()
}

// chunks yields the body in reads of at most size bytes.
// The yielded slice is only valid until the next iteration.
// A read failure is yielded once as a *NetworkError and ends the sequence.
func (s *sourceStream) chunks(size int) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		buf := make([]byte, size)
		for {
			n, err := s.body.Read(buf)
			if n > 0 {
				if !yield(buf[:n], nil) {
					return
				}
			}
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, &NetworkError{Op: "read", URL: s.url, Err: err})
				return
			}
		}
	}
}

// checkLength verifies the received byte count against the declared length.
func (s *sourceStream) checkLength(received int64) error {
	if s.total >= 0 && received != s.total {
		return &NetworkError{
			Op:  "length",
			URL: s.url,
			Err: fmt.Errorf("received %d of %d declared bytes", received, s.total),
		}
	}
	return nil
}
