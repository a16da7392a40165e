package esp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// BatchResponse is one successful answer of a batch call.
type BatchResponse struct {
	Path string
	Body json.RawMessage
}

// Batch requests every path concurrently, bounded by the client concurrency.
// Requests that fail at the transport or HTTP level are logged and left out of
// the result; a body that is not JSON fails the whole batch. Results keep the
// order of paths.
func (c *Client) Batch(ctx context.Context, method string, paths []string, params url.Values) ([]BatchResponse, error) {
	method, err := normalizeMethod(method)
	if err != nil {
		return nil, err
	}

	targets := make([]string, len(paths))
	for i, path := range paths {
		if targets[i], err = c.buildURL(path, params); err != nil {
			return nil, err
		}
	}

	bodies := make([][]byte, len(targets))
	sem := semaphore.NewWeighted(int64(c.concurrency))
	var wg sync.WaitGroup

	for i, target := range targets {
		if err := sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return nil, err
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			body, err := c.do(ctx, method, target)
			if err != nil {
				c.logger.Error("batch request failed",
					zap.String("url", redactURL(target)),
					zap.Error(err),
				)
				return
			}
			bodies[i] = body
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]BatchResponse, 0, len(targets))
	for i, body := range bodies {
		if body == nil {
			continue
		}
		if !json.Valid(body) {
			return nil, fmt.Errorf("%w: %s: body is not valid JSON", ErrResponse, redactURL(targets[i]))
		}
		out = append(out, BatchResponse{Path: paths[i], Body: json.RawMessage(body)})
	}
	return out, nil
}
