// Package summarizetest provides test helpers for the summarize package.
package summarizetest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/flemzord/strata/internal/source"
	"github.com/flemzord/strata/internal/summarize"
)

// MockSummarizer is a configurable test double for summarize.Summarizer.
// A nil SummarizeFunc uses KeepEvery(2). Safe for concurrent use.
type MockSummarizer struct {
	SummarizeFunc func(ctx context.Context, req summarize.Request) (summarize.Result, error)

	mu       sync.Mutex
	calls    int
	requests []summarize.Request
}

var _ summarize.Summarizer = (*MockSummarizer)(nil)

// Summarize records the request and delegates to SummarizeFunc.
func (m *MockSummarizer) Summarize(ctx context.Context, req summarize.Request) (summarize.Result, error) {
	m.mu.Lock()
	m.calls++
	m.requests = append(m.requests, req)
	fn := m.SummarizeFunc
	m.mu.Unlock()

	if fn == nil {
		fn = KeepEvery(2)
	}
	return fn(ctx, req)
}

// Calls returns how many times Summarize was called.
func (m *MockSummarizer) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// LastRequest returns the most recent request.
func (m *MockSummarizer) LastRequest() summarize.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return summarize.Request{}
	}
	return m.requests[len(m.requests)-1]
}

// KeepEvery returns a deterministic summarizer that keeps every n-th
// message (starting with the first) and appends kept spans verbatim to the
// last output message.
func KeepEvery(n int) func(context.Context, summarize.Request) (summarize.Result, error) {
	return func(_ context.Context, req summarize.Request) (summarize.Result, error) {
		var out []source.Message
		for i := 0; i < len(req.Messages); i += max(n, 1) {
			out = append(out, req.Messages[i])
		}
		if len(out) > 0 && len(req.Keep) > 0 {
			var b strings.Builder
			b.WriteString(out[len(out)-1].Text)
			for _, k := range req.Keep {
				fmt.Fprintf(&b, "\n[kept %.2f] %s", k.Weight, k.Content)
			}
			out[len(out)-1].Text = b.String()
		}
		return summarize.Result{Messages: out}, nil
	}
}

// Blocking returns a summarizer that signals on started and waits for
// release (or ctx) before delegating to KeepEvery(2).
func Blocking(started chan<- struct{}, release <-chan struct{}) func(context.Context, summarize.Request) (summarize.Result, error) {
	return func(ctx context.Context, req summarize.Request) (summarize.Result, error) {
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return summarize.Result{}, ctx.Err()
		}
		return KeepEvery(2)(ctx, req)
	}
}

// Failing returns a summarizer that always fails with err.
func Failing(err error) func(context.Context, summarize.Request) (summarize.Result, error) {
	return func(context.Context, summarize.Request) (summarize.Result, error) {
		return summarize.Result{}, err
	}
}
