package portico

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// flakyProvider fails with the scripted errors before succeeding.
type flakyProvider struct {
	mu       sync.Mutex
	failures []error
	calls    int
	resp     ChatResponse
}

func (p *flakyProvider) next() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.failures) == 0 {
		return nil
	}
	err := p.failures[0]
	p.failures = p.failures[1:]
	return err
}

func (p *flakyProvider) Chat(context.Context, ChatRequest) (ChatResponse, error) {
	if err := p.next(); err != nil {
		return ChatResponse{}, err
	}
	return p.resp, nil
}

func (p *flakyProvider) ChatWithTools(context.Context, ChatRequest, []ToolDefinition) (ChatResponse, error) {
	if err := p.next(); err != nil {
		return ChatResponse{}, err
	}
	return p.resp, nil
}

func (p *flakyProvider) ChatStream(ctx context.Context, _ ChatRequest, ch chan<- StreamEvent) (ChatResponse, error) {
	if err := p.next(); err != nil {
		return ChatResponse{}, err
	}
	select {
	case ch <- StreamEvent{Type: EventTextDelta, Content: p.resp.Content}:
	case <-ctx.Done():
		return ChatResponse{}, ctx.Err()
	}
	return p.resp, nil
}

func (p *flakyProvider) Name() string { return "flaky" }

func transientErr(status int) error {
	return &ErrVendor{Vendor: "flaky", Status: status, Message: "busy"}
}

func TestRetryRecoversFromTransient(t *testing.T) {
	p := &flakyProvider{
		failures: []error{transientErr(429), transientErr(503)},
		resp:     textResponse("finally"),
	}
	r := WithRetry(p, RetryBaseDelay(time.Millisecond))

	resp, err := r.Chat(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "finally" || p.calls != 3 {
		t.Errorf("content=%q calls=%d", resp.Content, p.calls)
	}
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	p := &flakyProvider{
		failures: []error{transientErr(429), transientErr(429), transientErr(429)},
	}
	r := WithRetry(p, RetryMaxAttempts(3), RetryBaseDelay(time.Millisecond))

	_, err := r.Chat(context.Background(), ChatRequest{})
	var ve *ErrVendor
	if !errors.As(err, &ve) || ve.Status != 429 {
		t.Fatalf("want the last 429, got %v", err)
	}
	if p.calls != 3 {
		t.Errorf("calls = %d, want 3", p.calls)
	}
}

func TestRetryNonTransientPassesThrough(t *testing.T) {
	p := &flakyProvider{failures: []error{transientErr(401)}}
	r := WithRetry(p, RetryBaseDelay(time.Millisecond))

	_, err := r.Chat(context.Background(), ChatRequest{})
	if err == nil {
		t.Fatal("want error")
	}
	if p.calls != 1 {
		t.Errorf("calls = %d, want 1 (401 is not retryable)", p.calls)
	}
}

func TestRetryChatWithTools(t *testing.T) {
	p := &flakyProvider{
		failures: []error{transientErr(503)},
		resp:     textResponse("ok"),
	}
	r := WithRetry(p, RetryBaseDelay(time.Millisecond))

	resp, err := r.ChatWithTools(context.Background(), ChatRequest{}, nil)
	if err != nil || resp.Content != "ok" {
		t.Fatalf("resp=%+v err=%v", resp, err)
	}
	if p.calls != 2 {
		t.Errorf("calls = %d", p.calls)
	}
}

func TestRetryStreamRetriesBeforeFirstDelta(t *testing.T) {
	p := &flakyProvider{
		failures: []error{transientErr(429)},
		resp:     textResponse("streamed"),
	}
	r := WithRetry(p, RetryBaseDelay(time.Millisecond))

	ch := make(chan StreamEvent, 8)
	resp, err := r.ChatStream(context.Background(), ChatRequest{}, ch)
	close(ch)
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if resp.Content != "streamed" || p.calls != 2 {
		t.Errorf("content=%q calls=%d", resp.Content, p.calls)
	}
	var got []StreamEvent
	for ev := range ch {
		got = append(got, ev)
	}
	if len(got) != 1 || got[0].Content != "streamed" {
		t.Errorf("events = %+v, want exactly one delta (no duplicates)", got)
	}
}

func TestRetryDelayHonorsRetryAfter(t *testing.T) {
	err := &ErrVendor{Status: 429, RetryAfter: 3 * time.Second}
	if d := retryDelay(time.Millisecond, 0, err); d != 3*time.Second {
		t.Errorf("delay = %v, want the vendor's Retry-After", d)
	}
	noHint := &ErrVendor{Status: 429}
	if d := retryDelay(100*time.Millisecond, 0, noHint); d < 100*time.Millisecond || d > 150*time.Millisecond {
		t.Errorf("backoff delay = %v, want base plus jitter", d)
	}
}

func TestRetryEmbedding(t *testing.T) {
	calls := 0
	inner := &scriptedEmbedder{fn: func(texts []string) ([][]float32, error) {
		calls++
		if calls == 1 {
			return nil, transientErr(429)
		}
		out := make([][]float32, len(texts))
		for i := range out {
			out[i] = []float32{1}
		}
		return out, nil
	}}
	r := WithEmbeddingRetry(inner, RetryBaseDelay(time.Millisecond))

	vecs, err := r.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 2 || calls != 2 {
		t.Errorf("vecs=%d calls=%d", len(vecs), calls)
	}
	if r.Dimensions() != 1 || r.Name() != "scripted" {
		t.Error("delegation broken")
	}
}

type scriptedEmbedder struct {
	fn func([]string) ([][]float32, error)
}

func (e *scriptedEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	return e.fn(texts)
}
func (e *scriptedEmbedder) Dimensions() int { return 1 }
func (e *scriptedEmbedder) Name() string    { return "scripted" }
