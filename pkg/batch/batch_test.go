package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Mubeen213/saas-risk-scanner-backend/pkg/client"
)

type staticCredentials struct{}

func (staticCredentials) Credential(ctx context.Context) (client.AuthContext, error) {
	return client.AuthContext{AccessToken: "token", TokenType: "Bearer"}, nil
}

func (staticCredentials) HandleAuthFailure(ctx context.Context, statusCode int) (bool, error) {
	return false, nil
}

// echoCodec encodes a chunk as a comma-joined id list and decodes each id
// to a JSON body quoting it. Ids listed in failIDs decode to an error.
type echoCodec struct {
	failIDs map[string]bool
}

func (c *echoCodec) Encode(ids []string) (client.RequestDefinition, error) {
	return client.RequestDefinition{
		Method: "POST",
		URL:    "https://batch.example.com/batch",
		Body:   []byte(strings.Join(ids, ",")),
		Step:   "tokens",
	}, nil
}

func (c *echoCodec) Decode(resp *client.Response, ids []string) ([]Result, error) {
	results := make([]Result, len(ids))
	for i, id := range ids {
		if c.failIDs[id] {
			results[i] = Result{ID: id, Err: fmt.Errorf("sub-response failed for %s", id)}
			continue
		}
		results[i] = Result{ID: id, Body: json.RawMessage(fmt.Sprintf("%q", id))}
	}
	return results, nil
}

// recordingDoer captures submitted definitions and optionally fails whole calls.
type recordingDoer struct {
	mu       sync.Mutex
	defs     []client.RequestDefinition
	inFlight int32
	maxSeen  int32
	delay    time.Duration
	failAll  bool
}

func (d *recordingDoer) Execute(ctx context.Context, def client.RequestDefinition, creds client.CredentialSource) (*client.Response, error) {
	cur := atomic.AddInt32(&d.inFlight, 1)
	defer atomic.AddInt32(&d.inFlight, -1)
	for {
		max := atomic.LoadInt32(&d.maxSeen)
		if cur <= max || atomic.CompareAndSwapInt32(&d.maxSeen, max, cur) {
			break
		}
	}

	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	d.defs = append(d.defs, def)
	d.mu.Unlock()

	if d.failAll {
		return nil, &client.TransientError{StatusCode: 503, Message: "backend unavailable"}
	}
	return &client.Response{StatusCode: 200, Body: def.Body}, nil
}

func makeIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("user-%03d", i)
	}
	return ids
}

func TestRun_ChunkingAndCost(t *testing.T) {
	doer := &recordingDoer{}
	exec, err := New(doer, &echoCodec{}, Config{ChunkSize: 50, Parallelism: 1}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ids := makeIDs(120)
	results, err := exec.Run(context.Background(), ids, staticCredentials{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(results) != 120 {
		t.Fatalf("expected 120 results, got %d", len(results))
	}

	if len(doer.defs) != 3 {
		t.Fatalf("expected 3 composite requests for 120 ids at chunk size 50, got %d", len(doer.defs))
	}

	totalCost := 0
	for _, def := range doer.defs {
		totalCost += def.Cost
	}
	if totalCost != 120 {
		t.Errorf("expected summed cost 120, got %d", totalCost)
	}
}

func TestRun_PreservesInputOrder(t *testing.T) {
	doer := &recordingDoer{}
	exec, _ := New(doer, &echoCodec{}, Config{ChunkSize: 7, Parallelism: 4}, zerolog.Nop())

	ids := makeIDs(40)
	results, err := exec.Run(context.Background(), ids, staticCredentials{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	for i, id := range ids {
		if results[i].ID != id {
			t.Fatalf("result[%d].ID = %q, want %q", i, results[i].ID, id)
		}
		if results[i].Err != nil {
			t.Fatalf("result[%d] unexpected error: %v", i, results[i].Err)
		}
	}
}

func TestRun_SubResponseFailureIsolated(t *testing.T) {
	doer := &recordingDoer{}
	codec := &echoCodec{failIDs: map[string]bool{"user-003": true}}
	exec, _ := New(doer, codec, Config{ChunkSize: 10, Parallelism: 2}, zerolog.Nop())

	results, err := exec.Run(context.Background(), makeIDs(10), staticCredentials{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	for i, res := range results {
		if res.ID == "user-003" {
			if res.Err == nil {
				t.Error("expected error for failed sub-response")
			}
			continue
		}
		if res.Err != nil {
			t.Errorf("result[%d] unexpected error: %v", i, res.Err)
		}
	}
}

func TestRun_CompositeFailureAttributedToChunk(t *testing.T) {
	doer := &recordingDoer{failAll: true}
	exec, _ := New(doer, &echoCodec{}, Config{ChunkSize: 5, Parallelism: 1}, zerolog.Nop())

	results, err := exec.Run(context.Background(), makeIDs(5), staticCredentials{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	for i, res := range results {
		if res.Err == nil {
			t.Fatalf("result[%d] expected composite failure, got nil error", i)
		}
		if !client.IsTransient(res.Err) {
			t.Errorf("result[%d] should retain transient classification, got %v", i, res.Err)
		}
	}
}

func TestRun_ParallelismBound(t *testing.T) {
	doer := &recordingDoer{delay: 20 * time.Millisecond}
	exec, _ := New(doer, &echoCodec{}, Config{ChunkSize: 5, Parallelism: 2}, zerolog.Nop())

	if _, err := exec.Run(context.Background(), makeIDs(40), staticCredentials{}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if seen := atomic.LoadInt32(&doer.maxSeen); seen > 2 {
		t.Errorf("observed %d concurrent composite calls, limit is 2", seen)
	}
}

func TestRun_EmptyInput(t *testing.T) {
	doer := &recordingDoer{}
	exec, _ := New(doer, &echoCodec{}, DefaultConfig(), zerolog.Nop())

	results, err := exec.Run(context.Background(), nil, staticCredentials{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if results != nil {
		t.Errorf("expected nil results for empty input, got %v", results)
	}
	if len(doer.defs) != 0 {
		t.Errorf("expected no requests for empty input, got %d", len(doer.defs))
	}
}

func TestRun_ContextCancellation(t *testing.T) {
	doer := &recordingDoer{delay: time.Second}
	exec, _ := New(doer, &echoCodec{}, Config{ChunkSize: 5, Parallelism: 1}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := exec.Run(ctx, makeIDs(30), staticCredentials{})
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(nil, &echoCodec{}, DefaultConfig(), zerolog.Nop()); err == nil {
		t.Error("expected error for nil executor")
	}
	if _, err := New(&recordingDoer{}, nil, DefaultConfig(), zerolog.Nop()); err == nil {
		t.Error("expected error for nil codec")
	}

	exec, err := New(&recordingDoer{}, &echoCodec{}, Config{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if exec.config.ChunkSize != 50 || exec.config.Parallelism != 3 {
		t.Errorf("zero config should pick defaults, got %+v", exec.config)
	}
}
