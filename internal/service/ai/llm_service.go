package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cloudwego/eino/components/model"
	einoprompt "github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/zhouzirui/hearth/backend/internal/service/prompt"
)

var (
	// ErrTimeout means no first fragment (or, without streaming, no answer)
	// arrived within the configured wait.
	ErrTimeout = errors.New("inference timed out")
	// ErrUpstream covers every other inference failure: non-2xx replies,
	// aborted streams, unreachable endpoints after the retry.
	ErrUpstream = errors.New("inference upstream failure")

	errAnswerClosed = errors.New("answer closed")
)

// Options tunes a Client.
type Options struct {
	// Timeout bounds the wait for the first fragment. Zero disables it.
	Timeout time.Duration
	// MaxTokens caps the answer length. Zero leaves the model default.
	MaxTokens int
	Logger    *zap.Logger
}

const historyKey = "history"

// Client drives a single chat-completion call per Complete.
type Client struct {
	chain     compose.Runnable[map[string]any, *schema.Message]
	timeout   time.Duration
	maxTokens int
	logger    *zap.Logger
}

// NewClient compiles a template -> model chain around any eino chat model.
// The template only replays the prompt messages; selection happens in
// prompt.Build.
func NewClient(ctx context.Context, m model.BaseChatModel, opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	template := einoprompt.FromMessages(schema.FString, schema.MessagesPlaceholder(historyKey, false))

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(template)
	chain.AppendChatModel(m)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Client{
		chain:     runnable,
		timeout:   opts.Timeout,
		maxTokens: opts.MaxTokens,
		logger:    logger.Named("inference"),
	}, nil
}

// Complete sends the prompt and waits for the first fragment. The caller must
// Close the returned Answer; cancelling ctx also aborts the call.
func (c *Client) Complete(ctx context.Context, pc prompt.Context, streaming bool) (*Answer, error) {
	callCtx, cancel := context.WithCancel(ctx)

	var timedOut atomic.Bool
	var timer *time.Timer
	if c.timeout > 0 {
		timer = time.AfterFunc(c.timeout, func() {
			timedOut.Store(true)
			cancel()
		})
	}
	// stopTimer reports false once the timer has fired.
	stopTimer := func() bool {
		return timer == nil || timer.Stop()
	}

	input := map[string]any{historyKey: pc.ToSchema()}
	var opts []compose.Option
	if c.maxTokens > 0 {
		opts = append(opts, compose.WithChatModelOption(model.WithMaxTokens(c.maxTokens)))
	}

	fail := func(err error) (*Answer, error) {
		stopTimer()
		cancel()
		return nil, c.classify(ctx, &timedOut, err)
	}

	if !streaming {
		var msg *schema.Message
		err := c.withRetry(callCtx, &timedOut, func() error {
			var err error
			msg, err = c.chain.Invoke(callCtx, input, opts...)
			return err
		})
		if err != nil {
			return fail(err)
		}
		if !stopTimer() {
			cancel()
			return nil, c.timeoutError()
		}
		cancel()
		return &Answer{pending: msg.Content, hasPending: msg.Content != "", cancel: cancel}, nil
	}

	var sr *schema.StreamReader[*schema.Message]
	err := c.withRetry(callCtx, &timedOut, func() error {
		var err error
		sr, err = c.chain.Stream(callCtx, input, opts...)
		return err
	})
	if err != nil {
		return fail(err)
	}

	answer := &Answer{stream: sr, cancel: cancel, parent: ctx}
	type received struct {
		fragment string
		err      error
	}
	firstCh := make(chan received, 1)
	go func() {
		fragment, err := answer.recv()
		firstCh <- received{fragment, err}
	}()

	var first string
	select {
	case r := <-firstCh:
		first, err = r.fragment, r.err
	case <-callCtx.Done():
		sr.Close()
		return fail(callCtx.Err())
	}
	if err != nil && !errors.Is(err, io.EOF) {
		sr.Close()
		return fail(err)
	}
	if !stopTimer() {
		sr.Close()
		cancel()
		return nil, c.timeoutError()
	}
	if errors.Is(err, io.EOF) {
		answer.done = true
		return answer, nil
	}
	answer.pending, answer.hasPending = first, true
	return answer, nil
}

// withRetry runs call and repeats it once when the connection could not be
// established. Nothing has been received at that point, so the repeat cannot
// duplicate output.
func (c *Client) withRetry(ctx context.Context, timedOut *atomic.Bool, call func() error) error {
	err := call()
	if err == nil || !isConnectError(err) || timedOut.Load() || ctx.Err() != nil {
		return err
	}
	c.logger.Warn("inference_connect_retry", zap.Error(err))
	return call()
}

func (c *Client) classify(parent context.Context, timedOut *atomic.Bool, err error) error {
	switch {
	case timedOut.Load():
		return c.timeoutError()
	case parent.Err() != nil:
		return parent.Err()
	default:
		return fmt.Errorf("%w: %w", ErrUpstream, err)
	}
}

func (c *Client) timeoutError() error {
	return fmt.Errorf("%w after %s", ErrTimeout, c.timeout)
}

func isConnectError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED)
}

// Answer is a lazily consumed sequence of text fragments. Next returns io.EOF
// after the last fragment. Close releases the upstream connection and may be
// called any number of times.
type Answer struct {
	pending    string
	hasPending bool
	done       bool

	stream *schema.StreamReader[*schema.Message]
	cancel context.CancelFunc
	parent context.Context

	mu     sync.Mutex
	closed bool
}

// Next returns the next non-empty fragment.
func (a *Answer) Next() (string, error) {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return "", errAnswerClosed
	}

	if a.hasPending {
		a.hasPending = false
		return a.pending, nil
	}
	if a.done || a.stream == nil {
		return "", io.EOF
	}

	fragment, err := a.recv()
	if errors.Is(err, io.EOF) {
		a.done = true
		return "", io.EOF
	}
	if err != nil {
		a.done = true
		if a.parent != nil && a.parent.Err() != nil {
			return "", a.parent.Err()
		}
		return "", fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	return fragment, nil
}

func (a *Answer) recv() (string, error) {
	for {
		msg, err := a.stream.Recv()
		if err != nil {
			return "", err
		}
		if msg != nil && msg.Content != "" {
			return msg.Content, nil
		}
	}
}

// Close aborts the call if it is still running.
func (a *Answer) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	if a.stream != nil {
		a.stream.Close()
	}
	if a.cancel != nil {
		a.cancel()
	}
}
