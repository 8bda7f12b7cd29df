// Package natsworker serves dispatch requests received over NATS.
package natsworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/ttsdispatch/internal/ttypes"
	"github.com/nats-io/nats.go"
)

const (
	// DefaultSubject is the request subject.
	DefaultSubject = "tts.requests"
	// DefaultQueue is the queue group shared by all workers.
	DefaultQueue = "ttsd"
	// DefaultMaxConcurrent bounds in-flight messages per worker.
	DefaultMaxConcurrent = 4

	source = "NatsWorker"

	drainPoll = 10 * time.Millisecond
)

// ErrAlreadyRunning is returned by Run when the worker is already subscribed.
var ErrAlreadyRunning = errors.New("worker already running")

// Processor handles one request. *dispatch.Dispatcher implements it.
type Processor interface {
	ProcessRequest(ctx context.Context, req *ttypes.TTSRequest) *ttypes.TTSResponse
}

// Options configures a Worker.
type Options struct {
	Subject       string
	Queue         string
	MaxConcurrent int
	// HandleTimeout bounds one message end to end; zero leaves timing to
	// the dispatcher.
	HandleTimeout time.Duration
}

// Worker subscribes to the request subject in a queue group and replies
// with the JSON response.
type Worker struct {
	conn      *nats.Conn
	processor Processor
	opts      Options
	logger    *log.Logger

	sem chan struct{}
	wg  sync.WaitGroup

	mu      sync.Mutex
	running bool
	sub     *nats.Subscription
}

// New creates a worker on conn.
func New(conn *nats.Conn, processor Processor, opts Options) *Worker {
	if opts.Subject == "" {
		opts.Subject = DefaultSubject
	}
	if opts.Queue == "" {
		opts.Queue = DefaultQueue
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	return &Worker{
		conn:      conn,
		processor: processor,
		opts:      opts,
		logger:    log.WithPrefix("nats"),
		sem:       make(chan struct{}, opts.MaxConcurrent),
	}
}

// Run subscribes and blocks until ctx is done, then drains the
// subscription and waits for in-flight messages.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return ErrAlreadyRunning
	}
	w.running = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.running = false
		w.sub = nil
		w.mu.Unlock()
	}()

	sub, err := w.conn.QueueSubscribe(w.opts.Subject, w.opts.Queue, func(msg *nats.Msg) {
		w.sem <- struct{}{}
		w.wg.Add(1)
		go func() {
			defer func() {
				<-w.sem
				w.wg.Done()
			}()
			w.handleMessage(ctx, msg)
		}()
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.opts.Subject, err)
	}
	w.mu.Lock()
	w.sub = sub
	w.mu.Unlock()
	w.logger.Info("Subscribed", "subject", w.opts.Subject, "queue", w.opts.Queue)

	<-ctx.Done()

	if err := sub.Drain(); err != nil {
		return fmt.Errorf("failed to drain subscription: %w", err)
	}
	// Drain is asynchronous; the subscription turns invalid once every
	// pending callback has run.
	for sub.IsValid() {
		time.Sleep(drainPoll)
	}
	w.wg.Wait()
	return nil
}

// Subscribed reports whether Run has an active subscription.
func (w *Worker) Subscribed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sub != nil
}

func (w *Worker) handleMessage(parent context.Context, msg *nats.Msg) {
	// Messages already accepted finish even while draining.
	ctx := context.WithoutCancel(parent)
	if w.opts.HandleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.opts.HandleTimeout)
		defer cancel()
	}

	var resp *ttypes.TTSResponse
	req, err := parseRequest(msg)
	if err != nil {
		w.logger.Warn("Discarding malformed request", "subject", msg.Subject, "err", err)
		resp = ttypes.FailureResponse("", ttypes.NewTTSError(ttypes.ErrorCodeInvalidRequest, source, "malformed request", err))
	} else {
		resp = w.processor.ProcessRequest(ctx, req)
	}

	if msg.Reply == "" {
		return
	}
	if err := respond(msg, resp); err != nil {
		w.logger.Error("Failed to reply", "request_id", resp.RequestID, "err", err)
	}
}

func parseRequest(msg *nats.Msg) (*ttypes.TTSRequest, error) {
	var req ttypes.TTSRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request: %w", err)
	}
	return &req, nil
}

func respond(msg *nats.Msg, resp *ttypes.TTSResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}
	if err := msg.Respond(data); err != nil {
		return fmt.Errorf("failed to publish response: %w", err)
	}
	return nil
}
