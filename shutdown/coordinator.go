package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/zoobzio/clockz"

	ferrors "github.com/vinayprograms/fleetconf/errors"
	"github.com/vinayprograms/fleetconf/logging"
)

// Coordinator runs registered handlers phase by phase when the process is
// asked to stop.
type Coordinator struct {
	config Config
	logger *logging.Logger

	mu           sync.Mutex
	handlers     []registration
	shutdownOnce sync.Once
	done         chan struct{}
	result       *ShutdownResult
	signalChan   chan os.Signal
}

// NewCoordinator creates a new shutdown coordinator.
func NewCoordinator(config Config) (*Coordinator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	defaults := DefaultConfig()
	if config.Timeout == 0 {
		config.Timeout = defaults.Timeout
	}
	if config.Clock == nil {
		config.Clock = clockz.RealClock
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	return &Coordinator{
		config:     config,
		logger:     logger,
		done:       make(chan struct{}),
		signalChan: make(chan os.Signal, 1),
	}, nil
}

// Register adds a handler in the default phase.
func (c *Coordinator) Register(name string, handler ShutdownHandler) {
	c.RegisterWithPhase(name, handler, c.config.DefaultPhase)
}

// RegisterWithPhase adds a handler to phase. Lower phases run first;
// handlers in one phase run concurrently.
func (c *Coordinator) RegisterWithPhase(name string, handler ShutdownHandler, phase int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handlers = append(c.handlers, registration{
		name:    name,
		handler: handler,
		phase:   phase,
		order:   len(c.handlers),
	})
}

// RegisterFunc registers fn in the default phase.
func (c *Coordinator) RegisterFunc(name string, fn func(ctx context.Context) error) {
	c.Register(name, ShutdownFunc(fn))
}

// RegisterFuncWithPhase registers fn in phase.
func (c *Coordinator) RegisterFuncWithPhase(name string, fn func(ctx context.Context) error, phase int) {
	c.RegisterWithPhase(name, ShutdownFunc(fn), phase)
}

// Shutdown runs every phase once. Later calls wait for the first to finish
// and return ErrAlreadyShutdown.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	first := false
	c.shutdownOnce.Do(func() {
		first = true
		c.result = c.run(ctx)
		close(c.done)
	})
	if !first {
		<-c.done
		return ErrAlreadyShutdown
	}
	return c.result.Err
}

// ShutdownWithTimeout runs Shutdown bounded by timeout, or by the configured
// timeout when zero.
func (c *Coordinator) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout == 0 {
		timeout = c.config.Timeout
	}
	ctx, cancel := c.config.Clock.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// HandleSignals starts shutdown on SIGTERM or SIGINT.
func (c *Coordinator) HandleSignals() {
	signal.Notify(c.signalChan, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		select {
		case sig := <-c.signalChan:
			c.logger.Info("shutdown_signal", map[string]interface{}{"signal": sig.String()})
			_ = c.ShutdownWithTimeout(c.config.Timeout)
		case <-c.done:
		}
		signal.Stop(c.signalChan)
	}()
}

// Trigger starts shutdown as if SIGTERM had arrived. HandleSignals must have
// been called.
func (c *Coordinator) Trigger() {
	select {
	case c.signalChan <- syscall.SIGTERM:
	default:
	}
}

// Done is closed when shutdown is complete.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err returns the shutdown error once Done is closed.
func (c *Coordinator) Err() error {
	select {
	case <-c.done:
		return c.result.Err
	default:
		return nil
	}
}

// Result returns the detailed shutdown result, or nil before Done is closed.
func (c *Coordinator) Result() *ShutdownResult {
	select {
	case <-c.done:
		return c.result
	default:
		return nil
	}
}

func (c *Coordinator) run(ctx context.Context) *ShutdownResult {
	clock := c.config.Clock
	start := clock.Now()

	c.mu.Lock()
	handlers := make([]registration, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	sort.SliceStable(handlers, func(i, j int) bool {
		if handlers[i].phase != handlers[j].phase {
			return handlers[i].phase < handlers[j].phase
		}
		return handlers[i].order < handlers[j].order
	})

	c.logger.Info("shutdown_started", map[string]interface{}{"handlers": len(handlers)})

	result := &ShutdownResult{Results: make([]HandlerResult, 0, len(handlers))}
	finish := func(err error) *ShutdownResult {
		result.Err = err
		result.TotalDuration = clock.Since(start)
		fields := map[string]interface{}{"duration_ms": result.TotalDuration.Milliseconds()}
		if err != nil {
			fields["error"] = err.Error()
			fields["failed"] = result.FailedHandlers()
			c.logger.Warn("shutdown_complete", fields)
		} else {
			c.logger.Info("shutdown_complete", fields)
		}
		return result
	}

	var failed bool
	for _, group := range groupByPhase(handlers) {
		if ctx.Err() != nil {
			return finish(ErrTimeout)
		}

		phaseResults := c.executePhase(ctx, group)
		result.Results = append(result.Results, phaseResults...)

		for _, hr := range phaseResults {
			if hr.Err != nil {
				failed = true
			}
		}
		if failed && c.config.StopOnError {
			return finish(ErrHandlerFailed)
		}
	}

	if failed {
		return finish(ErrHandlerFailed)
	}
	return finish(nil)
}

// executePhase runs all handlers in a phase concurrently. A panicking
// handler fails with a PANIC error instead of taking the process down.
func (c *Coordinator) executePhase(ctx context.Context, handlers []registration) []HandlerResult {
	results := make([]HandlerResult, len(handlers))
	var wg sync.WaitGroup

	for i, reg := range handlers {
		wg.Add(1)
		go func(idx int, r registration) {
			defer wg.Done()

			start := c.config.Clock.Now()
			err := safeCall(ctx, r)

			hr := HandlerResult{
				Name:     r.name,
				Phase:    r.phase,
				Duration: c.config.Clock.Since(start),
				Err:      err,
			}
			results[idx] = hr
			c.logResult(hr)
		}(i, reg)
	}

	wg.Wait()
	return results
}

func safeCall(ctx context.Context, r registration) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = ferrors.RecoverPanic(rec)
		}
	}()
	return r.handler.OnShutdown(ctx)
}

func (c *Coordinator) logResult(hr HandlerResult) {
	fields := map[string]interface{}{
		"handler":     hr.Name,
		"phase":       hr.Phase,
		"duration_ms": hr.Duration.Milliseconds(),
	}
	if hr.Err != nil {
		fields["error"] = hr.Err.Error()
		c.logger.Warn("shutdown_handler_failed", fields)
		return
	}
	c.logger.Debug("shutdown_handler_done", fields)
}

// groupByPhase splits handlers, already sorted by phase, into one group per
// phase.
func groupByPhase(handlers []registration) [][]registration {
	var groups [][]registration
	for _, h := range handlers {
		n := len(groups)
		if n == 0 || groups[n-1][0].phase != h.phase {
			groups = append(groups, []registration{h})
			continue
		}
		groups[n-1] = append(groups[n-1], h)
	}
	return groups
}

// String describes the result for logs and CLI output.
func (r *ShutdownResult) String() string {
	if r.Err == nil {
		return fmt.Sprintf("shutdown ok: %d handlers in %s", len(r.Results), r.TotalDuration)
	}
	return fmt.Sprintf("shutdown failed: %v (handlers: %v) after %s", r.Err, r.FailedHandlers(), r.TotalDuration)
}
