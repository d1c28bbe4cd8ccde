package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"simroute/internal/control"
	"simroute/internal/device"
	"simroute/internal/metrics"
	"simroute/internal/route"
)

type State string

const (
	StateConnecting State = "connecting"
	StatePolling    State = "polling"
	StateRetrying   State = "retrying"
	StatePaused     State = "paused"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
)

type Config struct {
	PollInterval   time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// FailureThreshold is the number of consecutive sample failures after
	// which the device is dropped and reconnected.
	FailureThreshold uint32

	SampleTimeout  time.Duration
	ConnectTimeout time.Duration
}

// Worker owns one device connection and feeds its readings into a Route.
//
// Run has a single exit: it returns after a Stop message or a terminal device
// error, and Done is closed at that point.
type Worker struct {
	cfg   Config
	src   device.Source
	route *route.Route
	rx    *control.Receiver
	log   zerolog.Logger

	started atomic.Bool

	// Owned by the Run goroutine.
	dev device.Device
	cb  *gobreaker.CircuitBreaker[device.Reading]

	mu              sync.RWMutex
	state           State
	lastErr         string
	samples         uint64
	connectAttempts uint64
	lastSampleAt    time.Time

	done chan struct{}
}

type Snapshot struct {
	Source          string `json:"source"`
	State           State  `json:"state"`
	Samples         uint64 `json:"samples"`
	ConnectAttempts uint64 `json:"connect_attempts"`
	LastError       string `json:"last_error,omitempty"`
	LastSampleAt    string `json:"last_sample_at,omitempty"`
}

func New(cfg Config, src device.Source, r *route.Route, rx *control.Receiver, logger zerolog.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 250 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 10 * time.Second
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = cfg.BackoffInitial
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SampleTimeout <= 0 {
		cfg.SampleTimeout = 5 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	return &Worker{
		cfg:   cfg,
		src:   src,
		route: r,
		rx:    rx,
		log:   logger.With().Str("component", "worker").Str("source", src.Name()).Logger(),
		state: StateConnecting,
		done:  make(chan struct{}),
	}
}

// Start runs the worker on its own goroutine.
func (w *Worker) Start() {
	go w.Run()
}

// Done is closed once Run has returned.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) Snapshot() Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	s := Snapshot{
		Source:          w.src.Name(),
		State:           w.state,
		Samples:         w.samples,
		ConnectAttempts: w.connectAttempts,
		LastError:       w.lastErr,
	}
	if !w.lastSampleAt.IsZero() {
		s.LastSampleAt = w.lastSampleAt.UTC().Format(time.RFC3339Nano)
	}
	return s
}

// Run drives the state machine until Stop or a terminal device error. Only
// the first call does any work.
func (w *Worker) Run() {
	if w.started.Swap(true) {
		return
	}
	defer close(w.done)

	// Stop aborts any in-flight Open or Sample.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-w.rx.Stopped():
			cancel()
		case <-ctx.Done():
		}
	}()

	w.log.Info().Msg("worker started")
	backoff := w.cfg.BackoffInitial
	state := StateConnecting
	for state != StateStopping {
		if w.rx.StopRequested() {
			break
		}
		w.setState(state)

		switch state {
		case StateConnecting:
			state = w.connect(ctx)
			if state == StatePolling {
				backoff = w.cfg.BackoffInitial
			}
		case StatePolling:
			state = w.poll(ctx)
		case StateRetrying:
			w.log.Debug().Dur("backoff", backoff).Msg("waiting before reconnect")
			m := w.wait(backoff)
			backoff *= 2
			if backoff > w.cfg.BackoffMax {
				backoff = w.cfg.BackoffMax
			}
			switch m {
			case control.Stop:
				state = StateStopping
			case control.Pause:
				state = StatePaused
			default:
				state = StateConnecting
			}
		case StatePaused:
			state = w.paused()
		}
	}

	w.setState(StateStopping)
	w.closeDevice()
	w.setState(StateStopped)
	w.log.Info().Int("route_points", w.route.Len()).Msg("worker stopped")
}

func (w *Worker) connect(ctx context.Context) State {
	w.mu.Lock()
	w.connectAttempts++
	w.mu.Unlock()
	metrics.DeviceConnectAttempts.WithLabelValues(w.src.Name()).Inc()

	octx, cancel := context.WithTimeout(ctx, w.cfg.ConnectTimeout)
	dev, err := w.src.Open(octx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return StateStopping
		}
		if device.IsTerminal(err) {
			w.fail("terminal", err)
			w.log.Error().Err(err).Msg("device unavailable, stopping")
			return StateStopping
		}
		w.fail("connect", err)
		w.log.Warn().Err(err).Msg("device connect failed")
		return StateRetrying
	}

	w.dev = dev
	w.cb = w.newBreaker()
	w.log.Info().Msg("device connected")
	return StatePolling
}

func (w *Worker) newBreaker() *gobreaker.CircuitBreaker[device.Reading] {
	threshold := w.cfg.FailureThreshold
	return gobreaker.NewCircuitBreaker[device.Reading](gobreaker.Settings{
		Name:    w.src.Name(),
		Timeout: w.cfg.BackoffMax,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// A receiver waiting for a fix is healthy.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, device.ErrNoFix)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			w.log.Debug().Str("from", from.String()).Str("to", to.String()).Msg("breaker state change")
		},
	})
}

func (w *Worker) poll(ctx context.Context) State {
	r, err := w.sample(ctx)
	switch {
	case err == nil:
		p := w.route.Append(route.Sample{
			LatDeg:     r.LatDeg,
			LonDeg:     r.LonDeg,
			AltFeet:    r.AltFeet,
			HeadingDeg: r.TrackDeg,
			GroundKt:   r.GroundKt,
		})
		w.mu.Lock()
		w.samples++
		w.lastSampleAt = time.Now()
		w.mu.Unlock()
		metrics.RoutePointsAppended.Inc()
		metrics.RouteLength.Set(float64(p.Seq + 1))
	case ctx.Err() != nil:
		return StateStopping
	case device.IsTerminal(err):
		w.fail("terminal", err)
		w.log.Error().Err(err).Msg("device lost, stopping")
		return StateStopping
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		w.fail("breaker_open", err)
		w.log.Warn().Uint32("threshold", w.cfg.FailureThreshold).Msg("too many sample failures, reconnecting")
		w.closeDevice()
		return StateRetrying
	case errors.Is(err, device.ErrNoFix):
		w.fail("no_fix", err)
		w.log.Debug().Err(err).Msg("no fix")
	default:
		w.fail("sample", err)
		w.log.Warn().Err(err).Msg("sample failed")
	}

	switch w.wait(w.cfg.PollInterval) {
	case control.Stop:
		return StateStopping
	case control.Pause:
		w.closeDevice()
		return StatePaused
	}
	return StatePolling
}

func (w *Worker) sample(ctx context.Context) (device.Reading, error) {
	sctx, cancel := context.WithTimeout(ctx, w.cfg.SampleTimeout)
	defer cancel()
	return w.cb.Execute(func() (device.Reading, error) {
		return w.dev.Sample(sctx)
	})
}

// paused blocks until Resume or Stop. The device is released while paused.
func (w *Worker) paused() State {
	w.log.Info().Msg("paused")
	for {
		select {
		case <-w.rx.Stopped():
			return StateStopping
		case m := <-w.rx.Messages():
			if m == control.Resume {
				w.log.Info().Msg("resumed")
				return StateConnecting
			}
		}
	}
}

// wait sleeps for d unless a control message arrives first. It returns the
// message, or 0 when d elapsed.
func (w *Worker) wait(d time.Duration) control.Message {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-w.rx.Stopped():
		return control.Stop
	case m := <-w.rx.Messages():
		return m
	case <-t.C:
		return 0
	}
}

func (w *Worker) closeDevice() {
	if w.dev == nil {
		return
	}
	if err := w.dev.Close(); err != nil {
		w.log.Debug().Err(err).Msg("device close")
	}
	w.dev = nil
	w.cb = nil
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	changed := w.state != s
	w.state = s
	w.mu.Unlock()
	if changed {
		w.log.Debug().Str("state", string(s)).Msg("state change")
	}
	metrics.SetWorkerState(string(s))
}

func (w *Worker) fail(kind string, err error) {
	w.mu.Lock()
	w.lastErr = err.Error()
	w.mu.Unlock()
	metrics.RecordDeviceError(w.src.Name(), kind)
}
