package iothub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/qcloud-device/internal/infrastructure/mqtt"
	"github.com/nerrad567/qcloud-device/internal/notify"
	"github.com/nerrad567/qcloud-device/internal/storage"
)

// BindState is the binding state of the device.
type BindState int

// Binding states.
const (
	StateUnbound BindState = iota
	StateBindRequested
	StateBound
	StateBindFailed
	StateBindTimedOut
)

// String returns the state name.
func (s BindState) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateBindRequested:
		return "bind_requested"
	case StateBound:
		return "bound"
	case StateBindFailed:
		return "bind_failed"
	case StateBindTimedOut:
		return "bind_timed_out"
	default:
		return "unknown"
	}
}

// BindResult is the outcome of one bind request.
type BindResult int

// Bind outcomes.
const (
	BindPending BindResult = iota
	BindSuccess
	BindFailure
	BindTimeout
)

// BindOptions controls Bind.
type BindOptions struct {
	// Block waits up to the configured bind timeout for the cloud's answer.
	Block bool

	// Retry republishes the token until answered or attempts run out.
	Retry bool
}

// bindSession is a future resolved exactly once.
type bindSession struct {
	once   sync.Once
	done   chan struct{}
	result BindResult
	code   int
}

func newBindSession() *bindSession {
	return &bindSession{done: make(chan struct{})}
}

// resolve sets the outcome and reports whether this call set it.
func (s *bindSession) resolve(r BindResult, code int) bool {
	resolved := false
	s.once.Do(func() {
		s.result = r
		s.code = code
		close(s.done)
		resolved = true
	})
	return resolved
}

// bindTokenMethod builds app_bind_token {"token":T}.
func bindTokenMethod(token string) *Method {
	m := NewMethod(MethodAppBindToken)
	m.Params.AddString("token", token)
	return m
}

// BindState returns the current binding state.
func (h *Hub) BindState() BindState {
	h.bindMu.Lock()
	defer h.bindMu.Unlock()
	return h.bindState
}

// Bind presents a bind token to the cloud on $thing/up/service and then
// reports device info.
//
// With Retry the token is republished up to the configured number of
// attempts, stopping as soon as the cloud answers. With Block the call
// waits for the answer: nil on success, ErrBindRejected on refusal and
// ErrTimeout when nothing arrives in time. A timeout posts
// EventBindException exactly once; an answer arriving later still updates
// the state and posts its own event. An answer resolves every blocking
// Bind still waiting, including ones superseded by a newer token.
func (h *Hub) Bind(ctx context.Context, token string, opts BindOptions) error {
	if err := h.subscribe(h.topics.ThingDown(mqtt.FacetService), h.handleService); err != nil {
		return err
	}

	s := newBindSession()
	h.bindMu.Lock()
	h.session = s
	h.waiting = append(h.waiting, s)
	h.bindState = StateBindRequested
	h.bindMu.Unlock()

	if err := h.publishBindToken(ctx, s, token, opts.Retry); err != nil {
		h.forget(s)
		return err
	}

	if err := h.ReportDeviceInfo(ctx); err != nil {
		h.logger.Warn("report_info after bind failed", "error", err)
	}

	if !opts.Block {
		h.forget(s)
		return nil
	}
	return h.waitBind(ctx, s)
}

// publishBindToken sends app_bind_token once, or with retry until s is
// resolved or the attempts are spent.
func (h *Hub) publishBindToken(ctx context.Context, s *bindSession, token string, retry bool) error {
	attempts := 1
	if retry && h.cfg.BindRetryAttempts > 1 {
		attempts = h.cfg.BindRetryAttempts
	}

	for i := 0; i < attempts; i++ {
		if err := h.PostMethod(ctx, bindTokenMethod(token)); err != nil {
			return err
		}
		h.logger.Info("bind token published", "attempt", i+1)

		if !retry {
			return nil
		}

		timer := time.NewTimer(h.cfg.BindRetryInterval)
		select {
		case <-s.done:
			timer.Stop()
			return nil
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return nil
}

// waitBind blocks until s resolves, the bind timeout passes or ctx ends.
func (h *Hub) waitBind(ctx context.Context, s *bindSession) error {
	timer := time.NewTimer(h.cfg.BindTimeout)
	defer timer.Stop()

	select {
	case <-s.done:
	case <-ctx.Done():
		h.forget(s)
		return ctx.Err()
	case <-timer.C:
		h.bindMu.Lock()
		h.dropWaiter(s)
		timedOut := s.resolve(BindTimeout, 0)
		if timedOut && h.session == s && h.bindState == StateBindRequested {
			h.bindState = StateBindTimedOut
		}
		h.bindMu.Unlock()
		if timedOut {
			h.logger.Warn("bind not confirmed", "timeout", h.cfg.BindTimeout)
			h.post(notify.EventBindException, nil)
		}
	}

	switch s.result {
	case BindSuccess:
		return nil
	case BindFailure:
		return fmt.Errorf("%w: code %d", ErrBindRejected, s.code)
	default:
		return fmt.Errorf("%w: bind not confirmed within %v", ErrTimeout, h.cfg.BindTimeout)
	}
}

// forget stops s from being resolved by later answers.
func (h *Hub) forget(s *bindSession) {
	h.bindMu.Lock()
	h.dropWaiter(s)
	h.bindMu.Unlock()
}

// dropWaiter removes s from the outstanding waiters. bindMu must be held.
func (h *Hub) dropWaiter(s *bindSession) {
	for i, w := range h.waiting {
		if w == s {
			h.waiting = append(h.waiting[:i], h.waiting[i+1:]...)
			return
		}
	}
}

// handleService routes $thing/down/service messages. Bind and unbind
// pushes carry no client token.
func (h *Hub) handleService(_ string, payload []byte) error {
	env, err := Decode(payload, false)
	if err != nil {
		return fmt.Errorf("service message dropped: %w", err)
	}

	switch env.Method {
	case MethodNameBindDevice:
		h.bindSucceeded()
	case MethodNameAppBindReply:
		if code := env.CodeValue(); code != 0 {
			h.bindFailed(code, env.Status)
		} else {
			h.bindSucceeded()
		}
	case MethodNameUnbindDevice:
		h.unbound()
	default:
		h.logger.Debug("unhandled service method", "method", env.Method)
	}
	return nil
}

// bindSucceeded records the bind, erases the spent token and notifies.
func (h *Hub) bindSucceeded() {
	h.bindMu.Lock()
	waiting := h.waiting
	h.waiting = nil
	h.bindState = StateBound
	h.bindMu.Unlock()

	for _, s := range waiting {
		s.resolve(BindSuccess, 0)
	}

	if h.store != nil {
		if err := h.store.Erase(context.Background(), storage.KeyToken); err != nil {
			h.logger.Warn("erasing bind token failed", "error", err)
		}
	}

	h.logger.Info("device bound")
	h.post(notify.EventBound, nil)
}

// bindFailed records a refused bind.
func (h *Hub) bindFailed(code int, status string) {
	h.bindMu.Lock()
	waiting := h.waiting
	h.waiting = nil
	h.bindState = StateBindFailed
	h.bindMu.Unlock()

	for _, s := range waiting {
		s.resolve(BindFailure, code)
	}
	h.logger.Warn("bind rejected", "code", code, "status", status)
}

// unbound handles an unbind push: the state resets, hooks run and the
// application is notified.
func (h *Hub) unbound() {
	h.bindMu.Lock()
	h.bindState = StateUnbound
	h.session = nil
	h.bindMu.Unlock()

	h.hookMu.Lock()
	hooks := make([]func(), len(h.unbindHooks))
	copy(hooks, h.unbindHooks)
	h.hookMu.Unlock()

	for _, fn := range hooks {
		fn()
	}

	h.logger.Info("device unbound")
	h.post(notify.EventUnbound, nil)
}
