package v16

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/voltgrid/csms/internal/domain"
)

// Request is the unit flowing through a middleware chain: the decoded Call,
// its persisted message row and a scratch map middleware can use to hand
// values to hooks.
type Request struct {
	ChargePointID string
	Call          *Frame
	Message       *domain.Message
	Extra         map[string]interface{}
}

// Response accumulates what the chain produced: the reply payload, the
// transaction the call touched (if any) and Calls to send to the station
// after the reply goes out.
type Response struct {
	Payload          map[string]interface{}
	ErrorCode        ErrorCode
	ErrorDescription string
	Transaction      *domain.Transaction
	SideEffects      []*Frame
	Extra            map[string]interface{}
}

// HandlerFunc processes a request and fills in the response.
type HandlerFunc func(ctx context.Context, req *Request) (*Response, error)

// Middleware wraps a HandlerFunc.
type Middleware func(next HandlerFunc) HandlerFunc

// HookPhase positions a hook relative to the middleware chain.
type HookPhase int

const (
	// PhaseBefore runs before the chain; an error aborts the call.
	PhaseBefore HookPhase = iota
	// PhaseOn runs after the chain, before the reply is written; may append
	// side effects, an error aborts the call.
	PhaseOn
	// PhaseAfter runs after the reply was written; errors are logged and
	// swallowed, appended side effects are still sent.
	PhaseAfter
)

// HookFunc observes or augments a call at its registered phase.
type HookFunc func(ctx context.Context, req *Request, resp *Response) error

type hook struct {
	phase HookPhase
	order int
	fn    HookFunc
}

type chainKey struct {
	action      string
	messageType int
}

// Pipeline maps (action, message type) to a composed handler chain plus the
// hooks observing it. Registration happens at boot; Handle is then safe for
// concurrent use.
type Pipeline struct {
	chains     map[chainKey][]Middleware
	composed   map[chainKey]HandlerFunc
	composedMu sync.RWMutex
	hooks      map[string][]hook
	hookOrder  int
}

func NewPipeline() *Pipeline {
	return &Pipeline{
		chains:   make(map[chainKey][]Middleware),
		composed: make(map[chainKey]HandlerFunc),
		hooks:    make(map[string][]hook),
	}
}

// Use appends middleware to the chain for the given action's Calls.
func (p *Pipeline) Use(action string, mw ...Middleware) {
	key := chainKey{action: action, messageType: domain.MessageTypeCall}
	p.chains[key] = append(p.chains[key], mw...)
	p.composedMu.Lock()
	delete(p.composed, key)
	p.composedMu.Unlock()
}

// Hook registers a hook on the given action at the given phase. Hooks fire in
// registration order within a phase.
func (p *Pipeline) Hook(action string, phase HookPhase, fn HookFunc) {
	p.hooks[action] = append(p.hooks[action], hook{phase: phase, order: p.hookOrder, fn: fn})
	p.hookOrder++
	sort.SliceStable(p.hooks[action], func(i, j int) bool {
		return p.hooks[action][i].order < p.hooks[action][j].order
	})
}

// Supports reports whether any chain is registered for the action.
func (p *Pipeline) Supports(action string) bool {
	_, ok := p.chains[chainKey{action: action, messageType: domain.MessageTypeCall}]
	return ok
}

// Handle runs before hooks, the composed chain and on hooks, returning the
// response ready to be written. An unregistered action yields a NotImplemented
// error response.
func (p *Pipeline) Handle(ctx context.Context, req *Request) (*Response, error) {
	key := chainKey{action: req.Call.Action, messageType: req.Call.Type}
	chain, ok := p.chains[key]
	if !ok {
		return &Response{
			ErrorCode:        ErrNotImplemented,
			ErrorDescription: fmt.Sprintf("action %q is not supported", req.Call.Action),
		}, nil
	}

	if req.Extra == nil {
		req.Extra = make(map[string]interface{})
	}

	resp := &Response{Extra: make(map[string]interface{})}
	if err := p.runHooks(ctx, req, resp, PhaseBefore); err != nil {
		return nil, err
	}

	p.composedMu.RLock()
	handler, ok := p.composed[key]
	p.composedMu.RUnlock()
	if !ok {
		handler = compose(chain)
		p.composedMu.Lock()
		p.composed[key] = handler
		p.composedMu.Unlock()
	}

	out, err := handler(ctx, req)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = resp
	} else {
		mergeExtra(out, resp)
		out.SideEffects = append(resp.SideEffects, out.SideEffects...)
	}
	if out.Payload == nil && out.ErrorCode == "" {
		out.Payload = map[string]interface{}{}
	}

	if err := p.runHooks(ctx, req, out, PhaseOn); err != nil {
		return nil, err
	}
	return out, nil
}

// RunAfterHooks fires the after-phase hooks once the reply is on the wire.
// Hook errors are returned joined for logging, never surfaced to the station.
func (p *Pipeline) RunAfterHooks(ctx context.Context, req *Request, resp *Response) []error {
	var errs []error
	for _, h := range p.hooks[req.Call.Action] {
		if h.phase != PhaseAfter {
			continue
		}
		if err := h.fn(ctx, req, resp); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (p *Pipeline) runHooks(ctx context.Context, req *Request, resp *Response, phase HookPhase) error {
	for _, h := range p.hooks[req.Call.Action] {
		if h.phase != phase {
			continue
		}
		if err := h.fn(ctx, req, resp); err != nil {
			return err
		}
	}
	return nil
}

// compose folds the middleware onto the terminal responder, which hands back
// an empty CallResult payload for chains that never set one.
func compose(chain []Middleware) HandlerFunc {
	handler := terminal
	for i := len(chain) - 1; i >= 0; i-- {
		handler = chain[i](handler)
	}
	return handler
}

func terminal(ctx context.Context, req *Request) (*Response, error) {
	return &Response{Payload: map[string]interface{}{}, Extra: make(map[string]interface{})}, nil
}

func mergeExtra(dst, src *Response) {
	if dst.Extra == nil {
		dst.Extra = make(map[string]interface{})
	}
	for k, v := range src.Extra {
		if _, exists := dst.Extra[k]; !exists {
			dst.Extra[k] = v
		}
	}
}
