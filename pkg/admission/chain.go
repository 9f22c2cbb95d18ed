// Package admission decides whether an agent may start.
//
// A Chain runs interceptors in order. The first deny wins, an interceptor
// error or panic becomes an INTERCEPTOR_ERROR deny, and an empty chain
// denies. The chain never fails open.
package admission

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Mindburn-Labs/agentgov/pkg/contracts"
)

// Interceptor is one admission check. Returning an error denies with
// INTERCEPTOR_ERROR.
type Interceptor interface {
	Name() string
	Intercept(ctx context.Context, ac *contracts.AdmissionContext) (contracts.Decision, error)
}

// InterceptorFunc adapts a function to Interceptor.
type InterceptorFunc struct {
	ID string
	Fn func(ctx context.Context, ac *contracts.AdmissionContext) (contracts.Decision, error)
}

func (f InterceptorFunc) Name() string { return f.ID }

func (f InterceptorFunc) Intercept(ctx context.Context, ac *contracts.AdmissionContext) (contracts.Decision, error) {
	return f.Fn(ctx, ac)
}

// Chain is an ordered, fail-closed list of interceptors. It holds no
// per-request state and is safe for concurrent use.
type Chain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewChain returns a chain running interceptors in the given order.
func NewChain(interceptors ...Interceptor) *Chain {
	return &Chain{
		interceptors: append([]Interceptor(nil), interceptors...),
		logger:       slog.Default().With("component", "admission"),
	}
}

// Names lists the interceptors in execution order.
func (c *Chain) Names() []string {
	out := make([]string, len(c.interceptors))
	for i, ic := range c.interceptors {
		out[i] = ic.Name()
	}
	return out
}

// Execute runs the chain against ac.
func (c *Chain) Execute(ctx context.Context, ac *contracts.AdmissionContext) contracts.Decision {
	if len(c.interceptors) == 0 {
		return contracts.Denied(contracts.CodeInterceptorError, "admission chain has no interceptors")
	}
	for _, ic := range c.interceptors {
		d := c.run(ctx, ic, ac)
		if d.Deny || !d.Allow {
			return normalizeDeny(ic.Name(), d)
		}
	}
	return contracts.Allowed()
}

func (c *Chain) run(ctx context.Context, ic Interceptor, ac *contracts.AdmissionContext) (d contracts.Decision) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.ErrorContext(ctx, "admission interceptor panicked", "interceptor", ic.Name(), "panic", r)
			d = contracts.Denied(contracts.CodeInterceptorError, fmt.Sprintf("%s: panic: %v", ic.Name(), r))
		}
	}()

	d, err := ic.Intercept(ctx, ac)
	if err != nil {
		c.logger.WarnContext(ctx, "admission interceptor failed", "interceptor", ic.Name(), "error", err)
		return contracts.Denied(contracts.CodeInterceptorError, fmt.Sprintf("%s: %v", ic.Name(), err))
	}
	return d
}

// normalizeDeny makes sure every deny carries a code and a reason. A
// decision that neither allows nor denies is a deny.
func normalizeDeny(name string, d contracts.Decision) contracts.Decision {
	out := contracts.Decision{
		Deny:       true,
		Reasons:    append([]string(nil), d.Reasons...),
		ErrorCodes: append([]string(nil), d.ErrorCodes...),
	}
	if len(out.ErrorCodes) == 0 {
		out.ErrorCodes = []string{contracts.CodeInterceptorError}
	}
	if len(out.Reasons) == 0 {
		out.Reasons = []string{fmt.Sprintf("%s returned %s without a reason", name, out.ErrorCodes[0])}
	}
	return out
}
