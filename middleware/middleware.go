// Package middleware implements the Responder Middleware Chain: a
// per-topic pipeline of stages installed by a responder, each of which
// must explicitly continue or cancel before returning.
//
// Grounded on the teacher's ordered-stage composition idiom
// (infrastructure/resilience), adapted to the explicit next/cancel
// protocol the spec requires instead of a plain error return.
package middleware

import (
	"context"

	"github.com/cohortlabs/meshbus/errs"
)

// Next continues the chain to the following stage (or to the terminal
// handler, if this was the last stage).
type Next func()

// Cancel aborts the chain. reason is attached to the resulting Forbidden
// error's details, even when empty.
type Cancel func(reason string)

// Stage is one link in a responder's middleware chain. It must call
// exactly one of next or cancel before returning.
type Stage func(ctx context.Context, payload any, next Next, cancel Cancel)

// protocolState tracks how many times next/cancel were invoked during one
// stage's execution, to detect both protocol violations: calling next
// more than once, and returning without calling either.
type protocolState struct {
	nextCalled   bool
	cancelCalled bool
	cancelReason string
	calls        int
}

// Chain is an ordered, immutable-once-built sequence of stages.
type Chain struct {
	stages []Stage
	sealed bool
}

// New constructs an empty Chain.
func New() *Chain {
	return &Chain{}
}

// Use appends a stage. Panics if called after Seal, mirroring the spec's
// "middlewares may be added only before the terminal handler is set"
// rule — Seal is the Go analogue of installing the terminal handler.
func (c *Chain) Use(stage Stage) {
	if c.sealed {
		panic("middleware: cannot add a stage to a sealed chain")
	}
	c.stages = append(c.stages, stage)
}

// Seal marks the chain immutable. Subsequent Use calls panic.
func (c *Chain) Seal() {
	c.sealed = true
}

// Run executes every stage in order. It returns nil only if every stage
// called next(); it returns a Forbidden error if any stage called
// cancel(reason) or returned without calling either, and an Internal error
// tagged as a protocol violation if a stage called next/cancel more than
// once.
func (c *Chain) Run(ctx context.Context, payload any) error {
	for _, stage := range c.stages {
		state := &protocolState{}

		next := func() {
			state.calls++
			state.nextCalled = true
		}
		cancel := func(reason string) {
			state.calls++
			state.cancelCalled = true
			state.cancelReason = reason
		}

		stage(ctx, payload, next, cancel)

		switch {
		case state.calls == 0:
			return errs.Forbiddenf("middleware stage returned without calling next or cancel")
		case state.calls > 1:
			return errs.Internalf("middleware stage called next/cancel more than once")
		case state.cancelCalled:
			return errs.Forbiddenf("middleware chain cancelled: %s", state.cancelReason).WithDetails("reason", state.cancelReason)
		}
	}
	return nil
}
