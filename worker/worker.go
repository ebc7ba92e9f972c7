// Package worker implements the thread pool and impersonation model of spec
// §4.5: NUMA-pinned workers, each holding its own transaction context and
// log buffer, a process-wide (here, per-Pool) named-procedure registry, and
// Session as the handle a caller uses to impersonate a worker and collect
// its result. Grounded on queue/queue.go's message-slot handoff (a pointer
// to a request passed to a waiting consumer), repurposed here as the
// impersonation input slot, and tx/transfer, tx/genesis as the shape of a
// registered procedure.
package worker

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/outofforest/quantum/types"
	"github.com/outofforest/quantum/xct"
)

// OutputBufferSize is the fixed-size region a procedure may fill, per spec
// §4.5 "session.get_raw_output_buffer() (a fixed-size region)".
const OutputBufferSize = 4096

// Procedure is the worker ABI: a named function invoked with a pointer to
// the worker's transaction context, the impersonation's input bytes, and
// the session's fixed output buffer (spec §4.5 "invoke the named procedure
// with a pointer to its xct context and input").
type Procedure func(x *xct.Xct, input []byte, output []byte) error

// SessionState is the lifecycle of an impersonation handle.
type SessionState uint8

// SessionState values.
const (
	SessionIdle SessionState = iota
	SessionRunning
	SessionDone
)

// Session is a handle to a prospective or running worker execution (spec
// §4.5).
type Session struct {
	state  atomic.Uint32
	output []byte
	result error
	done   chan struct{}
}

func newSession() *Session {
	return &Session{
		output: make([]byte, OutputBufferSize),
		done:   make(chan struct{}),
	}
}

// IsRunning reports whether the session's worker has not yet finished.
func (s *Session) IsRunning() bool {
	return SessionState(s.state.Load()) == SessionRunning
}

// GetResult returns the error stack produced by the procedure, valid once
// IsRunning is false.
func (s *Session) GetResult() error {
	return s.result
}

// GetRawOutputBuffer returns the fixed-size region the procedure may have
// filled.
func (s *Session) GetRawOutputBuffer() []byte {
	return s.output
}

// Release waits for the session to finish, for callers that need a blocking
// join instead of polling IsRunning.
func (s *Session) Release() {
	<-s.done
}

func (s *Session) complete(err error) {
	s.result = err
	s.state.Store(uint32(SessionDone))
	close(s.done)
}

type request struct {
	proc    Procedure
	input   []byte
	session *Session
}

// Worker is a single NUMA-pinned worker thread: its own transaction context
// and a one-deep message slot impersonation delivers requests through.
type Worker struct {
	ID   types.WorkerID
	Node types.NumaNode

	xctx  *xct.Xct
	busy  atomic.Bool
	slot  chan *request
}

// New creates a worker bound to its own transaction context.
func New(id types.WorkerID, node types.NumaNode, xctx *xct.Xct) *Worker {
	return &Worker{
		ID:   id,
		Node: node,
		xctx: xctx,
		slot: make(chan *request, 1),
	}
}

// tryClaim atomically marks the worker busy, returning false if another
// impersonation already claimed it.
func (w *Worker) tryClaim() bool {
	return w.busy.CompareAndSwap(false, true)
}

// Run is the worker main loop: wait for a message, invoke the named
// procedure, store the result, go back to waiting (spec §4.5).
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case req := <-w.slot:
			err := req.proc(w.xctx, req.input, req.session.output)
			req.session.complete(err)
			w.busy.Store(false)
		}
	}
}

// Registry is a named-procedure table. Spec §4.5 describes it as
// process-wide; it is instead owned by the Pool that holds it, so tests can
// run independent engines in one process without a package-level global.
type Registry struct {
	procs map[string]Procedure
}

// NewRegistry creates an empty procedure registry.
func NewRegistry() *Registry {
	return &Registry{procs: map[string]Procedure{}}
}

// Register adds a named procedure, failing if the name is already taken.
func (r *Registry) Register(name string, proc Procedure) error {
	if _, exists := r.procs[name]; exists {
		return errors.Errorf("procedure %q is already registered", name)
	}
	r.procs[name] = proc
	return nil
}

// Lookup returns the procedure registered under name, if any.
func (r *Registry) Lookup(name string) (Procedure, bool) {
	p, ok := r.procs[name]
	return p, ok
}

// Pool is the set of workers an engine impersonates against.
type Pool struct {
	registry *Registry
	workers  []*Worker
}

// NewPool creates a pool over workers, dispatching through registry.
func NewPool(registry *Registry, workers ...*Worker) *Pool {
	return &Pool{registry: registry, workers: workers}
}

// Impersonate selects a free worker on any node running procName with
// input, returning its Session, or (nil, false) if no worker is free (spec
// §4.5 impersonate).
func (p *Pool) Impersonate(procName string, input []byte) (*Session, bool) {
	return p.impersonate(nil, procName, input)
}

// ImpersonateOnNumaNode is like Impersonate but restricted to workers
// pinned to node.
func (p *Pool) ImpersonateOnNumaNode(node types.NumaNode, procName string, input []byte) (*Session, bool) {
	return p.impersonate(&node, procName, input)
}

func (p *Pool) impersonate(node *types.NumaNode, procName string, input []byte) (*Session, bool) {
	proc, ok := p.registry.Lookup(procName)
	if !ok {
		return nil, false
	}

	for _, w := range p.workers {
		if node != nil && w.Node != *node {
			continue
		}
		if !w.tryClaim() {
			continue
		}

		session := newSession()
		session.state.Store(uint32(SessionRunning))
		w.slot <- &request{proc: proc, input: input, session: session}
		return session, true
	}
	return nil, false
}

// Workers returns the pool's workers, for engine wiring (e.g. assigning each
// worker's log buffer to a logger).
func (p *Pool) Workers() []*Worker {
	return p.workers
}
