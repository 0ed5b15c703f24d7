package cap

import "time"

// RequestOp names the operation an out-of-task Request asks the parent to
// perform. Every value here mirrors an in-task Parent method of the same
// name, per specification §6's "subset of the above, routed as request
// messages".
type RequestOp int

const (
	// OpStartChild carries Args of type ChildSpec.
	OpStartChild RequestOp = iota
	// OpShutdownChild carries Args of type any (a handle or id ref).
	OpShutdownChild
	// OpRestartChild carries Args of type any (a handle or id ref).
	OpRestartChild
	// OpChildren carries no Args.
	OpChildren
	// OpNumChildren carries no Args.
	OpNumChildren
	// OpChildMeta carries Args of type any (a handle or id ref).
	OpChildMeta
	// OpWhichChildren carries no Args; alias of OpChildren kept distinct so
	// a Request's Op always names exactly one Parent method.
	OpWhichChildren
	// OpCountChildren carries no Args; alias of OpNumChildren.
	OpCountChildren
)

// Request is a message fed into the same inbox the parent already drains
// for its own child_timeout/resume_restart self-messages, giving other
// goroutines a way to call into the parent without sharing its state
// directly. Calling this from inside the parent's own goroutine (a child's
// start function, or from within HandleMessage itself) deadlocks the
// single inbox; this is Misuse, left to the caller to avoid, exactly as
// the in-task operations of specification §6 perform no reentrancy check.
type Request struct {
	Op    RequestOp
	Args  any
	Reply chan Reply
}

// Reply is the response to a Request, delivered on its Reply channel
// exactly once.
type Reply struct {
	Value any
	Err   error
}

// Send submits req to the parent's inbox and blocks for its Reply, up to
// timeout (zero means wait forever). It is the out-of-task counterpart to
// calling a Parent method directly; callers on the parent's own goroutine
// must never use it.
func (p *Parent) Send(req Request, timeout time.Duration) Reply {
	if req.Reply == nil {
		req.Reply = make(chan Reply, 1)
	}

	p.inbox <- req

	if timeout <= 0 {
		return <-req.Reply
	}

	select {
	case r := <-req.Reply:
		return r
	case <-time.After(timeout):
		return Reply{Err: ErrAwaitTimeout}
	}
}

// handleRequest executes req against p and replies on req.Reply. Called
// only from HandleMessage, i.e. on the parent's own goroutine.
func (p *Parent) handleRequest(req Request) {
	reply := func(v any, err error) {
		select {
		case req.Reply <- Reply{Value: v, Err: err}:
		default:
		}
	}

	switch req.Op {
	case OpStartChild:
		spec, ok := req.Args.(ChildSpec)
		if !ok {
			reply(nil, ErrUnknownChild)
			return
		}
		h, res, err := p.StartChild(spec)
		reply(struct {
			Handle Handle
			Result StartResult
		}{h, res}, err)

	case OpShutdownChild:
		reply(nil, p.ShutdownChild(req.Args))

	case OpRestartChild:
		reply(nil, p.RestartChild(req.Args))

	case OpChildren, OpWhichChildren:
		reply(p.Children(), nil)

	case OpNumChildren, OpCountChildren:
		reply(p.NumChildren(), nil)

	case OpChildMeta:
		meta, ok := p.ChildMeta(req.Args)
		if !ok {
			reply(nil, ErrUnknownChild)
			return
		}
		reply(meta, nil)

	default:
		reply(nil, ErrUnknownChild)
	}
}
