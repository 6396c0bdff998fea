package wsocket

import (
	"context"
	"net/http"
)

// Handler is the capability set Server requires of a user-supplied
// connection handler: an explicit interface rather than a single
// duck-typed callback, so a handler can carry its own state and expose
// optional lifecycle hooks like afterIniter.
//
// Init is called once, after a successful handshake. It may return a
// different Handler value (e.g. a richer type built from the zero value it
// was called on) which the orchestrator then uses for the rest of the
// connection's lifetime; returning an error rejects the connection with a
// close.
type Handler interface {
	Init(req *http.Request, conn *Conn, ctx context.Context) (Handler, error)
	Handle(msg Message)
	Close()
}

// afterIniter is an optional capability, discovered via a type assertion
// once Init succeeds. AfterInit runs once before the read loop starts;
// returning an error terminates the connection without entering the loop.
type afterIniter interface {
	AfterInit() error
}
