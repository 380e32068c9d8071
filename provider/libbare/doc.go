// Package libbare implements [native.Provider] over the Bare C library
// (libbare, libjs and libuv) through cgo.
//
// The binding is only compiled with the libbare build tag:
//
//	CGO_CFLAGS="-I/path/to/bare/include" \
//	CGO_LDFLAGS="-L/path/to/bare/build" \
//	go build -tags libbare ./cmd/bare
//
// Every native call runs on a single locked OS thread owned by the
// Provider, so the engine always sees the thread that created it. Event
// callbacks fire while Run is in progress; a handler may query its own
// runtime and environment, and those calls are served on the native thread
// before the callback returns. Calls for other runtimes, loops or platforms
// wait until Run returns, so a handler must not make them.
package libbare
