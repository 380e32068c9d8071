// Package barego embeds a Bare-style JavaScript runtime in Go programs.
//
// # Overview
//
// A process holds one runtime context: an event loop and an engine
// platform created once and shared by every instance. Each instance goes
// through setup, load, run and teardown, reports lifecycle events to Go
// handlers and surfaces uncaught JavaScript errors as structured values.
//
// # Basic Usage
//
//	if err := bare.EnsureInitialized(gojavm.New()); err != nil {
//	    log.Fatal(err)
//	}
//	rc, _ := bare.Get()
//
//	code, err := bare.Execute(rc, bare.Script{
//	    Source:   []byte(`Bare.on('exit', () => console.log('bye'))`),
//	    Filename: "/main.js",
//	}, bare.WithHandler(bare.EventExit, func(bare.Event) {
//	    fmt.Println("exiting")
//	}))
//
// # Step by Step
//
//	inst := bare.NewInstance()
//	inst.Setup(rc, bare.DefaultOptions(), []string{"bare", "main.js"})
//	inst.On(bare.EventTeardown, func(bare.Event) {})
//	inst.Load(src, "/main.js")
//	inst.Run()
//	code, err := inst.Teardown()
//
// # Engines
//
// Engines implement [native.Provider]:
//
//   - provider/gojavm: goja with the goja_nodejs event loop, pure Go
//   - provider/qjswasm: QuickJS compiled to a WASI reactor, run on wazero
//   - provider/libbare: the Bare C library through cgo (build tag libbare)
//
// See the [bare] and [native] packages for detailed API documentation.
package barego
