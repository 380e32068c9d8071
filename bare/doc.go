// Package bare bridges a host process and an embedded event-loop script
// engine reached through a [native.Provider].
//
// # Runtime context
//
// One event loop and one engine platform are shared by every instance in
// the process. They are created on first use and live until the process
// exits:
//
//	if err := bare.EnsureInitialized(gojavm.New()); err != nil {
//	    log.Fatal(err)
//	}
//	rc, err := bare.Get()
//
// # Instances
//
// An [Instance] runs one script through setup, load, run and teardown:
//
//	inst := bare.NewInstance()
//	if err := inst.Setup(rc, bare.DefaultOptions(), []string{"bare"}); err != nil {
//	    return err
//	}
//	inst.On(bare.EventExit, func(bare.Event) { log.Println("exiting") })
//	if err := inst.Load(src, "/app.js"); err == nil {
//	    err = inst.Run()
//	}
//	code, err := inst.Teardown()
//
// [Execute] does the same in one call and returns the earliest error.
//
// # Errors
//
// Every operation reports an [*Error]. Script exceptions surface as
// [KindJS] errors carrying the constructor name, message and optional
// stack of the thrown value:
//
//	if e, ok := bare.AsError(err); ok && e.Kind() == bare.KindJS {
//	    fmt.Println(e.Type(), e.Message())
//	}
//
// There is no way to release the shared runtime context before the
// process exits.
package bare
