package main

import (
	"fmt"
	"io"
	"sort"

	"go.uber.org/zap"

	"github.com/caffeineduck/barego/native"
	"github.com/caffeineduck/barego/provider/gojavm"
	"github.com/caffeineduck/barego/provider/qjswasm"
)

const wasmPageSize = 64 << 10

type engineConfig struct {
	stdout      io.Writer
	stderr      io.Writer
	logger      *zap.Logger
	memoryLimit uint64
	qjsModule   string
	cacheDir    string
	noCache     bool
}

type engineFactory func(engineConfig) (native.Provider, error)

// engines maps an --engine name to its provider. Build-tagged files add
// more.
var engines = map[string]engineFactory{
	"goja":    newGoja,
	"quickjs": newQuickJS,
}

func newGoja(c engineConfig) (native.Provider, error) {
	return gojavm.New(
		gojavm.WithStdout(c.stdout),
		gojavm.WithStderr(c.stderr),
		gojavm.WithLogger(c.logger),
	), nil
}

func newQuickJS(c engineConfig) (native.Provider, error) {
	if c.qjsModule == "" {
		return nil, fmt.Errorf("quickjs engine needs a reactor module: use --qjs-wasm or a quickjs block in the config file")
	}

	opts := []qjswasm.Option{
		qjswasm.WithModuleFile(c.qjsModule),
		qjswasm.WithStdout(c.stdout),
		qjswasm.WithStderr(c.stderr),
		qjswasm.WithLogger(c.logger),
	}
	if !c.noCache {
		opts = append(opts, qjswasm.WithDiskCache(c.cacheDir))
	}
	if pages := memoryPages(c.memoryLimit); pages > 0 {
		opts = append(opts, qjswasm.WithMemoryLimitPages(pages))
	}
	return qjswasm.New(opts...), nil
}

// memoryPages rounds limit up to whole wasm pages; 0 means no cap.
func memoryPages(limit uint64) uint32 {
	if limit == 0 {
		return 0
	}
	pages := (limit + wasmPageSize - 1) / wasmPageSize
	if pages > 65536 {
		return 0
	}
	return uint32(pages)
}

func newProvider(name string, c engineConfig) (native.Provider, error) {
	factory, ok := engines[name]
	if !ok {
		return nil, fmt.Errorf("unknown engine %q: use one of %v", name, engineNames())
	}
	return factory(c)
}

func engineNames() []string {
	names := make([]string, 0, len(engines))
	for name := range engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
