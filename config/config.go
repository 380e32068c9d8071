// Package config loads the optional HCL configuration file for the bare
// command.
//
// A file looks like:
//
//	engine       = "quickjs"
//	memory_limit = "512mb"
//	args         = ["--verbose"]
//	log_level    = env.BARE_LOG
//
//	quickjs {
//	  module    = "/opt/qjs/qjs-wasi.wasm"
//	  cache_dir = "/var/cache/barego"
//	}
//
// Expressions may read process environment variables through env.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"
)

// Engines that a file may name.
var Engines = []string{"goja", "quickjs", "bare"}

// File is a decoded configuration file. Unset fields keep their zero
// value so flags and defaults can fill them.
type File struct {
	Engine   string   `hcl:"engine,optional"`
	Version  *int     `hcl:"version,optional"`
	Args     []string `hcl:"args,optional"`
	LogLevel string   `hcl:"log_level,optional"`
	QuickJS  *QuickJS `hcl:"quickjs,block"`

	// MemoryLimitValue is a byte count or a size string like "1gb".
	MemoryLimitValue *cty.Value `hcl:"memory_limit,optional"`

	// MemoryLimit is MemoryLimitValue resolved to bytes; 0 when unset.
	MemoryLimit uint64
}

// QuickJS configures the WebAssembly QuickJS engine.
type QuickJS struct {
	Module   string `hcl:"module"`
	CacheDir string `hcl:"cache_dir,optional"`
}

// Load reads and decodes the file at path.
func Load(path string) (*File, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(src, path)
}

// Parse decodes src. filename is used in diagnostics.
func Parse(src []byte, filename string) (*File, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse config %s: %w", filename, diags)
	}

	var f File
	diags = gohcl.DecodeBody(file.Body, evalContext(), &f)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode config %s: %w", filename, diags)
	}

	if err := f.resolve(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", filename, err)
	}
	return &f, nil
}

func (f *File) resolve() error {
	if f.Engine != "" && !knownEngine(f.Engine) {
		return fmt.Errorf("unknown engine %q (want one of %s)", f.Engine, strings.Join(Engines, ", "))
	}

	if f.MemoryLimitValue != nil && !f.MemoryLimitValue.IsNull() {
		v := *f.MemoryLimitValue
		switch v.Type() {
		case cty.Number:
			var n uint64
			if err := gocty.FromCtyValue(v, &n); err != nil {
				return fmt.Errorf("memory_limit: %w", err)
			}
			f.MemoryLimit = n
		case cty.String:
			n, err := ParseSize(v.AsString())
			if err != nil {
				return fmt.Errorf("memory_limit: %w", err)
			}
			f.MemoryLimit = n
		default:
			return fmt.Errorf("memory_limit: expected number or string, got %s", v.Type().FriendlyName())
		}
	}
	return nil
}

func knownEngine(name string) bool {
	for _, e := range Engines {
		if e == name {
			return true
		}
	}
	return false
}

// evalContext exposes the process environment as env.
func evalContext() *hcl.EvalContext {
	vars := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !hclsyntaxValidName(name) {
			continue
		}
		vars[name] = cty.StringVal(value)
	}
	env := cty.EmptyObjectVal
	if len(vars) > 0 {
		env = cty.ObjectVal(vars)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": env},
	}
}

// hclsyntaxValidName reports whether name can be written as env.NAME.
func hclsyntaxValidName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
		case i > 0 && (r == '-' || (r >= '0' && r <= '9')):
		default:
			return false
		}
	}
	return true
}
