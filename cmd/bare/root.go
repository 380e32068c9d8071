package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/caffeineduck/barego/bare"
	"github.com/caffeineduck/barego/config"
)

// defaultEngine is replaced by build-tagged engine files.
var defaultEngine = "goja"

var rootCmd = &cobra.Command{
	Use:   "bare [file] [args...]",
	Short: "Run JavaScript on an embedded Bare-style runtime",
	Long: `bare - Run a JavaScript program through a full runtime lifecycle.

A program is set up, loaded, run until its event loop drains and torn
down. The process exits with the program's exit code (Bare.exitCode or
Bare.exit(code)). Uncaught errors are reported with their type, message
and stack, and exit with code 1.

Engines: goja (pure Go), quickjs (QuickJS on WebAssembly, needs --qjs-wasm)
and, when built with -tags libbare, bare (the native library).`,
	Args:          cobra.ArbitraryArgs,
	RunE:          runRun,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits with the program's exit code.
func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	var exit *exitError
	if errors.As(err, &exit) {
		if exit.err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", exit.err)
		}
		os.Exit(exit.code)
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("engine", "e", "", "Engine: goja, quickjs, bare (default: "+defaultEngine+")")
	pf.String("memory-limit", "1gb", "Heap limit: bytes or a size such as 256mb, 1gb")
	pf.Int("abi-version", 0, "Runtime ABI version passed to setup")
	pf.String("config", "", "Path to an HCL config file")
	pf.String("log-level", "", "Log level: debug, info, warn, error (default: $BARE_LOG or error)")
	pf.String("qjs-wasm", "", "Path to the QuickJS reactor module (quickjs engine)")
	pf.String("cache-dir", "", "Compilation cache directory (default: $XDG_CACHE_HOME/barego)")
	pf.Bool("no-cache", false, "Disable compilation cache")

	addRunFlags(rootCmd)
	rootCmd.Flags().SetInterspersed(false)
}

// exitError carries a non-zero exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit status %d", e.code)
}

func (e *exitError) Unwrap() error { return e.err }

// settings is the merged view of defaults, the config file and flags.
type settings struct {
	engine      string
	memoryLimit uint64
	version     int
	args        []string
	logLevel    string
	qjsModule   string
	cacheDir    string
	noCache     bool
}

func loadSettings(cmd *cobra.Command) (*settings, error) {
	s := &settings{
		engine:      defaultEngine,
		memoryLimit: bare.DefaultOptions().MemoryLimit,
		version:     bare.DefaultOptions().Version,
		logLevel:    "error",
	}
	if env := os.Getenv("BARE_LOG"); env != "" {
		s.logLevel = env
	}

	flags := cmd.Flags()

	if path, _ := flags.GetString("config"); path != "" {
		f, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		if f.Engine != "" {
			s.engine = f.Engine
		}
		if f.Version != nil {
			s.version = *f.Version
		}
		if f.MemoryLimit > 0 {
			s.memoryLimit = f.MemoryLimit
		}
		if f.LogLevel != "" {
			s.logLevel = f.LogLevel
		}
		s.args = f.Args
		if f.QuickJS != nil {
			s.qjsModule = f.QuickJS.Module
			s.cacheDir = f.QuickJS.CacheDir
		}
	}

	if flags.Changed("engine") {
		s.engine, _ = flags.GetString("engine")
	}
	if flags.Changed("memory-limit") {
		v, _ := flags.GetString("memory-limit")
		n, err := config.ParseSize(v)
		if err != nil {
			return nil, fmt.Errorf("--memory-limit: %w", err)
		}
		s.memoryLimit = n
	}
	if flags.Changed("abi-version") {
		s.version, _ = flags.GetInt("abi-version")
	}
	if flags.Changed("log-level") {
		s.logLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("qjs-wasm") {
		s.qjsModule, _ = flags.GetString("qjs-wasm")
	}
	if flags.Changed("cache-dir") {
		s.cacheDir, _ = flags.GetString("cache-dir")
	}
	s.noCache, _ = flags.GetBool("no-cache")

	return s, nil
}

func (s *settings) options() bare.Options {
	return bare.Options{Version: s.version, MemoryLimit: s.memoryLimit}
}

func newLogger(level string, w io.Writer) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	enc := zap.NewDevelopmentEncoderConfig()
	enc.EncodeLevel = zapcore.CapitalLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.Lock(zapcore.AddSync(w)), lvl)
	return zap.New(core), nil
}

// console is where every engine writes script output. The runtime
// context outlives a single command, so commands point it at their own
// writers instead of rebuilding the engine.
var console = &consoleWriters{out: os.Stdout, err: os.Stderr}

type consoleWriters struct {
	mu  sync.Mutex
	out io.Writer
	err io.Writer
}

func (c *consoleWriters) set(out, err io.Writer) {
	c.mu.Lock()
	c.out, c.err = out, err
	c.mu.Unlock()
}

func (c *consoleWriters) stdout() io.Writer { return consoleStream{c, false} }
func (c *consoleWriters) stderr() io.Writer { return consoleStream{c, true} }

type consoleStream struct {
	c   *consoleWriters
	err bool
}

func (s consoleStream) Write(p []byte) (int, error) {
	s.c.mu.Lock()
	w := s.c.out
	if s.err {
		w = s.c.err
	}
	s.c.mu.Unlock()
	return w.Write(p)
}

// prepare resolves settings, installs the logger and makes sure the
// process runtime context exists.
func prepare(cmd *cobra.Command) (*settings, *bare.RuntimeContext, *zap.Logger, error) {
	s, err := loadSettings(cmd)
	if err != nil {
		return nil, nil, nil, err
	}

	logger, err := newLogger(s.logLevel, cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, nil, err
	}
	bare.SetLogger(logger)
	console.set(cmd.OutOrStdout(), cmd.ErrOrStderr())

	provider, err := newProvider(s.engine, engineConfig{
		stdout:      console.stdout(),
		stderr:      console.stderr(),
		logger:      logger.Named(s.engine),
		memoryLimit: s.memoryLimit,
		qjsModule:   s.qjsModule,
		cacheDir:    s.cacheDir,
		noCache:     s.noCache,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	if err := bare.EnsureInitialized(provider); err != nil {
		return nil, nil, nil, err
	}
	rc, err := bare.Get()
	if err != nil {
		return nil, nil, nil, err
	}
	logger.Debug("runtime context ready", zap.String("engine", rc.Provider().Name()))
	return s, rc, logger, nil
}
