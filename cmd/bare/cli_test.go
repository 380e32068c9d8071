package main

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func executeCommand(root *cobra.Command, args ...string) (string, error) {
	return executeCommandWithInput(root, strings.NewReader(""), args...)
}

func executeCommandWithInput(root *cobra.Command, in io.Reader, args ...string) (string, error) {
	resetFlags(root)
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetIn(in)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

// resetFlags clears values left behind by an earlier Execute.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func writeScript(t *testing.T, name, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func exitCode(t *testing.T, err error) (int, error) {
	t.Helper()
	var exit *exitError
	if !errors.As(err, &exit) {
		t.Fatalf("expected an exit error, got %v", err)
	}
	return exit.code, exit.err
}

// =============================================================================
// Help
// =============================================================================

func TestCLIHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedPhrases := []string{
		"bare",
		"goja",
		"quickjs",
		"run",
		"repl",
		"version",
		"--engine",
		"--memory-limit",
		"--config",
	}

	for _, phrase := range expectedPhrases {
		if !strings.Contains(output, phrase) {
			t.Errorf("help output should contain %q", phrase)
		}
	}
}

func TestCLIRunHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "run", "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedPhrases := []string{
		"--code",
		"--engine",
		"--abi-version",
		"--log-level",
		"--qjs-wasm",
		"Bare.argv",
	}

	for _, phrase := range expectedPhrases {
		if !strings.Contains(output, phrase) {
			t.Errorf("run help output should contain %q", phrase)
		}
	}
}

func TestCLIReplHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "repl", "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedPhrases := []string{
		"--history",
		"Command history",
		"Line editing",
	}

	for _, phrase := range expectedPhrases {
		if !strings.Contains(output, phrase) {
			t.Errorf("repl help output should contain %q", phrase)
		}
	}
}

func TestCLIVersion(t *testing.T) {
	output, err := executeCommand(rootCmd, "version")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, phrase := range []string{"bare ", "engines:", "goja", "quickjs"} {
		if !strings.Contains(output, phrase) {
			t.Errorf("version output should contain %q, got %q", phrase, output)
		}
	}
}

// =============================================================================
// Running programs
// =============================================================================

func TestCLIRunInline(t *testing.T) {
	output, err := executeCommand(rootCmd, "-c", "console.log('hello', 1 + 1)")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "hello 2") {
		t.Errorf("expected script output, got %q", output)
	}
}

func TestCLIRunFileWithArgs(t *testing.T) {
	path := writeScript(t, "argv.js", "console.log(JSON.stringify(Bare.argv))")

	output, err := executeCommand(rootCmd, "run", path, "a", "--flag")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `["bare","` + path + `","a","--flag"]`
	if !strings.Contains(output, want) {
		t.Errorf("expected argv %s, got %q", want, output)
	}
}

func TestCLIRunStdin(t *testing.T) {
	output, err := executeCommandWithInput(rootCmd, strings.NewReader("console.log('from stdin')"), "run")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "from stdin") {
		t.Errorf("expected stdin script output, got %q", output)
	}
}

func TestCLIRunEmptyInputShowsHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "run")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "Usage:") {
		t.Errorf("expected usage, got %q", output)
	}
}

func TestCLIExitCode(t *testing.T) {
	_, err := executeCommand(rootCmd, "-c", "Bare.exit(3)")
	code, cause := exitCode(t, err)
	if code != 3 {
		t.Errorf("expected exit code 3, got %d", code)
	}
	if cause != nil {
		t.Errorf("expected no error, got %v", cause)
	}
}

func TestCLIExitCodeProperty(t *testing.T) {
	_, err := executeCommand(rootCmd, "-c", "Bare.exitCode = 4")
	if code, _ := exitCode(t, err); code != 4 {
		t.Errorf("expected exit code 4, got %d", code)
	}
}

func TestCLIUncaughtError(t *testing.T) {
	_, err := executeCommand(rootCmd, "-c", "throw new TypeError('boom')")
	code, cause := exitCode(t, err)
	if code != 1 {
		t.Errorf("expected exit code 1, got %d", code)
	}
	if cause == nil || !strings.Contains(cause.Error(), "TypeError: boom") {
		t.Errorf("expected TypeError: boom, got %v", cause)
	}
}

func TestCLIMissingFile(t *testing.T) {
	_, err := executeCommand(rootCmd, filepath.Join(t.TempDir(), "missing.js"))
	if err == nil || !strings.Contains(err.Error(), "failed to read script file") {
		t.Errorf("expected read error, got %v", err)
	}
}

func TestCLIConfigFile(t *testing.T) {
	cfg := writeScript(t, "bare.hcl", `
engine       = "goja"
memory_limit = "256mb"
args         = ["from-config"]
`)

	output, err := executeCommand(rootCmd, "--config", cfg, "-c", "console.log(Bare.argv.join(','))")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "bare,from-config") {
		t.Errorf("expected config args in argv, got %q", output)
	}
}

func TestCLILogLevel(t *testing.T) {
	output, err := executeCommand(rootCmd, "--log-level", "debug", "-c", "1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "running script") {
		t.Errorf("expected debug logs, got %q", output)
	}
}

// =============================================================================
// Settings
// =============================================================================

func TestCLISettingErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown engine", []string{"--engine", "v8", "-c", "1"}, "unknown engine"},
		{"quickjs without module", []string{"--engine", "quickjs", "-c", "1"}, "reactor module"},
		{"bad memory limit", []string{"--memory-limit", "lots", "-c", "1"}, "--memory-limit"},
		{"bad log level", []string{"--log-level", "loud", "-c", "1"}, "invalid log level"},
		{"missing config", []string{"--config", "/nonexistent/bare.hcl", "-c", "1"}, "read config"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := executeCommand(rootCmd, tc.args...)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestCLIMemoryPages(t *testing.T) {
	tests := []struct {
		limit uint64
		want  uint32
	}{
		{0, 0},
		{1, 1},
		{64 << 10, 1},
		{64<<10 + 1, 2},
		{1 << 30, 16384},
		{1 << 40, 0},
	}

	for _, tc := range tests {
		if got := memoryPages(tc.limit); got != tc.want {
			t.Errorf("memoryPages(%d) = %d, want %d", tc.limit, got, tc.want)
		}
	}
}
