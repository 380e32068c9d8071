package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/caffeineduck/barego/bare"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Interactive REPL, one program per input",
	Long: `Start an interactive REPL (Read-Eval-Print Loop) session.

Each input runs as its own program through a full lifecycle on the shared
runtime context, so globals do not carry over between inputs. Non-zero
exit codes and uncaught errors are reported after each input.

Features:
  - Command history (up/down arrows)
  - Line editing (left/right, backspace, delete)
  - History search (Ctrl+R)
  - Multi-line input (end line with \)

Type 'exit' or 'quit' to end the session, or press Ctrl+D.`,
	RunE:          runRepl,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	replCmd.Flags().String("history", "", "History file path (default: ~/.bare_history)")
	rootCmd.AddCommand(replCmd)
}

func runRepl(cmd *cobra.Command, args []string) error {
	historyFile, _ := cmd.Flags().GetString("history")
	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".bare_history")
	}

	s, rc, _, err := prepare(cmd)
	if err != nil {
		return err
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            ">>> ",
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
		Stdin:             io.NopCloser(cmd.InOrStdin()),
		Stdout:            cmd.OutOrStdout(),
		Stderr:            cmd.ErrOrStderr(),
	})
	if err != nil {
		return fmt.Errorf("initializing readline: %w", err)
	}
	defer rl.Close()

	stderr := cmd.ErrOrStderr()
	fmt.Fprintf(stderr, "bare %s REPL (type 'exit' to quit, Ctrl+D to exit)\n", rc.Provider().Name())

	var multiLine strings.Builder
	inMultiLine := false

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				if inMultiLine {
					multiLine.Reset()
					inMultiLine = false
					rl.SetPrompt(">>> ")
				}
				continue
			}
			if err == io.EOF {
				fmt.Fprintln(cmd.OutOrStdout())
				break
			}
			return fmt.Errorf("reading input: %w", err)
		}

		if strings.HasSuffix(line, "\\") {
			multiLine.WriteString(strings.TrimSuffix(line, "\\"))
			multiLine.WriteString("\n")
			inMultiLine = true
			rl.SetPrompt("... ")
			continue
		}

		if inMultiLine {
			multiLine.WriteString(line)
			line = multiLine.String()
			multiLine.Reset()
			inMultiLine = false
			rl.SetPrompt(">>> ")
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}

		code, err := bare.Execute(rc, bare.Script{
			Source:   []byte(line),
			Filename: "[repl]",
			Args:     append([]string{bare.DefaultProgramName}, s.args...),
			Options:  s.options(),
		})
		switch {
		case err != nil:
			fmt.Fprintf(stderr, "Error: %v\n", err)
		case code != 0:
			fmt.Fprintf(stderr, "exit code %d\n", code)
		}
	}
	return nil
}
