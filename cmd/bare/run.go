package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/caffeineduck/barego/bare"
)

var runCmd = &cobra.Command{
	Use:   "run [file] [args...]",
	Short: "Run a program (the default command)",
	Long: `Run a JavaScript program through setup, load, run and teardown.

Code can be provided via:
  - File argument: bare run script.js arg1 arg2
  - Inline flag: bare run -c 'console.log(Bare.argv)'
  - Stdin: echo 'Bare.exit(3)' | bare run

Arguments after the file are passed to the program as Bare.argv.`,
	Args:          cobra.ArbitraryArgs,
	RunE:          runRun,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	addRunFlags(runCmd)
	runCmd.Flags().SetInterspersed(false)
	rootCmd.AddCommand(runCmd)
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("code", "c", "", "Code to execute")
}

// readScript picks the program source from -c, a file argument or
// stdin. It returns the filename and the remaining program arguments.
func readScript(cmd *cobra.Command, args []string) (source []byte, filename string, rest []string, err error) {
	code, _ := cmd.Flags().GetString("code")

	switch {
	case code != "":
		return []byte(code), "[eval]", args, nil
	case len(args) > 0:
		data, err := os.ReadFile(args[0])
		if err != nil {
			return nil, "", nil, fmt.Errorf("failed to read script file: %w", err)
		}
		return data, args[0], args, nil
	default:
		in := cmd.InOrStdin()
		if f, ok := in.(*os.File); ok {
			if stat, err := f.Stat(); err == nil && stat.Mode()&os.ModeCharDevice != 0 {
				return nil, "", nil, nil
			}
		}
		data, err := io.ReadAll(in)
		if err != nil {
			return nil, "", nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		if len(data) == 0 {
			return nil, "", nil, nil
		}
		return data, "[stdin]", nil, nil
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	source, filename, rest, err := readScript(cmd, args)
	if err != nil {
		return err
	}
	if source == nil {
		return cmd.Help()
	}

	s, rc, logger, err := prepare(cmd)
	if err != nil {
		return err
	}

	argv := append([]string{bare.DefaultProgramName}, rest...)
	argv = append(argv, s.args...)

	logger.Info("running script", zap.String("file", filename), zap.Strings("argv", argv))
	code, err := bare.Execute(rc, bare.Script{
		Source:   source,
		Filename: filename,
		Args:     argv,
		Options:  s.options(),
	})
	if err != nil {
		logger.Error("script failed", zap.Error(err))
		return &exitError{code: code, err: err}
	}
	logger.Info("script completed", zap.Int("exit_code", code))
	if code != 0 {
		return &exitError{code: code}
	}
	return nil
}
