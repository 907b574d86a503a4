package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/chzyer/readline"
	"github.com/geccolang/gecco/vm"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	easy "github.com/t-tomalak/logrus-easy-formatter"
)

func App() (app *cobra.Command) {
	app = &cobra.Command{
		Use:   "gecco [script]",
		Short: "Run or REPL the Gecco bytecode compiler/VM",
		Args:  cobra.MaximumNArgs(1),
	}

	app.Flags().SortFlags = true
	defaultVerbosityStr := "INFO"
	verbosity := app.Flags().StringP("verbosity", "v", defaultVerbosityStr, "logging verbosity")
	runPath := app.Flags().String("run", "", "path to a script to execute (alternative to a positional argument)")

	app.RunE = func(_ *cobra.Command, args []string) error {
		verbosityLvl, err := logrus.ParseLevel(*verbosity)
		if err != nil {
			verbosityLvl, _ = logrus.ParseLevel(defaultVerbosityStr)
		}
		logrus.SetLevel(verbosityLvl)
		logrus.SetFormatter(&easy.Formatter{LogFormat: "//DBG// %msg%\n"})

		path := *runPath
		if path == "" && len(args) > 0 {
			path = args[0]
		}
		if path != "" {
			return runFile(path)
		}
		return repl()
	}
	return
}

// runFile compiles and runs one script, non-interactively: a compile or
// runtime error is fatal, matching clox's `runFile` exit-status contract.
func runFile(path string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	vm_ := vm.NewVM()
	vm_.SetImporter(vm.FileImporter{Root: filepath.Dir(path)})
	if _, err := vm_.Interpret(string(src), false); err != nil {
		return err
	}
	return nil
}

// repl is a read-eval-print loop over stdin: each line is compiled and
// run on its own, with the VM's dual-compile-fallback letting a bare
// expression echo its value.
func repl() error {
	rl, err := readline.New(">> ")
	if err != nil {
		return err
	}
	defer rl.Close()

	vm_ := vm.NewVM()
	for {
		line, err := rl.Readline()
		if errors.Is(err, io.EOF) || errors.Is(err, readline.ErrInterrupt) {
			return nil
		}
		if err != nil {
			return err
		}
		if line == "" {
			continue
		}

		val, err := vm_.Interpret(line, true)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			continue
		}
		fmt.Println(val)
	}
}
