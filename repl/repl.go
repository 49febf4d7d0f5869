// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package repl implements the interactive kestrel shell.
package repl

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"syscall"

	"github.com/ava-labs/avalanchego/database/memdb"
	"golang.org/x/term"

	"github.com/ziggy42/kestrel/hostenv"
	"github.com/ziggy42/kestrel/kestrel"
)

const (
	prompt            = ">> "
	defaultModuleName = "default"
	clearScreen       = "\033[H\033[2J"
)

var (
	errNoModuleInstantiated = errors.New("no module loaded; use LOAD first")
	errModuleNotFound       = errors.New("module not found")
	errNoMemory             = errors.New("module has no memory")
	errQuit                 = errors.New("quit")
)

// UsageError reports a command called with the wrong arguments.
type UsageError struct{}

func (e *UsageError) Error() string { return "wrong command usage" }

func NewUsageError() error { return &UsageError{} }

type Command struct {
	Usage   string
	Handler func(r *Repl, args []string) error
}

type Repl struct {
	config       kestrel.Config
	runtime      *kestrel.Runtime
	store        *hostenv.Store
	activeModule string
	scanner      *bufio.Scanner
	out          io.Writer
	errOut       io.Writer
	styles       styles
	interactive  bool
	commands     map[string]Command
}

// NewRepl returns a shell reading commands from in. Prompts are printed only
// when interactive is set.
func NewRepl(
	cfg kestrel.Config,
	in io.Reader,
	out, errOut io.Writer,
	interactive bool,
) (*Repl, error) {
	r := &Repl{
		config:      cfg,
		scanner:     bufio.NewScanner(in),
		out:         out,
		errOut:      errOut,
		styles:      newStyles(out),
		interactive: interactive,
		commands: map[string]Command{
			"LOAD": {
				Usage:   "LOAD [<module-name>] <path-to-file | url>",
				Handler: (*Repl).handleInstantiate,
			},
			"USE": {
				Usage:   "USE <module-name>",
				Handler: (*Repl).handleUse,
			},
			"INVOKE": {
				Usage:   "INVOKE <function-name> [args...]",
				Handler: (*Repl).handleInvoke,
			},
			"ALL": {
				Usage:   "ALL",
				Handler: (*Repl).handleAll,
			},
			"APPLY": {
				Usage:   "APPLY <contract-id> [<action-hex>]",
				Handler: (*Repl).handleApply,
			},
			"GET": {
				Usage:   "GET <global-name>",
				Handler: (*Repl).handleGet,
			},
			"MEM": {
				Usage:   "MEM <offset> <length>",
				Handler: (*Repl).handleMem,
			},
			"/list": {
				Usage:   "/list",
				Handler: (*Repl).handleList,
			},
			"/help": {
				Usage:   "/help",
				Handler: (*Repl).handleHelp,
			},
			"/clear": {
				Usage:   "/clear",
				Handler: (*Repl).handleClear,
			},
			"/quit": {
				Usage:   "/quit",
				Handler: (*Repl).handleQuit,
			},
		},
	}
	if err := r.reset(); err != nil {
		return nil, err
	}
	return r, nil
}

// Start runs a shell on the process's standard streams until end of input
// or /quit.
func Start(cfg kestrel.Config) error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		fmt.Println("\nBye!")
		os.Exit(0)
	}()

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	r, err := NewRepl(cfg, os.Stdin, os.Stdout, os.Stderr, interactive)
	if err != nil {
		return err
	}
	defer r.Close()
	return r.Run()
}

// Run processes commands until end of input or /quit.
func (r *Repl) Run() error {
	r.printPrompt()
	for r.scanner.Scan() {
		if err := r.Exec(r.scanner.Text()); errors.Is(err, errQuit) {
			return nil
		}
		r.printPrompt()
	}
	return r.scanner.Err()
}

// Exec runs a single command line and reports its error on the error
// writer. The returned error is the command's, for callers that need it.
func (r *Repl) Exec(line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}
	cmdName, args := parts[0], parts[1:]

	cmd, ok := r.commands[strings.ToUpper(cmdName)]
	if !ok {
		cmd, ok = r.commands[strings.ToLower(cmdName)]
	}
	if !ok {
		err := fmt.Errorf("unknown command: %s", cmdName)
		r.printError(fmt.Sprintf("Error: %s", err))
		return err
	}

	err := cmd.Handler(r, args)
	var usageErr *UsageError
	switch {
	case err == nil, errors.Is(err, errQuit):
	case errors.As(err, &usageErr):
		r.printError(fmt.Sprintf("Usage: %s", cmd.Usage))
	default:
		r.printError(fmt.Sprintf("Error: %s", err))
	}
	return err
}

// Close releases every loaded module.
func (r *Repl) Close() error {
	return r.runtime.Close()
}

func (r *Repl) reset() error {
	if r.runtime != nil {
		if err := r.runtime.Close(); err != nil {
			return err
		}
	}
	rt := kestrel.NewRuntime().WithConfig(r.config)
	if err := hostenv.Register(rt); err != nil {
		return err
	}
	r.runtime = rt
	r.store = hostenv.NewStore(memdb.New())
	r.activeModule = defaultModuleName
	return nil
}

func (r *Repl) printPrompt() {
	if r.interactive {
		fmt.Fprint(r.out, r.styles.dim.Render(prompt))
	}
}

func (r *Repl) printResult(s string) {
	fmt.Fprintln(r.out, r.styles.result.Render(s))
}

func (r *Repl) printError(s string) {
	fmt.Fprintln(r.errOut, r.styles.err.Render(s))
}

func (r *Repl) handleInstantiate(args []string) error {
	var instanceName, source string
	switch len(args) {
	case 1:
		instanceName, source = defaultModuleName, args[0]
	case 2:
		instanceName, source = args[0], args[1]
	default:
		return NewUsageError()
	}

	if _, ok := r.runtime.Instance(instanceName); ok {
		return fmt.Errorf("module instance '%s' already exists", instanceName)
	}

	data, err := ReadModule(source)
	if err != nil {
		return err
	}
	if _, err := r.runtime.InstantiateModule(instanceName, data); err != nil {
		return err
	}
	if len(r.runtime.Instances()) == 1 {
		r.activeModule = instanceName
	}
	fmt.Fprintln(r.out, r.styles.info.Render(fmt.Sprintf("'%s' instantiated.", instanceName)))
	return nil
}

func (r *Repl) handleUse(args []string) error {
	if len(args) != 1 {
		return NewUsageError()
	}
	if _, ok := r.runtime.Instance(args[0]); !ok {
		return errModuleNotFound
	}
	r.activeModule = args[0]
	return nil
}

func (r *Repl) handleInvoke(args []string) error {
	inst, err := r.getActiveModule()
	if err != nil {
		return err
	}
	if len(args) < 1 {
		return NewUsageError()
	}

	results, err := Invoke(context.Background(), inst, args[0], args[1:])
	if err != nil {
		return err
	}
	for _, v := range results {
		r.printResult(v.String())
	}
	return nil
}

func (r *Repl) handleAll(args []string) error {
	inst, err := r.getActiveModule()
	if err != nil {
		return err
	}
	if len(args) != 0 {
		return NewUsageError()
	}
	if err := inst.ExecuteAll(context.Background()); err != nil {
		return err
	}
	r.printResult(fmt.Sprintf("%d functions executed.", len(inst.ExportedFunctions())))
	return nil
}

func (r *Repl) handleApply(args []string) error {
	inst, err := r.getActiveModule()
	if err != nil {
		return err
	}
	if len(args) < 1 || len(args) > 2 {
		return NewUsageError()
	}
	contract, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid contract id: %s", args[0])
	}
	var action []byte
	if len(args) == 2 {
		if action, err = hex.DecodeString(args[1]); err != nil {
			return fmt.Errorf("invalid action data: %w", err)
		}
	}

	result, err := hostenv.Execute(context.Background(), inst, r.store, contract, action)
	if err != nil {
		return err
	}
	for _, call := range result.InlineCalls {
		r.printResult(fmt.Sprintf("inline %d %x", call.Contract, call.Action))
	}
	for _, account := range result.Recipients {
		r.printResult(fmt.Sprintf("notify %d", account))
	}
	return nil
}

func (r *Repl) handleGet(args []string) error {
	inst, err := r.getActiveModule()
	if err != nil {
		return err
	}
	if len(args) != 1 {
		return NewUsageError()
	}

	val, err := inst.Global(args[0])
	if err != nil {
		return err
	}
	r.printResult(val.String())
	return nil
}

func (r *Repl) handleMem(args []string) error {
	inst, err := r.getActiveModule()
	if err != nil {
		return err
	}
	if len(args) != 2 {
		return NewUsageError()
	}

	offset, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid offset: %s", args[0])
	}
	length, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid length: %s", args[1])
	}

	memory := inst.Memory()
	if memory == nil {
		return errNoMemory
	}
	data, err := memory.Read(uint32(offset), uint32(length))
	if err != nil {
		return err
	}
	fmt.Fprintln(r.out, data)
	return nil
}

func (r *Repl) handleList(args []string) error {
	for _, name := range r.runtime.Instances() {
		marker := " "
		if name == r.activeModule {
			marker = "*"
		}
		fmt.Fprintf(r.out, "%s %s\n", marker, name)
		inst, _ := r.runtime.Instance(name)
		for _, export := range inst.ExportedFunctions() {
			fmt.Fprintf(r.out, "    %s\n", export)
		}
	}
	return nil
}

func (r *Repl) handleHelp(args []string) error {
	usages := make([]string, 0, len(r.commands))
	for _, cmd := range r.commands {
		usages = append(usages, cmd.Usage)
	}
	slices.Sort(usages)
	for _, usage := range usages {
		fmt.Fprintln(r.out, usage)
	}
	return nil
}

func (r *Repl) handleClear(args []string) error {
	if r.interactive {
		fmt.Fprint(r.out, clearScreen)
	}
	return r.reset()
}

func (r *Repl) handleQuit(args []string) error {
	return errQuit
}

func (r *Repl) getActiveModule() (*kestrel.Instance, error) {
	if len(r.runtime.Instances()) == 0 {
		return nil, errNoModuleInstantiated
	}
	inst, ok := r.runtime.Instance(r.activeModule)
	if !ok {
		return nil, fmt.Errorf("active module '%s' not found", r.activeModule)
	}
	return inst, nil
}
