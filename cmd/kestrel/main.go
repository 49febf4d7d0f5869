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

// Command kestrel runs WebAssembly modules. Without a module it starts an
// interactive shell.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/ziggy42/kestrel/hostenv"
	"github.com/ziggy42/kestrel/kestrel"
	"github.com/ziggy42/kestrel/repl"
)

const mainInstanceName = "main"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if !errors.Is(err, pflag.ErrHelp) {
			fmt.Fprintln(os.Stderr, err)
		}
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	opts, err := parseOptions(args)
	if err != nil {
		return err
	}
	logger, err := newLogger(opts.logLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	kestrel.SetLogger(logger)

	if len(opts.args) == 0 {
		return repl.Start(opts.config)
	}
	return runModule(ctx, opts, out)
}

func runModule(ctx context.Context, opts *options, out io.Writer) error {
	data, err := repl.ReadModule(opts.args[0])
	if err != nil {
		return err
	}

	rt := kestrel.NewRuntime().WithConfig(opts.config)
	defer rt.Close()
	if err := hostenv.Register(rt); err != nil {
		return err
	}
	inst, err := rt.InstantiateModule(mainInstanceName, data)
	if err != nil {
		return err
	}

	if opts.all {
		return inst.ExecuteAll(ctx)
	}
	if len(opts.args) == 1 {
		return nil
	}
	results, err := repl.Invoke(ctx, inst, opts.args[1], opts.args[2:])
	if err != nil {
		return err
	}
	for _, v := range results {
		fmt.Fprintln(out, v)
	}
	return nil
}
