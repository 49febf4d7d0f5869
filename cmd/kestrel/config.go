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

package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ziggy42/kestrel/kestrel"
)

const (
	configKey       = "config"
	maxCallDepthKey = "max-call-depth"
	operandStackKey = "operand-stack"
	maxPagesKey     = "max-pages"
	timeoutKey      = "timeout"
	logLevelKey     = "log-level"
	allKey          = "all"
)

type options struct {
	config   kestrel.Config
	logLevel string
	all      bool
	args     []string
}

func buildFlagSet() *pflag.FlagSet {
	d := kestrel.DefaultConfig()
	fs := pflag.NewFlagSet("kestrel", pflag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: kestrel [flags] [<module.wasm> [export] [args...]]")
		fs.PrintDefaults()
	}

	fs.String(configKey, "", "TOML file with default values for the flags below")
	fs.Int(maxCallDepthKey, d.MaxCallStackDepth, "maximum call stack depth")
	fs.Int(operandStackKey, d.OperandStackSize, "operand stack size, in slots")
	fs.Uint32(maxPagesKey, d.MaxMemoryPages, "ceiling on linear memory pages")
	fs.Duration(timeoutKey, 0, "wall clock limit per call (0 disables it)")
	fs.String(logLevelKey, "warn", "log level: debug, info, warn or error")
	fs.Bool(allKey, false, "call every exported function with zero arguments")
	fs.SetInterspersed(false)
	return fs
}

// parseOptions resolves flags over the optional config file over defaults.
func parseOptions(args []string) (*options, error) {
	fs := buildFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}
	if path := v.GetString(configKey); path != "" {
		values, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}
		if err := v.MergeConfigMap(values); err != nil {
			return nil, err
		}
	}

	timeout := v.GetDuration(timeoutKey)
	if timeout < 0 {
		return nil, fmt.Errorf("negative timeout %s", timeout)
	}
	return &options{
		config: kestrel.Config{
			MaxCallStackDepth: v.GetInt(maxCallDepthKey),
			OperandStackSize:  v.GetInt(operandStackKey),
			MaxMemoryPages:    v.GetUint32(maxPagesKey),
			MaxArenaBytes:     kestrel.DefaultConfig().MaxArenaBytes,
			ExecutionTimeout:  timeout,
		},
		logLevel: v.GetString(logLevelKey),
		all:      v.GetBool(allKey),
		args:     fs.Args(),
	}, nil
}

func readConfigFile(path string) (map[string]any, error) {
	values := make(map[string]any)
	if _, err := toml.DecodeFile(path, &values); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return values, nil
}

// newLogger builds a development logger for debug output and a production
// one otherwise.
func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	if lvl.Level() == zap.DebugLevel {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = lvl
	cfg.DisableStacktrace = true
	return cfg.Build()
}
