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

package repl

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/ziggy42/kestrel/kestrel"
)

// ReadModule returns the bytes of a module given as a file path, a file://
// URL or an http(s) URL.
func ReadModule(source string) ([]byte, error) {
	r, err := resolveModule(source)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func resolveModule(source string) (io.ReadCloser, error) {
	u, err := url.Parse(source)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "http", "https":
		return resolveHTTP(u)
	case "file":
		return os.Open(u.Path)
	default:
		return os.Open(source)
	}
}

func resolveHTTP(u *url.URL) (io.ReadCloser, error) {
	response, err := http.Get(u.String())
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		response.Body.Close()
		return nil, fmt.Errorf("unexpected http status: %s", response.Status)
	}
	return response.Body, nil
}

// ParseArgs converts decimal literals to the parameter types of ft.
func ParseArgs(ft kestrel.FunctionType, raw []string) ([]kestrel.Value, error) {
	if len(raw) != len(ft.ParamTypes) {
		return nil, fmt.Errorf(
			"args mismatch: expected %d, got %d", len(ft.ParamTypes), len(raw),
		)
	}
	args := make([]kestrel.Value, len(raw))
	for i, t := range ft.ParamTypes {
		v, err := kestrel.ParseValue(raw[i], t)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return args, nil
}

// Invoke calls the export name of inst, parsing its arguments from raw.
func Invoke(
	ctx context.Context,
	inst *kestrel.Instance,
	name string,
	raw []string,
) ([]kestrel.Value, error) {
	_, ft, err := inst.Module().ExportedFunction(name)
	if err != nil {
		return nil, err
	}
	args, err := ParseArgs(ft, raw)
	if err != nil {
		return nil, err
	}
	return inst.Invoke(ctx, name, args...)
}
