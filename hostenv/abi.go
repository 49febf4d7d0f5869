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

package hostenv

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ziggy42/kestrel/kestrel"
)

// ModuleName is the import module contracts link against.
const ModuleName = "env"

var (
	// ErrNoHost is returned by an env import called outside of Execute or a
	// context prepared with WithHost.
	ErrNoHost = errors.New("hostenv: no host in context")
	// ErrNoMemory is returned when a contract without memory passes a
	// pointer to the host.
	ErrNoMemory = errors.New("hostenv: instance has no memory")
	// ErrAssertionFailed is returned by assert when its condition is zero.
	ErrAssertionFailed = errors.New("hostenv: assertion failed")
)

func signature(params, results []kestrel.ValueType) kestrel.FunctionType {
	return kestrel.FunctionType{ParamTypes: params, ResultTypes: results}
}

var (
	i32  = kestrel.I32
	i64  = kestrel.I64
	none []kestrel.ValueType
)

// Register makes the env imports available to every module rt instantiates
// afterwards.
func Register(rt *kestrel.Runtime) error {
	return rt.NewHostModuleBuilder(ModuleName).
		AddHostFunc("get_data",
			signature([]kestrel.ValueType{i32, i32, i32, i32}, []kestrel.ValueType{i32}),
			getData).
		AddHostFunc("set_data",
			signature([]kestrel.ValueType{i32, i32, i32, i32}, []kestrel.ValueType{i32}),
			setData).
		AddHostFunc("erase_data",
			signature([]kestrel.ValueType{i32, i32}, []kestrel.ValueType{i32}),
			eraseData).
		AddHostFunc("require_recipient",
			signature([]kestrel.ValueType{i64}, none),
			requireRecipient).
		AddHostFunc("action_data_size",
			signature(none, []kestrel.ValueType{i32}),
			actionDataSize).
		AddHostFunc("read_action_data",
			signature([]kestrel.ValueType{i32, i32}, []kestrel.ValueType{i32}),
			readActionData).
		AddHostFunc("send_inline",
			signature([]kestrel.ValueType{i32, i32}, none),
			sendInline).
		AddHostFunc("prints",
			signature([]kestrel.ValueType{i32, i32}, none),
			prints).
		AddHostFunc("assert",
			signature([]kestrel.ValueType{i32, i32, i32}, none),
			assertCond).
		Register()
}

func hostOf(call *kestrel.HostCall) (Host, error) {
	h, ok := HostFromContext(call.Context())
	if !ok {
		return nil, ErrNoHost
	}
	return h, nil
}

func memoryOf(call *kestrel.HostCall) (*kestrel.Memory, error) {
	mem := call.Memory()
	if mem == nil {
		return nil, ErrNoMemory
	}
	return mem, nil
}

// readGuest copies length bytes at ptr out of guest memory.
func readGuest(call *kestrel.HostCall, ptr, length kestrel.Value) ([]byte, error) {
	mem, err := memoryOf(call)
	if err != nil {
		return nil, err
	}
	data, err := mem.Read(uint32(ptr.Int32()), uint32(length.Int32()))
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), data...), nil
}

func boolResult(b bool) []kestrel.Value {
	if b {
		return []kestrel.Value{kestrel.Int32(1)}
	}
	return []kestrel.Value{kestrel.Int32(0)}
}

// getData copies at most vcap bytes of the value into guest memory and
// returns the full value length, or -1 when the key is absent.
func getData(call *kestrel.HostCall, args []kestrel.Value) ([]kestrel.Value, error) {
	h, err := hostOf(call)
	if err != nil {
		return nil, err
	}
	key, err := readGuest(call, args[0], args[1])
	if err != nil {
		return nil, err
	}
	value, ok, err := h.GetData(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []kestrel.Value{kestrel.Int32(-1)}, nil
	}
	n := min(uint32(len(value)), uint32(args[3].Int32()))
	if n > 0 {
		mem, err := memoryOf(call)
		if err != nil {
			return nil, err
		}
		if err := mem.Write(uint32(args[2].Int32()), value[:n]); err != nil {
			return nil, err
		}
	}
	return []kestrel.Value{kestrel.Int32(int32(len(value)))}, nil
}

func setData(call *kestrel.HostCall, args []kestrel.Value) ([]kestrel.Value, error) {
	h, err := hostOf(call)
	if err != nil {
		return nil, err
	}
	key, err := readGuest(call, args[0], args[1])
	if err != nil {
		return nil, err
	}
	value, err := readGuest(call, args[2], args[3])
	if err != nil {
		return nil, err
	}
	created, err := h.SetData(key, value)
	if err != nil {
		return nil, err
	}
	return boolResult(created), nil
}

func eraseData(call *kestrel.HostCall, args []kestrel.Value) ([]kestrel.Value, error) {
	h, err := hostOf(call)
	if err != nil {
		return nil, err
	}
	key, err := readGuest(call, args[0], args[1])
	if err != nil {
		return nil, err
	}
	erased, err := h.EraseData(key)
	if err != nil {
		return nil, err
	}
	return boolResult(erased), nil
}

func requireRecipient(call *kestrel.HostCall, args []kestrel.Value) ([]kestrel.Value, error) {
	h, err := hostOf(call)
	if err != nil {
		return nil, err
	}
	h.RequireRecipient(uint64(args[0].Int64()))
	return nil, nil
}

func actionDataSize(call *kestrel.HostCall, _ []kestrel.Value) ([]kestrel.Value, error) {
	h, err := hostOf(call)
	if err != nil {
		return nil, err
	}
	return []kestrel.Value{kestrel.Int32(int32(len(h.ActionData())))}, nil
}

// readActionData copies up to len bytes of the action into guest memory and
// returns how many it copied.
func readActionData(call *kestrel.HostCall, args []kestrel.Value) ([]kestrel.Value, error) {
	h, err := hostOf(call)
	if err != nil {
		return nil, err
	}
	data := h.ActionData()
	n := min(uint32(len(data)), uint32(args[1].Int32()))
	if n > 0 {
		mem, err := memoryOf(call)
		if err != nil {
			return nil, err
		}
		if err := mem.Write(uint32(args[0].Int32()), data[:n]); err != nil {
			return nil, err
		}
	}
	return []kestrel.Value{kestrel.Int32(int32(n))}, nil
}

func sendInline(call *kestrel.HostCall, args []kestrel.Value) ([]kestrel.Value, error) {
	h, err := hostOf(call)
	if err != nil {
		return nil, err
	}
	data, err := readGuest(call, args[0], args[1])
	if err != nil {
		return nil, err
	}
	inline, err := UnmarshalInlineCall(data)
	if err != nil {
		return nil, err
	}
	return nil, h.ExecuteInline(inline)
}

func prints(call *kestrel.HostCall, args []kestrel.Value) ([]kestrel.Value, error) {
	text, err := readGuest(call, args[0], args[1])
	if err != nil {
		return nil, err
	}
	kestrel.Logger().Info("contract print",
		zap.String("instance", call.Instance().Name()),
		zap.ByteString("text", text),
	)
	return nil, nil
}

func assertCond(call *kestrel.HostCall, args []kestrel.Value) ([]kestrel.Value, error) {
	if args[0].Int32() != 0 {
		return nil, nil
	}
	msg, err := readGuest(call, args[1], args[2])
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s", ErrAssertionFailed, msg)
}
