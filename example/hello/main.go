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
	"context"
	"fmt"

	"github.com/ziggy42/kestrel/internal/opcode"
	wb "github.com/ziggy42/kestrel/internal/wasmbuild"
	"github.com/ziggy42/kestrel/kestrel"
)

func main() {
	// 1. Assemble a module exporting add(i32, i32) i32
	b := wb.New()
	add := b.Func(wb.Types(wb.I32, wb.I32), wb.Types(wb.I32), nil,
		wb.LocalGet(0), wb.LocalGet(1), wb.Op(opcode.I32Add))
	b.Export("add", add)

	// 2. Instantiate the module
	runtime := kestrel.NewRuntime()
	defer runtime.Close()
	instance, err := runtime.InstantiateModule("hello", b.Bytes())
	if err != nil {
		fmt.Println("Error instantiating module:", err)
		return
	}

	// 3. Invoke an exported function
	result, err := instance.CallWithReturn(
		context.Background(), "add", kestrel.Int32(5), kestrel.Int32(37),
	)
	if err != nil {
		fmt.Println("Error invoking function:", err)
		return
	}

	fmt.Println(result.Int32()) // Output: 42
}
