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

package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Error is the structured fault type returned by every kestrel component.
type Error struct {
	Code   Code
	Detail string
	Cause  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteByte('[')
	b.WriteString(e.Code.Category().String())
	b.WriteString("] ")
	b.WriteString(e.Code.String())
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a fault with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// New creates a fault with a formatted detail message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Wrap creates a fault that records cause as its origin.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...), Cause: cause}
}

// CodeOf returns the code of the outermost fault in err's chain.
func CodeOf(err error) (Code, bool) {
	var f *Error
	if errors.As(err, &f) {
		return f.Code, true
	}
	return 0, false
}

// Sentinels for errors.Is comparisons.
var (
	ErrInvalidMagicNumber    = &Error{Code: InvalidMagicNumber}
	ErrInvalidVersion        = &Error{Code: InvalidVersion}
	ErrInvalidSectionID      = &Error{Code: InvalidSectionID}
	ErrGeneralParsingFailure = &Error{Code: GeneralParsingFailure}

	ErrAllocationFailure  = &Error{Code: AllocationFailure}
	ErrDoubleFree         = &Error{Code: DoubleFree}
	ErrOutOfBounds        = &Error{Code: OutOfBounds}
	ErrMemoryAccessBounds = &Error{Code: MemoryAccessBounds}

	ErrUnreachable              = &Error{Code: Unreachable}
	ErrCallStackExhausted       = &Error{Code: CallStackExhausted}
	ErrOperandStackOverflow     = &Error{Code: OperandStackOverflow}
	ErrIndirectCallTypeMismatch = &Error{Code: IndirectCallTypeMismatch}
	ErrUnresolvedImport         = &Error{Code: UnresolvedImport}
	ErrDivideByZero             = &Error{Code: DivideByZero}
	ErrIntegerOverflow          = &Error{Code: IntegerOverflow}
	ErrInvalidConversion        = &Error{Code: InvalidConversion}
	ErrUndefinedElement         = &Error{Code: UndefinedElement}
	ErrUninitializedElement     = &Error{Code: UninitializedElement}
	ErrImmutableGlobal          = &Error{Code: ImmutableGlobal}
	ErrCancelled                = &Error{Code: Cancelled}
	ErrExportNotFound           = &Error{Code: ExportNotFound}
	ErrArgumentMismatch         = &Error{Code: ArgumentMismatch}

	ErrConstructorFailure = &Error{Code: ConstructorFailure}
	ErrUnimplemented      = &Error{Code: Unimplemented}

	ErrLinkFailure         = &Error{Code: LinkFailure}
	ErrHostFunctionFailure = &Error{Code: HostFunctionFailure}
	ErrInstantiationFailed = &Error{Code: InstantiationFailed}
)
