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
	"io"

	"github.com/charmbracelet/lipgloss"
)

type styles struct {
	result lipgloss.Style
	info   lipgloss.Style
	err    lipgloss.Style
	dim    lipgloss.Style
}

// newStyles picks colors for w. Writers that are not terminals get plain
// text.
func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		result: r.NewStyle().Foreground(lipgloss.Color("#90EE90")),
		info:   r.NewStyle().Foreground(lipgloss.Color("#87CEEB")),
		err:    r.NewStyle().Foreground(lipgloss.Color("#FF6B6B")),
		dim:    r.NewStyle().Foreground(lipgloss.Color("#666666")),
	}
}
