// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/nnrt/pkg/core/shapes"
	"github.com/gomlx/nnrt/pkg/core/stypes"
)

var (
	prettyHeaderStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1).Align(lipgloss.Center)
	prettyCellStyle   = lipgloss.NewStyle().Padding(0, 1)
	prettyFaintStyle  = lipgloss.NewStyle().Padding(0, 1).Faint(true)
)

// Pretty renders the graph as a table: one row per node with its operator, inputs and, if already inferred,
// the shape, dtype and storage type of its outputs and its dispatch mode.
func (g *Graph) Pretty() string {
	idx := g.Indexed()
	shapeValues, _ := GetAttr[[]shapes.Shape](g, AttrShape)
	dtypeValues, _ := GetAttr[[]dtypes.DType](g, AttrDType)
	stypeValues, _ := GetAttr[[]stypes.StorageType](g, AttrStorageType)
	modes, _ := GetAttr[[]stypes.DispatchMode](g, AttrDispatchMode)

	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		Headers("#", "Op", "Name", "Inputs", "Outputs", "Dispatch").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row < 0 {
				return prettyHeaderStyle
			}
			if row%2 == 1 {
				return prettyFaintStyle
			}
			return prettyCellStyle
		})
	for nid := range idx.NumNodes() {
		inode := idx.Node(uint32(nid))
		inputs := make([]string, 0, len(inode.Inputs))
		for _, input := range inode.Inputs {
			inputs = append(inputs, input.String())
		}
		var outputs []string
		for ii := range inode.Source.NumOutputs() {
			eid := idx.EntryID(uint32(nid), uint32(ii))
			var parts []string
			if int(eid) < len(shapeValues) {
				parts = append(parts, shapeValues[eid].String())
			}
			if int(eid) < len(dtypeValues) {
				parts = append(parts, dtypeValues[eid].String())
			}
			if int(eid) < len(stypeValues) {
				parts = append(parts, stypeValues[eid].String())
			}
			outputs = append(outputs, strings.Join(parts, " "))
		}
		mode := ""
		if nid < len(modes) {
			mode = modes[nid].String()
		}
		table.Row(fmt.Sprintf("%d", nid), inode.Source.OpName(), inode.Source.Attrs.Name,
			strings.Join(inputs, ", "), strings.Join(outputs, "; "), mode)
	}
	return table.String()
}
