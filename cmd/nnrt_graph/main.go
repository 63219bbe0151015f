// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// nnrt_graph loads a graph saved in JSON, runs shape, dtype and storage type inference on it and reports the
// results.
//
// Input attributes are given in the order of the graph input nodes, e.g.:
//
//	nnrt_graph -shapes="(4,8);(8)" -dtypes=float32,float32 -nodes model.json
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/nnrt/pkg/core/graph"
	"github.com/gomlx/nnrt/pkg/core/infer"
	"github.com/gomlx/nnrt/pkg/core/ops"
	"github.com/gomlx/nnrt/pkg/core/shapes"
	"github.com/gomlx/nnrt/pkg/core/stypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagShapes = flag.String("shapes", "", "Semicolon separated shapes of the graph inputs, e.g. \"(4,8);(8)\". "+
		"Inputs not given are read from their variable attributes, if any.")
	flagDTypes = flag.String("dtypes", "", "Comma separated dtypes of the graph inputs, e.g. \"float32,int64\".")
	flagSTypes = flag.String("stypes", "", "Comma separated storage types of the graph inputs, e.g. \"default,csr\".")

	flagSummary = flag.Bool("summary", true, "Display a summary of the graph and of the inference results.")
	flagNodes   = flag.Bool("nodes", false, "Lists the nodes with their inferred attributes.")
	flagOps     = flag.Bool("ops", false, "Lists the registered operators.")
	flagVerbose = flag.Bool("verbose_stype", false, "Logs the storage types and dispatch modes inferred.")
	flagStrict  = flag.Bool("strict", false, "Fail if any attribute is left unknown.")
)

// options of a report, usually taken from the flags.
type options struct {
	shapes, dtypes, stypes string
	summary, nodes         bool
	verbose, strict        bool
}

func optionsFromFlags() options {
	return options{
		shapes: *flagShapes, dtypes: *flagDTypes, stypes: *flagSTypes,
		summary: *flagSummary, nodes: *flagNodes,
		verbose: *flagVerbose, strict: *flagStrict,
	}
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *flagOps {
		listOps(os.Stdout)
	}
	args := flag.Args()
	switch {
	case len(args) == 0 && *flagOps:
		return
	case len(args) == 0:
		klog.Errorf("Missing graph JSON file to read from. See 'nnrt_graph -help'")
		os.Exit(1)
	case len(args) > 1:
		klog.Errorf("Too many arguments. See 'nnrt_graph -help'.")
		os.Exit(1)
	}
	if err := report(os.Stdout, args[0], optionsFromFlags()); err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
}

var (
	sectionStyle = lipgloss.NewStyle().Bold(true).Underline(true).MarginTop(1)
	headerStyle  = lipgloss.NewStyle().Bold(true).Padding(0, 1).Foreground(lipgloss.Color("12"))
	keyStyle     = lipgloss.NewStyle().Padding(0, 1).Faint(true)
	valueStyle   = lipgloss.NewStyle().Padding(0, 1)
	unknownStyle = lipgloss.NewStyle().Padding(0, 1).Foreground(lipgloss.Color("9"))
)

// newTable creates a borderless table with the given headers, if any. The first column is rendered as keys.
func newTable(headers ...string) *lgtable.Table {
	t := lgtable.New().
		Border(lipgloss.HiddenBorder()).
		BorderHeader(true).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row < 0:
				return headerStyle
			case col == 0:
				return keyStyle
			}
			return valueStyle
		})
	if len(headers) > 0 {
		t.Headers(headers...)
	}
	return t
}

// unknownCell marks the text of a cell holding an attribute that was not inferred.
func unknownCell(known bool, text string) string {
	if known {
		return text
	}
	return unknownStyle.Render(text)
}

func section(w io.Writer, title string, body fmt.Stringer) {
	fmt.Fprintln(w, sectionStyle.Render(title))
	fmt.Fprintln(w, body.String())
}

func listOps(w io.Writer) {
	capability := func(has bool) string {
		if has {
			return "✓"
		}
		return ""
	}
	table := newTable("Operator", "Shape", "DType", "Storage", "Gradient", "Backward")
	for _, name := range ops.Registered() {
		op := ops.MustGet(name)
		table.Row(name, capability(op.InferShape != nil), capability(op.InferType != nil),
			capability(op.InferStorageType != nil), capability(op.Gradient != nil), capability(op.IsBackward))
	}
	section(w, "Registered operators", table)
}

// inferred holds the results of the three inference passes.
type inferred struct {
	shapes *infer.Result[shapes.Shape]
	dtypes *infer.Result[dtypes.DType]
	stypes *infer.Result[stypes.StorageType]
}

// report loads the graph in graphPath, infers its attributes and writes the requested tables to w. With
// opts.strict, attributes left unknown are an error.
func report(w io.Writer, graphPath string, opts options) error {
	data, err := os.ReadFile(graphPath)
	if err != nil {
		return errors.Wrapf(err, "reading graph from %q", graphPath)
	}
	g, err := graph.LoadJSON(data, ops.Lookup)
	if err != nil {
		return errors.WithMessagef(err, "loading graph from %q", graphPath)
	}
	res, err := inferGraph(g, opts)
	if err != nil {
		return err
	}
	if opts.summary {
		writeSummary(w, graphPath, g, res)
	}
	if opts.nodes {
		fmt.Fprintln(w, sectionStyle.Render("Nodes"))
		fmt.Fprintln(w, g.Pretty())
	}
	if opts.strict {
		for _, check := range []func() error{res.shapes.CheckComplete, res.dtypes.CheckComplete, res.stypes.CheckComplete} {
			if err := check(); err != nil {
				return errors.WithMessagef(err, "graph %q", graphPath)
			}
		}
	}
	return nil
}

func inferGraph(g *graph.Graph, opts options) (res inferred, err error) {
	inShapes, err := parseList(opts.shapes, ";", shapes.Unknown(), shapes.Parse)
	if err != nil {
		return res, errors.WithMessage(err, "-shapes")
	}
	inDTypes, err := parseList(opts.dtypes, ",", dtypes.InvalidDType, infer.ParseDType)
	if err != nil {
		return res, errors.WithMessage(err, "-dtypes")
	}
	inSTypes, err := parseList(opts.stypes, ",", stypes.StorageUndefined, stypes.ParseStorageType)
	if err != nil {
		return res, errors.WithMessage(err, "-stypes")
	}
	if res.shapes, err = infer.InferShape(g, inShapes, infer.VarShapeKey); err != nil {
		return res, err
	}
	if res.dtypes, err = infer.InferType(g, inDTypes, infer.VarDTypeKey); err != nil {
		return res, err
	}
	devMasks := make([]int, g.Indexed().NumNodes())
	for ii := range devMasks {
		devMasks[ii] = stypes.CPUDevice().DevMask()
	}
	res.stypes, err = infer.InferStorageType(g, inSTypes, infer.VarStorageTypeKey,
		infer.WithDevMasks(devMasks), infer.WithVerbose(opts.verbose))
	return res, err
}

// parseList splits the flag value and parses each part: empty parts are left as unknown.
func parseList[T any](value, sep string, unknown T, parse func(string) (T, error)) ([]T, error) {
	if value == "" {
		return nil, nil
	}
	parts := strings.Split(value, sep)
	values := make([]T, len(parts))
	for ii, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			values[ii] = unknown
			continue
		}
		v, err := parse(part)
		if err != nil {
			return nil, errors.WithMessagef(err, "input #%d", ii)
		}
		values[ii] = v
	}
	return values, nil
}

func writeSummary(w io.Writer, graphPath string, g *graph.Graph, res inferred) {
	idx := g.Indexed()
	count := func(n int) string { return humanize.Comma(int64(n)) }
	unknowns := func(numUnknown, sweeps int) string {
		return unknownCell(numUnknown == 0, fmt.Sprintf("%s unknown after %d sweeps", count(numUnknown), sweeps))
	}

	var activationBytes uint64
	for eid, shape := range res.shapes.Values {
		if dtype := res.dtypes.Values[eid]; shape.IsFullyKnown() && dtype != dtypes.InvalidDType {
			activationBytes += uint64(shape.Size()) * uint64(dtype.Memory())
		}
	}
	summary := newTable().
		Row("graph", graphPath).
		Row("nodes / entries", count(idx.NumNodes())+" / "+count(idx.NumNodeEntries())).
		Row("inputs / outputs", count(len(idx.InputNodes()))+" / "+count(len(idx.Outputs()))).
		Row("shapes", unknowns(res.shapes.NumUnknown, res.shapes.Sweeps)).
		Row("dtypes", unknowns(res.dtypes.NumUnknown, res.dtypes.Sweeps)).
		Row("storage types", unknowns(res.stypes.NumUnknown, res.stypes.Sweeps)).
		Row("known activations", humanize.Bytes(activationBytes))
	section(w, "Summary", summary)

	outputs := newTable("Output", "Node", "Shape", "DType", "Storage")
	for ii, out := range idx.Outputs() {
		eid := idx.IndexedEntryID(out)
		shape, dtype, stype := res.shapes.Values[eid], res.dtypes.Values[eid], res.stypes.Values[eid]
		outputs.Row(fmt.Sprintf("#%d", ii), idx.Node(out.NodeID).Source.Attrs.Name,
			unknownCell(shape.IsFullyKnown(), shape.String()),
			unknownCell(dtype != dtypes.InvalidDType, dtype.String()),
			unknownCell(stype != stypes.StorageUndefined, stype.String()))
	}
	section(w, "Outputs", outputs)
}
