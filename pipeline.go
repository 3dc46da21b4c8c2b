// Copyright 2023 the Tomoflow authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package tomoflow

import (
	"fmt"
	"io"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Reserved parameter names. data_in and data_out bind formal data
// roles to data-buffer names rather than scalar arguments; name binds
// a loader's output buffer; preview restricts the loaded extent
// before partitioning.
const (
	ParamDataIn  = "data_in"
	ParamDataOut = "data_out"
	ParamName    = "name"
	ParamPreview = "preview"
)

// A StepDecl is one raw step declaration from the pipeline document:
// a module path, a method name, and the declared parameter mapping.
// Declarations are resolved against a capability registry to produce
// StepSpecs.
type StepDecl struct {
	// Module is the declared module path, e.g. "prep.normalize"'s
	// module is "prep".
	Module string
	// Method is the declared method name within the module.
	Method string
	// Params maps parameter names to their declared values. Reserved
	// names (data_in, data_out, name) appear here with string or
	// string-list values.
	Params map[string]Value
	// Preview restricts the loaded extent per dimension. It is
	// meaningful only on loader declarations.
	Preview []PreviewDim
	// Line is the document line of the declaration, for error
	// reporting.
	Line int
}

// A Document is an ordered sequence of step declarations.
type Document []StepDecl

// A PreviewDim restricts one dimension of the loaded dataset to the
// sub-range [Start, Stop) with the given step. Stop < 0 means the
// full extent; Step 0 is normalized to 1.
type PreviewDim struct {
	Start, Stop, Step int
}

// Full is the PreviewDim that leaves a dimension unrestricted.
var Full = PreviewDim{Start: 0, Stop: -1, Step: 1}

// Apply returns the restricted [start, stop) range and step for a
// dimension of the provided extent.
func (p PreviewDim) Apply(extent int) (start, stop, step int) {
	start, stop, step = p.Start, p.Stop, p.Step
	if stop < 0 || stop > extent {
		stop = extent
	}
	if start < 0 {
		start = 0
	}
	if start > stop {
		start = stop
	}
	if step <= 0 {
		step = 1
	}
	return
}

// ParseDocument parses a pipeline document from r. The document is a
// YAML sequence in which each element is a single-key mapping from a
// module path to a single-key mapping from a method name to the
// method's parameters:
//
//	- loaders:
//	    standard_tomo:
//	      name: tomo
//	      preview: [null, {start: 30, stop: 60}, null]
//	- prep:
//	    normalize:
//	      data_in: tomo
//	      data_out: tomo
//	      cutoff: 10.0
//
// Any numeric parameter may instead be a sweep marker, a mapping with
// exactly the keys start, stop, and step.
func ParseDocument(r io.Reader) (Document, error) {
	var root yaml.Node
	if err := yaml.NewDecoder(r).Decode(&root); err != nil {
		return nil, fmt.Errorf("pipeline document: %v", err)
	}
	node := &root
	if node.Kind == yaml.DocumentNode {
		if len(node.Content) != 1 {
			return nil, fmt.Errorf("pipeline document: expected a single document")
		}
		node = node.Content[0]
	}
	if node.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("pipeline document: top level must be a sequence of step declarations")
	}
	doc := make(Document, 0, len(node.Content))
	for i, stepNode := range node.Content {
		decl, err := parseStep(stepNode)
		if err != nil {
			return nil, fmt.Errorf("pipeline document: step %d: %v", i+1, err)
		}
		doc = append(doc, decl)
	}
	return doc, nil
}

func parseStep(node *yaml.Node) (StepDecl, error) {
	module, methodNode, err := singleKey(node)
	if err != nil {
		return StepDecl{}, err
	}
	method, paramsNode, err := singleKey(methodNode)
	if err != nil {
		return StepDecl{}, fmt.Errorf("module %s: %v", module, err)
	}
	decl := StepDecl{
		Module: module,
		Method: method,
		Params: make(map[string]Value),
		Line:   node.Line,
	}
	if paramsNode.Kind == yaml.ScalarNode && paramsNode.Tag == "!!null" {
		return decl, nil
	}
	if paramsNode.Kind != yaml.MappingNode {
		return StepDecl{}, fmt.Errorf("%s.%s: parameters must be a mapping", module, method)
	}
	for i := 0; i < len(paramsNode.Content); i += 2 {
		key := paramsNode.Content[i].Value
		valNode := paramsNode.Content[i+1]
		if key == ParamPreview {
			preview, err := parsePreview(valNode)
			if err != nil {
				return StepDecl{}, fmt.Errorf("%s.%s: preview: %v", module, method, err)
			}
			decl.Preview = preview
			continue
		}
		if _, ok := decl.Params[key]; ok {
			return StepDecl{}, fmt.Errorf("%s.%s: duplicate parameter %s", module, method, key)
		}
		val, err := parseValue(valNode)
		if err != nil {
			return StepDecl{}, fmt.Errorf("%s.%s: parameter %s: %v", module, method, key, err)
		}
		decl.Params[key] = val
	}
	return decl, nil
}

// singleKey unwraps a single-key mapping node, returning the key and
// the value node.
func singleKey(node *yaml.Node) (string, *yaml.Node, error) {
	if node.Kind != yaml.MappingNode || len(node.Content) != 2 {
		return "", nil, fmt.Errorf("expected a single-key mapping (line %d)", node.Line)
	}
	return node.Content[0].Value, node.Content[1], nil
}

func parseValue(node *yaml.Node) (Value, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		return parseScalar(node)
	case yaml.SequenceNode:
		strs := make([]string, 0, len(node.Content))
		for _, n := range node.Content {
			if n.Kind != yaml.ScalarNode {
				return None, fmt.Errorf("unsupported nested list value (line %d)", node.Line)
			}
			strs = append(strs, n.Value)
		}
		return Strings(strs...), nil
	case yaml.MappingNode:
		r, ok, err := parseSweep(node)
		if err != nil {
			return None, err
		}
		if !ok {
			return None, fmt.Errorf("unsupported mapping value (line %d); only sweep markers {start, stop, step} may be mappings", node.Line)
		}
		return Sweep(r), nil
	}
	return None, fmt.Errorf("unsupported value (line %d)", node.Line)
}

func parseScalar(node *yaml.Node) (Value, error) {
	switch node.Tag {
	case "!!int", "!!float":
		f, err := strconv.ParseFloat(node.Value, 64)
		if err != nil {
			return None, fmt.Errorf("bad number %q", node.Value)
		}
		return Scalar(f), nil
	case "!!bool":
		b, err := strconv.ParseBool(node.Value)
		if err != nil {
			return None, fmt.Errorf("bad boolean %q", node.Value)
		}
		return Bool(b), nil
	case "!!null":
		return None, nil
	default:
		return String(node.Value), nil
	}
}

// parseSweep recognizes the sweep marker: a mapping with exactly the
// keys start, stop, and step, all numeric.
func parseSweep(node *yaml.Node) (SweepRange, bool, error) {
	if len(node.Content) != 6 {
		return SweepRange{}, false, nil
	}
	fields := make(map[string]float64, 3)
	for i := 0; i < len(node.Content); i += 2 {
		key := node.Content[i].Value
		if key != "start" && key != "stop" && key != "step" {
			return SweepRange{}, false, nil
		}
		val := node.Content[i+1]
		if val.Tag != "!!int" && val.Tag != "!!float" {
			return SweepRange{}, false, fmt.Errorf("sweep %s must be numeric (line %d)", key, val.Line)
		}
		f, err := strconv.ParseFloat(val.Value, 64)
		if err != nil {
			return SweepRange{}, false, fmt.Errorf("bad sweep %s %q", key, val.Value)
		}
		fields[key] = f
	}
	if len(fields) != 3 {
		return SweepRange{}, false, nil
	}
	return SweepRange{Start: fields["start"], Stop: fields["stop"], Step: fields["step"]}, true, nil
}

func parsePreview(node *yaml.Node) ([]PreviewDim, error) {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		return nil, nil
	}
	if node.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("must be a sequence of per-dimension ranges")
	}
	preview := make([]PreviewDim, 0, len(node.Content))
	for i, n := range node.Content {
		switch {
		case n.Kind == yaml.ScalarNode && n.Tag == "!!null":
			preview = append(preview, Full)
		case n.Kind == yaml.MappingNode:
			dim := Full
			for j := 0; j < len(n.Content); j += 2 {
				key := n.Content[j].Value
				v, err := strconv.Atoi(n.Content[j+1].Value)
				if err != nil {
					return nil, fmt.Errorf("dimension %d: bad %s %q", i, key, n.Content[j+1].Value)
				}
				switch key {
				case "start":
					dim.Start = v
				case "stop":
					dim.Stop = v
				case "step":
					dim.Step = v
				default:
					return nil, fmt.Errorf("dimension %d: unknown key %s", i, key)
				}
			}
			preview = append(preview, dim)
		default:
			return nil, fmt.Errorf("dimension %d: must be null or a {start, stop, step} mapping", i)
		}
	}
	return preview, nil
}
