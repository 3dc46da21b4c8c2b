// Copyright 2023 the Tomoflow authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package tomoflow

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDoc = `
- loaders:
    standard_tomo:
      name: tomo
      preview: [null, {start: 30, stop: 60}, null]
- prep:
    normalize:
      data_in: tomo
      data_out: tomo
      cutoff: 10.5
      minus_log: true
- recon:
    reconstruct:
      data_in: [tomo, center]
      data_out: recon
      algorithm: gridrec
      center: {start: 10, stop: 30, step: 5}
`

func TestParseDocument(t *testing.T) {
	doc, err := ParseDocument(strings.NewReader(testDoc))
	require.NoError(t, err)
	require.Len(t, doc, 3)

	loader := doc[0]
	assert.Equal(t, "loaders", loader.Module)
	assert.Equal(t, "standard_tomo", loader.Method)
	assert.Equal(t, String("tomo"), loader.Params["name"])
	require.Len(t, loader.Preview, 3)
	assert.Equal(t, Full, loader.Preview[0])
	assert.Equal(t, PreviewDim{Start: 30, Stop: 60, Step: 1}, loader.Preview[1])
	assert.Equal(t, Full, loader.Preview[2])

	norm := doc[1]
	assert.Equal(t, "prep", norm.Module)
	assert.Equal(t, "normalize", norm.Method)
	assert.Equal(t, Scalar(10.5), norm.Params["cutoff"])
	assert.Equal(t, Bool(true), norm.Params["minus_log"])
	assert.Equal(t, []string{"tomo"}, norm.Params["data_in"].StringList())

	recon := doc[2]
	assert.Equal(t, []string{"tomo", "center"}, recon.Params["data_in"].StringList())
	assert.Equal(t, String("gridrec"), recon.Params["algorithm"])
	require.True(t, recon.Params["center"].IsSweep())
	assert.Equal(t, SweepRange{Start: 10, Stop: 30, Step: 5}, recon.Params["center"].SweepRange())
}

func TestParseDocumentNullParams(t *testing.T) {
	doc, err := ParseDocument(strings.NewReader("- stats:\n    calculate_stats:\n"))
	require.NoError(t, err)
	require.Len(t, doc, 1)
	assert.Empty(t, doc[0].Params)
}

func TestParseDocumentErrors(t *testing.T) {
	for _, bad := range []string{
		// Top level must be a sequence.
		"loaders:\n  standard_tomo:\n    name: tomo\n",
		// Steps must be single-key mappings.
		"- loaders: {a: 1}\n  prep: {b: 2}\n",
		// Nested lists are not values.
		"- prep:\n    normalize:\n      data_in: [[tomo]]\n",
		// Duplicate parameter.
		"- prep:\n    normalize:\n      cutoff: 1\n      cutoff: 2\n",
		// Sweep fields must be numeric.
		"- recon:\n    reconstruct:\n      center: {start: a, stop: 2, step: 1}\n",
	} {
		_, err := ParseDocument(strings.NewReader(bad))
		assert.Error(t, err, "document: %s", bad)
	}
}

func TestParseSweepRequiresAllKeys(t *testing.T) {
	// A two-key mapping is not a sweep marker, and mappings are not
	// otherwise legal values.
	_, err := ParseDocument(strings.NewReader("- recon:\n    reconstruct:\n      center: {start: 1, stop: 2}\n"))
	assert.Error(t, err)
}

func TestPreviewApply(t *testing.T) {
	for _, c := range []struct {
		dim               PreviewDim
		extent            int
		start, stop, step int
	}{
		{Full, 100, 0, 100, 1},
		{PreviewDim{Start: 30, Stop: 60, Step: 1}, 100, 30, 60, 1},
		{PreviewDim{Start: 30, Stop: -1, Step: 2}, 100, 30, 100, 2},
		{PreviewDim{Start: 0, Stop: 1000, Step: 0}, 100, 0, 100, 1},
		{PreviewDim{Start: 80, Stop: 40, Step: 1}, 100, 40, 40, 1},
	} {
		start, stop, step := c.dim.Apply(c.extent)
		if start != c.start || stop != c.stop || step != c.step {
			t.Errorf("%+v over %d: got [%d,%d):%d, want [%d,%d):%d",
				c.dim, c.extent, start, stop, step, c.start, c.stop, c.step)
		}
	}
}
