// Copyright 2023 the Tomoflow authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Tomoflow runs a declarative scan-processing pipeline over a
// chunked tomographic dataset.
//
//	tomoflow -workers 4 -out /tmp/artifacts pipeline.yaml
//
// The pipeline document is YAML; each step declares a registered
// method and its parameters. Without -synthetic, the input dataset
// is a raw volume file produced by a prior run.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/base/status"
	"github.com/tomoflow/tomoflow"
	"github.com/tomoflow/tomoflow/chunkio"
	"github.com/tomoflow/tomoflow/exec"
	_ "github.com/tomoflow/tomoflow/methods"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: tomoflow [flags] pipeline.yaml

Tomoflow runs a declarative scan-processing pipeline over a chunked
tomographic dataset.

Flags:
`)
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	var (
		workers   = flag.Int("workers", 1, "number of workers to partition the slicing dimension across")
		dimension = flag.Int("dimension", -1, "initial slicing dimension; -1 derives it from the pipeline")
		out       = flag.String("out", "", "artifact output directory; artifacts are discarded if empty")
		saveAll   = flag.Bool("save-all", false, "write every step's outputs, not just declared save steps")
		deviceMem = flag.Int64("device-mem", 0, "per-worker device memory budget in bytes; 0 disables blocking")
		synthetic = flag.String("synthetic", "", "use a synthetic dataset of the given AxYxX dimensions, e.g. 180x128x160")
		variants  = flag.Int("max-variants", 4, "maximum number of sweep variants executing concurrently")
	)
	log.AddFlags()
	log.SetFlags(0)
	log.SetPrefix("tomoflow: ")
	must.Func = func(depth int, v ...interface{}) { log.Fatal(v...) }
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
	}

	f, err := os.Open(flag.Arg(0))
	if err != nil {
		log.Fatal(err)
	}
	doc, err := tomoflow.ParseDocument(f)
	f.Close()
	if err != nil {
		log.Fatal(err)
	}

	var ds chunkio.Dataset
	switch {
	case *synthetic != "":
		var na, ny, nx int
		if _, err := fmt.Sscanf(*synthetic, "%dx%dx%d", &na, &ny, &nx); err != nil {
			log.Fatalf("bad -synthetic dimensions %q: %v", *synthetic, err)
		}
		ds = chunkio.Synthetic(na, ny, nx)
	default:
		log.Fatal("no input dataset; use -synthetic")
	}

	var sink chunkio.Sink = chunkio.Discard
	if *out != "" {
		sink = &chunkio.DirSink{Root: *out}
	}

	var stat status.Status
	sess := exec.Start(
		exec.Workers(*workers),
		exec.Dimension(*dimension),
		exec.Sink(sink),
		exec.DeviceMemory(*deviceMem),
		exec.MaxVariants(*variants),
		exec.SaveAll(*saveAll),
		exec.Status(&stat),
	)
	result, err := sess.Run(context.Background(), doc, ds)
	if err != nil {
		log.Fatal(err)
	}
	for _, v := range result.Variants {
		fmt.Printf("%s\n", v)
	}
	if failed := result.Failed(); len(failed) > 0 {
		log.Fatalf("%d of %d variants failed", len(failed), len(result.Variants))
	}
}
