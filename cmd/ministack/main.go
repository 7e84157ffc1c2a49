// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"
	"time"

	nl "github.com/mlnoga/ministack/internal"
	"github.com/mlnoga/ministack/internal/blockio"
	"github.com/mlnoga/ministack/internal/ops"
	"github.com/mlnoga/ministack/internal/phaselink"
	"github.com/mlnoga/ministack/internal/rest"
	"github.com/mlnoga/ministack/internal/shp"
	"github.com/mlnoga/ministack/internal/synth"
)

const version = "0.1.0"

var cpuprofile = flag.String("cpuprofile", "", "write cpu profile to `file`")
var memprofile = flag.String("memprofile", "", "write memory profile to `file`")

var out = flag.String("out", "sequential", "write outputs into `folder`")
var log = flag.String("log", "%auto", "save log output to `file`. `%auto` writes ministack.log into the output folder")
var dateFmt = flag.String("dateFmt", "20060102", "Go time layout of the acquisition dates in the file names")

var size = flag.Int("size", 10, "number of real acquisitions per ministack")
var maxComp = flag.Int("maxComp", 5, "maximum number of compressed acquisitions carried into a ministack")
var refIdx = flag.String("refIdx", "", "comma-separated manual reference indices into the full acquisition list, at most one per ministack")
var existing = flag.String("existing", "", "comma-separated compressed acquisitions of an earlier run, oldest first")
var planFile = flag.String("planFile", "", "save the plan as JSON to `file`")

var halfX = flag.Int("halfX", 11, "half window size in columns")
var halfY = flag.Int("halfY", 5, "half window size in rows")
var strideX = flag.Int("strideX", 1, "output stride in columns")
var strideY = flag.Int("strideY", 1, "output stride in rows")
var beta = flag.Float64("beta", 0.01, "regularization of the coherence matrix towards identity, in [0,1]")
var shpMethod = flag.String("shp", "glrt", "homogeneous neighbor test, one of glrt, tf or rect")
var shpAlpha = flag.Float64("shpAlpha", 0.05, "significance level of the neighbor test")
var compressMode = flag.String("compressMode", "normalized", "compression of ministacks, normalized or mean")

var mask = flag.String("mask", "", "uint8 raster with zero where there is no data")
var psThreshold = flag.Float64("psThreshold", 0.25, "amplitude dispersion threshold for persistent scatterers, 0=skip PS detection")
var quicklooks = flag.Bool("quicklook", false, "render previews of the outputs")

var blockRows = flag.Int("blockRows", 0, "rows per processing block, 0=auto")
var blockCols = flag.Int("blockCols", 0, "columns per processing block, 0=auto")
var maxMB = flag.Int64("maxMB", 32, "memory budget per processing block in MB when blocks are sized automatically")
var threads = flag.Int("threads", 0, "worker threads for phase linking, 0=number of logical cores")
var readThreads = flag.Int("readThreads", 1, "threads reading acquisitions")

var numAcq = flag.Int("n", 20, "simulate: number of acquisitions")
var rows = flag.Int("rows", 64, "simulate: rows")
var cols = flag.Int("cols", 64, "simulate: columns")
var rate = flag.Float64("rate", 0.2, "simulate: phase ramp in radians per acquisition")
var noise = flag.Float64("noise", 0.1, "simulate: noise standard deviation relative to the amplitude")
var border = flag.Int("border", 0, "simulate: width of the nodata border")
var seed = flag.Int("seed", 42, "simulate: random seed")

var addr = flag.String("addr", ":8080", "serve: listen address")
var chroot = flag.String("chroot", "", "serve: chroot into `folder` before serving, requires root")
var setuid = flag.Int("setuid", -1, "serve: switch to the given user id before serving")

func main() {
	logWriter := nl.LogWriter()
	start := time.Now()
	flag.Usage = func() {
		fmt.Fprintf(os.Stdout, `Ministack Copyright (c) 2020 Markus L. Noga
This program comes with ABSOLUTELY NO WARRANTY.
This is free software, and you are welcome to redistribute it under certain conditions.
Refer to https://www.gnu.org/licenses/gpl-3.0.en.html for details.

Usage: %s [-flag value] command (slc0.fits ... slcn.fits)

Commands:
  simulate   Generate a synthetic stack into the output folder
  plan       Plan ministacks for the given acquisitions
  ps         Find persistent scatterers in the given acquisitions
  sequential Phase link the given acquisitions in ministacks
  run        Run the workflow from the given JSON or YAML file
  quicklook  Render previews of the given rasters
  serve      Serve the REST API
  legal      Show license and attribution information
  version    Show version information

Flags:
`, os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		return
	}

	// Initialize logging to file in addition to stdout, if selected
	if *log == "%auto" {
		*log = ""
		if args[0] == "sequential" || args[0] == "ps" || args[0] == "simulate" {
			if err := os.MkdirAll(*out, 0755); err == nil {
				*log = filepath.Join(*out, "ministack.log")
			}
		}
	}
	if *log != "" {
		if err := nl.LogAlsoToFile(*log); err != nil {
			nl.LogFatalf("Unable to open logfile '%s'\n", *log)
		}
	}

	// Enable CPU profiling if flagged
	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			nl.LogFatalf("Could not create CPU profile: %s\n", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			nl.LogFatalf("Could not start CPU profile: %s\n", err)
		}
		defer pprof.StopCPUProfile()
	}

	c := ops.NewContext(logWriter)
	if *threads > 0 {
		c.MaxThreads = *threads
	}
	if args[0] != "legal" && args[0] != "version" {
		fmt.Fprintf(logWriter, "Running on %s with %d threads and %d MB of physical memory\n", c.CPUBrand, c.MaxThreads, c.MemoryMB)
	}

	var err error
	switch args[0] {
	case "simulate":
		err = ops.NewOpSimulate(*out, simulateOptions()).Apply(c)

	case "plan":
		var op *ops.OpPlan
		if op, err = planOp(); err != nil {
			break
		}
		err = ops.NewOpSequence(ops.NewOpLoad(args[1:], *dateFmt), op).Apply(c)

	case "ps":
		seq := ops.NewOpSequence(ops.NewOpLoad(args[1:], *dateFmt), psOp())
		err = seq.Apply(c)

	case "sequential":
		seq := ops.NewOpSequence(ops.NewOpLoad(args[1:], *dateFmt))
		if *psThreshold > 0 {
			seq.Append(psOp())
		}
		var opSeq *ops.OpSequential
		if opSeq, err = sequentialOp(); err != nil {
			break
		}
		seq.Append(opSeq)
		if *quicklooks {
			seq.Append(ops.NewOpQuicklookDefault())
		}
		if err = printWorkflow(logWriter, seq); err != nil {
			break
		}
		err = seq.Apply(c)

	case "run":
		if len(args) != 2 {
			err = fmt.Errorf("run needs exactly one workflow file")
			break
		}
		var seq *ops.OpSequence
		if seq, err = ops.LoadWorkflow(args[1]); err != nil {
			break
		}
		if err = printWorkflow(logWriter, seq); err != nil {
			break
		}
		err = seq.Apply(c)

	case "quicklook":
		op := ops.NewOpQuicklookDefault()
		op.FilePatterns = args[1:]
		err = op.Apply(c)

	case "serve":
		if err = rest.MakeSandbox(logWriter, *chroot, *setuid); err != nil {
			break
		}
		err = rest.Serve(*addr)

	case "legal":
		fmt.Fprint(logWriter, legal)

	case "version":
		fmt.Fprintf(logWriter, "Version %s\n", version)

	case "help", "?":
		flag.Usage()

	default:
		fmt.Fprintf(logWriter, "Unknown command '%s'\n\n", args[0])
		flag.Usage()
		return
	}

	fmt.Fprintf(logWriter, "\nDone after %v\n", time.Since(start))

	// Store memory profile if flagged
	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		if err != nil {
			nl.LogFatalf("Could not create memory profile: %s\n", err)
		}
		defer f.Close()
		runtime.GC() // get up-to-date statistics
		if err := pprof.Lookup("allocs").WriteTo(f, 0); err != nil {
			nl.LogFatalf("Could not write allocation profile: %s\n", err)
		}
	}

	if err != nil {
		nl.LogFatalf("Error: %s\n", err.Error())
	}
	nl.LogSync()
}

func printWorkflow(logWriter io.Writer, seq *ops.OpSequence) error {
	m, err := json.MarshalIndent(seq, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(logWriter, "Workflow:\n%s\n", string(m))
	return nil
}

func simulateOptions() *synth.Options {
	o := synth.NewOptionsDefault()
	o.NumAcquisitions, o.Rows, o.Cols = *numAcq, *rows, *cols
	o.Rate, o.Noise, o.NodataBorder, o.Seed = *rate, *noise, *border, uint32(*seed)
	return o
}

// Parses a comma-separated list of integers
func parseInts(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	var res []int
	for _, f := range strings.Split(s, ",") {
		v, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return nil, fmt.Errorf("invalid index list '%s': %w", s, err)
		}
		res = append(res, v)
	}
	return res, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func planOp() (*ops.OpPlan, error) {
	op := ops.NewOpPlanDefault()
	op.OutputFolder, op.MinistackSize, op.MaxNumCompressed = *out, *size, *maxComp
	op.ExistingCompressed, op.PlanFile = splitList(*existing), *planFile
	var err error
	op.ManualRefIdxs, err = parseInts(*refIdx)
	return op, err
}

func psOp() *ops.OpCreatePS {
	op := ops.NewOpCreatePSDefault()
	op.OutputFolder = filepath.Join(*out, "ps")
	op.Threshold, op.MaskFile = *psThreshold, *mask
	if *blockRows > 0 && *blockCols > 0 {
		op.BlockShape = blockio.Shape{Rows: *blockRows, Cols: *blockCols}
	}
	return op
}

func sequentialOp() (*ops.OpSequential, error) {
	op := ops.NewOpSequentialDefault()
	cfg := &op.Config
	var err error
	if cfg.ManualRefIdxs, err = parseInts(*refIdx); err != nil {
		return nil, err
	}
	cfg.OutputFolder, cfg.FileDateFmt = *out, *dateFmt
	cfg.MinistackSize, cfg.MaxNumCompressed = *size, *maxComp
	cfg.ExistingCompressed = splitList(*existing)
	cfg.HalfWindow = blockio.HalfWindow{X: *halfX, Y: *halfY}
	cfg.Strides = blockio.Strides{X: *strideX, Y: *strideY}
	cfg.Beta, cfg.SHPMethod, cfg.SHPAlpha = *beta, shp.Method(*shpMethod), *shpAlpha
	cfg.CompressMode = phaselink.CompressMode(*compressMode)
	cfg.MaskFile = *mask
	cfg.BlockShape = blockio.Shape{Rows: *blockRows, Cols: *blockCols}
	cfg.MaxBytes = *maxMB * 1024 * 1024
	cfg.NumWorkers, cfg.ReadThreads = *threads, *readThreads
	return op, cfg.Validate()
}
