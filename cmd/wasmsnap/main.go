package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wasmsnap/wasmsnap"
	"github.com/wasmsnap/wasmsnap/internal/state"
)

func main() {
	doMain(os.Stdout, os.Stderr, os.Exit)
}

// doMain is separated out for the purpose of unit testing.
func doMain(stdOut, stdErr io.Writer, exit func(code int)) {
	flag.CommandLine.SetOutput(stdErr)

	var help bool
	flag.BoolVar(&help, "h", false, "print usage")

	flag.Parse()

	if help || flag.NArg() == 0 {
		printUsage(stdErr)
		exit(0)
	}

	subCmd := flag.Arg(0)
	switch subCmd {
	case "run":
		doRun(flag.Args()[1:], stdOut, stdErr, exit)
	case "resume":
		doResume(flag.Args()[1:], stdOut, stdErr, exit)
	case "inspect":
		doInspect(flag.Args()[1:], stdOut, stdErr, exit)
	default:
		fmt.Fprintln(stdErr, "invalid command")
		printUsage(stdErr)
		exit(1)
	}
}

// runtimeFlags are the flags shared by run and resume.
type runtimeFlags struct {
	optimized    bool
	stackSize    uint64
	checkpointAt int
	imagePath    string
	verbose      bool
}

func (f *runtimeFlags) register(flags *flag.FlagSet) {
	flags.BoolVar(&f.optimized, "optimized", false, "compile with the optimized tier instead of the baseline one")
	flags.Uint64Var(&f.stackSize, "stack", 0, "machine stack size in bytes (default 1MiB)")
	flags.IntVar(&f.checkpointAt, "checkpoint-at", 0,
		"interrupt on the given call of wasmsnap.checkpoint and save an image. Zero never interrupts.")
	flags.StringVar(&f.imagePath, "image", "", "where to save the image of an interrupted call (default <wasm>.img)")
	flags.BoolVar(&f.verbose, "v", false, "log compilation and execution events to stderr")
}

func (f *runtimeFlags) config(stdErr io.Writer) wasmsnap.RuntimeConfig {
	c := wasmsnap.NewRuntimeConfig().WithCloseOnContextDone(true)
	if f.optimized {
		c = c.WithTier(wasmsnap.TierOptimized)
	}
	if f.stackSize != 0 {
		c = c.WithStackSize(f.stackSize)
	}
	if f.verbose {
		core := zapcore.NewCore(
			zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
			zapcore.AddSync(stdErr),
			zap.DebugLevel)
		c = c.WithLogger(zap.New(core))
	}
	return c
}

func doRun(args []string, stdOut, stdErr io.Writer, exit func(code int)) {
	flags := flag.NewFlagSet("run", flag.ExitOnError)
	flags.SetOutput(stdErr)

	var help bool
	flags.BoolVar(&help, "h", false, "print usage")

	var rf runtimeFlags
	rf.register(flags)

	_ = flags.Parse(args)

	if help {
		printRunUsage(stdErr, flags)
		exit(0)
	}

	if flags.NArg() < 2 {
		fmt.Fprintln(stdErr, "missing path to wasm file or function name")
		printRunUsage(stdErr, flags)
		exit(1)
	}
	wasmPath, funcName := flags.Arg(0), flags.Arg(1)
	wasmArgs := flags.Args()[2:]
	if len(wasmArgs) > 0 && wasmArgs[0] == "--" {
		wasmArgs = wasmArgs[1:]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	inst, compiled := instantiate(ctx, wasmPath, &rf, stdErr, exit)

	def, ok := compiled.ExportedFunctions()[funcName]
	if !ok {
		fmt.Fprintf(stdErr, "error: function %q is not exported\n", funcName)
		exit(1)
	}
	params, err := parseParams(def.ParamTypes, wasmArgs)
	if err != nil {
		fmt.Fprintf(stdErr, "error parsing arguments of %s: %v\n", funcName, err)
		exit(1)
	}

	results, err := inst.Call(ctx, funcName, params...)
	finish(wasmPath, &rf, def.ResultTypes, results, err, stdOut, stdErr, exit)
}

func doResume(args []string, stdOut, stdErr io.Writer, exit func(code int)) {
	flags := flag.NewFlagSet("resume", flag.ExitOnError)
	flags.SetOutput(stdErr)

	var help bool
	flags.BoolVar(&help, "h", false, "print usage")

	var rf runtimeFlags
	rf.register(flags)

	_ = flags.Parse(args)

	if help {
		printResumeUsage(stdErr, flags)
		exit(0)
	}

	if flags.NArg() < 2 {
		fmt.Fprintln(stdErr, "missing path to wasm file or image")
		printResumeUsage(stdErr, flags)
		exit(1)
	}
	wasmPath := flags.Arg(0)
	img := readImage(flags.Arg(1), stdErr, exit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	inst, _ := instantiate(ctx, wasmPath, &rf, stdErr, exit)
	results, err := inst.Resume(ctx, img)
	finish(wasmPath, &rf, nil, results, err, stdOut, stdErr, exit)
}

// instantiate compiles the module at wasmPath and instantiates it with the wasmsnap host module.
func instantiate(ctx context.Context, wasmPath string, rf *runtimeFlags, stdErr io.Writer, exit func(code int)) (wasmsnap.Instance, wasmsnap.CompiledModule) {
	bin, err := os.ReadFile(wasmPath)
	if err != nil {
		fmt.Fprintf(stdErr, "error reading wasm binary: %v\n", err)
		exit(1)
	}

	rt := wasmsnap.NewRuntimeWithConfig(ctx, rf.config(stdErr))
	checkpoints := 0
	err = rt.NewHostModuleBuilder("wasmsnap").
		NewFunctionBuilder().
		WithFunc(func(_ context.Context, caller wasmsnap.Instance, _ []uint64) error {
			if checkpoints++; checkpoints == rf.checkpointAt {
				caller.Interrupt()
			}
			return nil
		}, nil, nil).
		Export("checkpoint").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, caller wasmsnap.Instance, _ []uint64) error {
			return caller.TierUp(ctx)
		}, nil, nil).
		Export("tier_up").
		Instantiate(ctx)
	if err != nil {
		fmt.Fprintf(stdErr, "error instantiating host module: %v\n", err)
		exit(1)
	}

	compiled, err := rt.CompileModule(ctx, bin)
	if err != nil {
		fmt.Fprintf(stdErr, "error compiling wasm binary: %v\n", err)
		exit(1)
	}
	inst, err := rt.InstantiateModule(ctx, compiled)
	if err != nil {
		fmt.Fprintf(stdErr, "error instantiating wasm binary: %v\n", err)
		exit(1)
	}
	return inst, compiled
}

// finish prints the results of a call, or saves the image of an interrupted one.
func finish(wasmPath string, rf *runtimeFlags, types []api.ValueType, results []uint64, err error,
	stdOut, stdErr io.Writer, exit func(code int),
) {
	var trap *wasmsnap.TrapError
	var interrupted *wasmsnap.InterruptedError
	switch {
	case err == nil:
		fmt.Fprintln(stdOut, formatResults(types, results))
		exit(0)
	case errors.As(err, &interrupted):
		path := rf.imagePath
		if path == "" {
			path = wasmPath + ".img"
		}
		if werr := os.WriteFile(path, interrupted.Image.Marshal(), 0o644); werr != nil {
			fmt.Fprintf(stdErr, "error saving image: %v\n", werr)
			exit(1)
		}
		fmt.Fprintf(stdErr, "interrupted: image saved to %s\n", path)
		exit(3)
	case errors.As(err, &trap):
		fmt.Fprintf(stdErr, "error: %v\n", err)
		trap.Image.PrintBacktraceIfNeeded(stdErr)
		exit(2)
	default:
		fmt.Fprintf(stdErr, "error: %v\n", err)
		exit(1)
	}
}

func readImage(path string, stdErr io.Writer, exit func(code int)) *wasmsnap.Image {
	b, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(stdErr, "error reading image: %v\n", err)
		exit(1)
	}
	img, err := wasmsnap.UnmarshalImage(b)
	if err != nil {
		fmt.Fprintf(stdErr, "error decoding image %s: %v\n", path, err)
		exit(1)
	}
	return img
}

func parseParams(types []api.ValueType, args []string) ([]uint64, error) {
	if len(args) != len(types) {
		return nil, fmt.Errorf("expected %d arguments, but passed %d", len(types), len(args))
	}
	params := make([]uint64, len(args))
	for i, arg := range args {
		switch types[i] {
		case api.ValueTypeI32:
			if v, err := strconv.ParseInt(arg, 0, 32); err == nil {
				params[i] = api.EncodeI32(int32(v))
			} else if u, err := strconv.ParseUint(arg, 0, 32); err == nil {
				params[i] = api.EncodeU32(uint32(u))
			} else {
				return nil, fmt.Errorf("argument %d: invalid i32 %q", i, arg)
			}
		case api.ValueTypeI64:
			if v, err := strconv.ParseInt(arg, 0, 64); err == nil {
				params[i] = api.EncodeI64(v)
			} else if u, err := strconv.ParseUint(arg, 0, 64); err == nil {
				params[i] = u
			} else {
				return nil, fmt.Errorf("argument %d: invalid i64 %q", i, arg)
			}
		case api.ValueTypeF32:
			v, err := strconv.ParseFloat(arg, 32)
			if err != nil {
				return nil, fmt.Errorf("argument %d: invalid f32 %q", i, arg)
			}
			params[i] = api.EncodeF32(float32(v))
		case api.ValueTypeF64:
			v, err := strconv.ParseFloat(arg, 64)
			if err != nil {
				return nil, fmt.Errorf("argument %d: invalid f64 %q", i, arg)
			}
			params[i] = api.EncodeF64(v)
		default:
			return nil, fmt.Errorf("argument %d: unsupported type %s", i, api.ValueTypeName(types[i]))
		}
	}
	return params, nil
}

// formatResults renders results by type. Results of unknown type, as after a resume, print as unsigned integers.
func formatResults(types []api.ValueType, results []uint64) string {
	out := make([]string, len(results))
	for i, r := range results {
		var t api.ValueType
		if i < len(types) {
			t = types[i]
		}
		switch t {
		case api.ValueTypeI32:
			out[i] = strconv.FormatInt(int64(api.DecodeI32(r)), 10)
		case api.ValueTypeI64:
			out[i] = strconv.FormatInt(int64(r), 10)
		case api.ValueTypeF32:
			out[i] = strconv.FormatFloat(float64(api.DecodeF32(r)), 'g', -1, 32)
		case api.ValueTypeF64:
			out[i] = strconv.FormatFloat(api.DecodeF64(r), 'g', -1, 64)
		default:
			out[i] = strconv.FormatUint(r, 10)
		}
	}
	return strings.Join(out, " ")
}

func printUsage(stdErr io.Writer) {
	fmt.Fprintln(stdErr, "wasmsnap CLI")
	fmt.Fprintln(stdErr)
	fmt.Fprintln(stdErr, "Usage:\n  wasmsnap <command>")
	fmt.Fprintln(stdErr)
	fmt.Fprintln(stdErr, "Commands:")
	fmt.Fprintln(stdErr, "  run\t\tCalls a function of a WebAssembly binary")
	fmt.Fprintln(stdErr, "  resume\tResumes an interrupted call from its image")
	fmt.Fprintln(stdErr, "  inspect\tPrints the frames of an image")
	fmt.Fprintln(stdErr)
	fmt.Fprintf(stdErr, "Set %s to print the backtrace of traps.\n", state.BacktraceEnv)
}

func printRunUsage(stdErr io.Writer, flags *flag.FlagSet) {
	fmt.Fprintln(stdErr, "wasmsnap CLI")
	fmt.Fprintln(stdErr)
	fmt.Fprintln(stdErr, "Usage:\n  wasmsnap run <options> <path to wasm file> <function> [--] <args>")
	fmt.Fprintln(stdErr)
	fmt.Fprintln(stdErr, "Options:")
	flags.PrintDefaults()
}

func printResumeUsage(stdErr io.Writer, flags *flag.FlagSet) {
	fmt.Fprintln(stdErr, "wasmsnap CLI")
	fmt.Fprintln(stdErr)
	fmt.Fprintln(stdErr, "Usage:\n  wasmsnap resume <options> <path to wasm file> <path to image>")
	fmt.Fprintln(stdErr)
	fmt.Fprintln(stdErr, "Options:")
	flags.PrintDefaults()
}
