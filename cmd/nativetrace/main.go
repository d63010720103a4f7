package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dispatchrun/nativetrace/internal/aggregate"
	"github.com/dispatchrun/nativetrace/internal/attach"
	"github.com/dispatchrun/nativetrace/internal/orchestrator"
	"github.com/dispatchrun/nativetrace/internal/probe"
)

// Program and map names a --bytecode artifact is expected to export. §6
// treats the probe/host wire format as an opaque external collaborator, so
// this build fixes a minimal naming convention rather than a byte layout:
// one entry program, one sample counter map (§3), and — for the five
// per-CPU sampling kinds — one perf-event-array map to attach through.
const (
	onProbeProgramName  = "on_probe"
	sampleCountsMapName = "sample_counts"
	sampleEventsMapName = "events"
)

func main() {
	log.Default().SetOutput(os.Stderr)

	opts := &traceOptions{}
	if err := newRootCmd(opts).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	// §6: "Exit code propagates from the built target" — opts.exitCode is
	// set by runTrace from the tracee's own wait status.
	os.Exit(opts.exitCode)
}

func newRootCmd(opts *traceOptions) *cobra.Command {
	root := &cobra.Command{
		Use:           "nativetrace",
		Short:         "Stack-unwinding sampling tracer for native Linux processes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newTraceCmd(opts))
	return root
}

type traceOptions struct {
	format   string
	bytecode string
	listen   string

	// exitCode is set by runTrace to the traced binary's own exit status
	// once it terminates, for main to propagate to os.Exit.
	exitCode int
}

// newTraceCmd implements the `trace <probe-spec> binary args…` form of §6's
// CLI surface. The binary and its args are taken from the positional
// arguments following the probe spec; there is no --example option.
func newTraceCmd(opts *traceOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace <probe-spec> -- <binary> [args...]",
		Short: "Attach a probe and report the aggregated stack samples it observes",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, args[0], args[1], args[2:])
		},
	}

	cmd.Flags().StringVar(&opts.format, "format", "listing", "output format: listing, flamegraph, or pprof")
	cmd.Flags().StringVar(&opts.bytecode, "bytecode", "", "path to a precompiled eBPF object file implementing the probe's sampling logic")
	cmd.Flags().StringVar(&opts.listen, "listen", "", "serve the collected profile as a pprof HTTP endpoint at this address instead of printing it")
	return cmd
}

func runTrace(opts *traceOptions, probeSpecText, binary string, binaryArgs []string) error {
	spec, err := probe.ParseSpec(probeSpecText)
	if err != nil {
		return fmt.Errorf("parsing probe spec %q: %w", probeSpecText, err)
	}
	if spec.Kind.RequiresPath() && spec.Path == "" {
		return fmt.Errorf("probe %s requires a target path", spec.Kind)
	}

	session, err := orchestrator.Start(spec, binary, binaryArgs)
	if err != nil {
		return err
	}
	defer session.Close()

	start := time.Now()

	// Loading and attaching bytecode is optional: without --bytecode the
	// tracer still spawns and releases the tracee and walks its address
	// map, it just has nothing recording samples, so it reports an empty
	// set. The bytecode artifact itself is produced out of band (§6 names
	// the compiler toolchain an external collaborator); this command only
	// loads and attaches an already-compiled one.
	var loader *attach.Loader
	if opts.bytecode != "" {
		bytecode, err := os.ReadFile(opts.bytecode)
		if err != nil {
			return fmt.Errorf("reading --bytecode %s: %w", opts.bytecode, err)
		}
		loader, err = attach.Load(bytecode)
		if err != nil {
			return err
		}
		defer loader.Close()

		if spec.Kind.Sampled() {
			events, err := loader.Map(sampleEventsMapName)
			if err != nil {
				return fmt.Errorf("locating %q map: %w", sampleEventsMapName, err)
			}
			if err := loader.AttachPerCPU(spec, onProbeProgramName, events); err != nil {
				return err
			}
		} else {
			if err := loader.Attach(spec, onProbeProgramName); err != nil {
				return err
			}
		}
		log.Printf("trace: attached %s to %d CPU(s)", spec, attach.NumCPU())
	}

	exitCode, err := session.Release()
	if err != nil {
		return fmt.Errorf("running target: %w", err)
	}
	opts.exitCode = exitCode

	counts := make(aggregate.Counter)
	if loader != nil {
		sampleMap, err := loader.Map(sampleCountsMapName)
		if err != nil {
			return fmt.Errorf("locating %q map: %w", sampleCountsMapName, err)
		}
		counts, err = aggregate.CounterFromMap(sampleMap)
		if err != nil {
			return err
		}
	}

	resolver := orchestrator.NewResolver(session.Images)

	if opts.listen != "" {
		handler := aggregate.Handler{
			Snapshot: func() (aggregate.Counter, time.Time, time.Duration) {
				return counts, start, time.Since(start)
			},
			Resolver: resolver,
		}
		log.Printf("trace: serving pprof profile at http://%s/", opts.listen)
		return http.ListenAndServe(opts.listen, handler)
	}

	switch opts.format {
	case "listing":
		fmt.Print(aggregate.StackListing(counts, resolver))
	case "flamegraph":
		fmt.Print(aggregate.CollapsedFlamegraph(counts, resolver))
	case "pprof":
		prof := aggregate.ToPprof(counts, resolver, start, time.Since(start))
		return prof.Write(os.Stdout)
	default:
		return fmt.Errorf("unrecognized --format %q", opts.format)
	}
	return nil
}
