package attach

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/dispatchrun/nativetrace/internal/probe"
)

// softwareEvents maps the §6 event names this build recognizes for
// `software:EVENT:COUNT` specs onto PERF_COUNT_SW_* constants.
var softwareEvents = map[string]uint64{
	"cpu-clock":        unix.PERF_COUNT_SW_CPU_CLOCK,
	"task-clock":       unix.PERF_COUNT_SW_TASK_CLOCK,
	"page-faults":      unix.PERF_COUNT_SW_PAGE_FAULTS,
	"cs":               unix.PERF_COUNT_SW_CONTEXT_SWITCHES,
	"context-switches": unix.PERF_COUNT_SW_CONTEXT_SWITCHES,
	"cpu-migrations":   unix.PERF_COUNT_SW_CPU_MIGRATIONS,
}

// hardwareEvents maps §6's `hardware:EVENT:COUNT` event names onto
// PERF_COUNT_HW_* constants.
var hardwareEvents = map[string]uint64{
	"cpu-cycles":    unix.PERF_COUNT_HW_CPU_CYCLES,
	"instructions":  unix.PERF_COUNT_HW_INSTRUCTIONS,
	"cache-misses":  unix.PERF_COUNT_HW_CACHE_MISSES,
	"cache-refs":    unix.PERF_COUNT_HW_CACHE_REFERENCES,
	"branch-misses": unix.PERF_COUNT_HW_BRANCH_MISSES,
}

// perfEventAttr builds the perf_event_open attribute for a sampling probe
// kind (profile, interval, software, hardware). profile specs sample at a
// fixed frequency; interval specs sample at a fixed period; software and
// hardware specs fire every Count occurrences of the named event.
func perfEventAttr(spec probe.Spec) (*unix.PerfEventAttr, error) {
	attr := &unix.PerfEventAttr{
		Size: uint32(unix.SizeofPerfEventAttr),
	}

	switch spec.Kind {
	case probe.Profile:
		attr.Type = unix.PERF_TYPE_SOFTWARE
		attr.Config = unix.PERF_COUNT_SW_CPU_CLOCK
		if spec.Interval.Unit == probe.UnitHz {
			attr.Sample_type = 0
			attr.Bits = perfAttrFreqBit
			attr.Sample = spec.Interval.Value // Sample_freq aliases Sample (union)
		} else {
			attr.Sample = nanosInterval(spec.Interval)
		}

	case probe.Interval:
		attr.Type = unix.PERF_TYPE_SOFTWARE
		attr.Config = unix.PERF_COUNT_SW_CPU_CLOCK
		attr.Sample = nanosInterval(spec.Interval)

	case probe.Software:
		config, ok := softwareEvents[spec.Event]
		if !ok {
			return nil, fmt.Errorf("attach: unrecognized software event %q", spec.Event)
		}
		attr.Type = unix.PERF_TYPE_SOFTWARE
		attr.Config = config
		attr.Sample = spec.Count

	case probe.Hardware:
		config, ok := hardwareEvents[spec.Event]
		if !ok {
			return nil, fmt.Errorf("attach: unrecognized hardware event %q", spec.Event)
		}
		attr.Type = unix.PERF_TYPE_HARDWARE
		attr.Config = config
		attr.Sample = spec.Count

	default:
		return nil, fmt.Errorf("attach: %s is not a per-CPU sampling probe kind", spec.Kind)
	}

	return attr, nil
}

// perfAttrFreqBit is the bit position of perf_event_attr's "freq" field,
// which selects sample-frequency (Hz) rather than sample-period semantics
// for the Sample union field.
const perfAttrFreqBit = 1 << 10

// nanosInterval converts an interval:: spec's duration into the nanosecond
// sample period perf_event_open expects for CPU-clock software events.
func nanosInterval(iv probe.IntervalValue) uint64 {
	return uint64(iv.Duration().Nanoseconds())
}
