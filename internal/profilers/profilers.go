// Package profilers wires the optional pprof endpoints into the trainer
// binaries. Linking it installs the profiling flags; without the flags it
// is inert.
package profilers

import (
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime/pprof"

	"k8s.io/klog/v2"
)

var (
	flagProfiler   = flag.Int("prof", -1, "If set, serves /debug/pprof on localhost at the given port.")
	flagCPUProfile = flag.String("cpu_profile", "", "Write a CPU profile to `file` for the whole run.")
)

// Setup starts the HTTP profiler (-prof) and the CPU profile
// (-cpu_profile) if their flags were given. Follow with a deferred OnQuit.
func Setup() {
	if *flagProfiler >= 0 {
		addr := fmt.Sprintf("localhost:%d", *flagProfiler)
		klog.Infof("profiler serving on http://%s/debug/pprof", addr)
		go func() {
			klog.Fatal(http.ListenAndServe(addr, nil))
		}()
	}
	if *flagCPUProfile != "" {
		f, err := os.Create(*flagCPUProfile)
		if err != nil {
			klog.Fatalf("could not create CPU profile %q: %v", *flagCPUProfile, err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			klog.Fatalf("could not start CPU profile: %v", err)
		}
	}
}

// OnQuit flushes the CPU profile, if one was requested.
func OnQuit() {
	if *flagCPUProfile != "" {
		pprof.StopCPUProfile()
	}
}
