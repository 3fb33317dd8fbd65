package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/tangzhangming/novatrace/internal/jit"
	"github.com/tangzhangming/novatrace/internal/samples"
	"github.com/tangzhangming/novatrace/internal/vm"
)

var (
	enableJIT    = flag.Bool("jit", true, "Enable the tracing JIT")
	showLIR      = flag.Bool("lir", false, "Show LIR of compiled traces")
	showBytecode = flag.Bool("bytecode", false, "Show bytecode")
	dumpFile     = flag.String("dump", "", "Write CBOR trace dumps to file")
	configFile   = flag.String("config", "", "Tracer config file (TOML)")
	verbose      = flag.Bool("v", false, "Verbose tracer logging")
	listSamples  = flag.Bool("list", false, "List samples")
)

func main() {
	flag.Parse()

	if *listSamples {
		fmt.Println("Samples:")
		for _, s := range samples.All() {
			fmt.Printf("  %-10s %s\n", s.Name, s.About)
		}
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	cfg.Enabled = cfg.Enabled && *enableJIT

	if *verbose || cfg.Debug {
		logger, err := zap.NewDevelopment()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
			os.Exit(1)
		}
		defer logger.Sync()
		cfg.Logger = logger
	}

	names := flag.Args()
	if len(names) == 0 {
		for _, s := range samples.All() {
			names = append(names, s.Name)
		}
	}

	var dumps []byte
	failed := false
	for _, name := range names {
		s, ok := samples.Lookup(name)
		if !ok {
			fmt.Fprintf(os.Stderr, "Unknown sample: %s (use -list)\n", name)
			os.Exit(1)
		}
		m := jit.NewMonitor(cfg)
		if !runSample(s, m) {
			failed = true
		}
		if *dumpFile != "" {
			for _, f := range m.Fragments().All() {
				data, err := jit.MarshalTraceDump(jit.NewTraceDump(f))
				if err != nil {
					fmt.Fprintf(os.Stderr, "Error encoding dump: %v\n", err)
					os.Exit(1)
				}
				dumps = append(dumps, data...)
			}
		}
	}

	if *dumpFile != "" {
		if err := os.WriteFile(*dumpFile, dumps, 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing dump: %v\n", err)
			os.Exit(1)
		}
	}
	if failed {
		os.Exit(1)
	}
}

func loadConfig() (*jit.Config, error) {
	if *configFile != "" {
		return jit.LoadConfig(*configFile)
	}
	cfg := jit.DefaultConfig()
	cfg.ApplyEnv()
	return cfg, cfg.Validate()
}

// runSample 先解释执行再追踪执行, 比较结果
func runSample(s samples.Sample, m *jit.Monitor) bool {
	fmt.Printf("=== %s ===\n", s.Name)

	plain := vm.NewContext()
	script := s.Setup(plain)
	if *showBytecode {
		fmt.Println(script.Disassemble())
	}
	start := time.Now()
	want, err := plain.Execute(script)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return false
	}
	interpTime := time.Since(start)

	cx := vm.NewContext()
	m.Attach(cx)
	script = s.Setup(cx)
	start = time.Now()
	got, err := cx.Execute(script)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return false
	}
	tracedTime := time.Since(start)

	match := got.Identical(want)
	fmt.Printf("  result:   %s (interpreter %s, match=%v)\n", got, want, match)
	fmt.Printf("  time:     traced %v, interpreter %v\n", tracedTime, interpTime)

	st := m.Stats()
	fmt.Printf("  traces:   recorded=%d compiled=%d recompiles=%d unstable=%d aborts=%d blacklisted=%d\n",
		st.RecordingsStarted, st.TracesCompiled, st.Recompiles, st.Unstable, st.Aborts, st.Blacklisted)
	fmt.Printf("  entries:  %d (side exits %d, type mismatches %d)\n", st.TraceEntries, st.SideExits, st.TypeMismatches)

	for _, f := range m.Fragments().All() {
		printFragment(f)
	}
	fmt.Println()
	return match
}

func printFragment(f *jit.Fragment) {
	state := "interpreted"
	switch {
	case f.Compiled():
		state = "compiled"
	case f.Blacklisted:
		state = "blacklisted"
	}
	fmt.Printf("  loop %s:%d %s hits=%d recordings=%d typemap=%s\n",
		f.Script.Name, f.PC, state, f.Hits, f.Recordings, f.Info.TypeMap)

	if *showLIR && f.LIR != nil {
		fmt.Print(f.LIR.Dump())
		if f.Compiled() {
			fmt.Printf("  -- compiled (%d of %d instructions kept) --\n", f.Code.Len(), f.LIR.Len())
			fmt.Print(f.Code.Dump())
		}
	}
}
