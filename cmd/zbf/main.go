// zbf: command-line runner for tape programs
//
// Source comes from a file argument or -e inline text. Runs execute
// locally against stdin/stdout by default; -remote ships the program to
// a zbf.Runner service instead. A fault prints its diagnostic snapshot
// to stderr and exits nonzero.
package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/RoeeJ/zbf/pkg/bfvm"
	"github.com/RoeeJ/zbf/pkg/remote"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

// Configuration flags
var (
	inline      = flag.String("e", "", "Inline program source instead of a file")
	tapeSize    = flag.Int("tape", bfvm.DefaultTapeSize, "Tape length in cells")
	cellWidth   = flag.Int("cell", 8, "Cell width in bits: 8, 16 or 32")
	trapArith   = flag.Bool("trap-arith", false, "Fault on cell overflow instead of wrapping")
	eofMode     = flag.String("eof", "zero", "End-of-input behavior: zero or trap")
	stepLimit   = flag.Uint64("steps", 0, "Fault after this many steps (0 = unlimited)")
	listOnly    = flag.Bool("list", false, "Print the instruction listing instead of running")
	showStats   = flag.Bool("stats", false, "Print step and instruction counts to stderr")
	quiet       = flag.Bool("q", false, "Suppress the fault snapshot")
	remoteAddr  = flag.String("remote", "", "Run on the zbf.Runner service at this address")
	remoteToken = flag.String("token", "", "Authentication token for -remote, ${VAR} expands from the environment")
	remoteTLS   = flag.Bool("tls", false, "Use TLS for -remote")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("zbf %s (%s)\n", Version, GitCommit)
		os.Exit(0)
	}

	src, err := readSource()
	if err != nil {
		fatalf("%v", err)
	}

	if *listOnly {
		if err := printListing(src); err != nil {
			fatalf("%v", err)
		}
		return
	}

	if *remoteAddr != "" {
		os.Exit(runRemote(src))
	}
	os.Exit(runLocal(src))
}

// readSource returns the program text from the file argument or -e.
func readSource() ([]byte, error) {
	if *inline != "" {
		if flag.NArg() > 0 {
			return nil, errors.New("pass a program file or -e source, not both")
		}
		return []byte(*inline), nil
	}
	if flag.NArg() != 1 {
		return nil, errors.New("usage: zbf [flags] <program-file>, or zbf [flags] -e <source>")
	}
	src, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		return nil, err
	}
	return src, nil
}

// runLocal executes the program in-process, streaming stdin and stdout.
func runLocal(src []byte) int {
	cfg, err := vmConfig()
	if err != nil {
		fatalf("%v", err)
	}

	program, err := bfvm.Load(src)
	if err != nil {
		fatalf("%v", err)
	}

	out := bufio.NewWriter(os.Stdout)
	cfg.Input = bufio.NewReader(os.Stdin)
	cfg.Output = out

	m, err := bfvm.New(program, cfg)
	if err != nil {
		fatalf("%v", err)
	}

	fault := m.Run()

	// Output written before the fault still belongs to the user.
	out.Flush()

	if *showStats {
		printStats(m.Steps(), m.OpCounts())
	}
	if fault != nil {
		snap := m.Snapshot()
		printFault(fault.Error(), &snap)
		return 1
	}
	return 0
}

// runRemote ships the program to a zbf.Runner service.
func runRemote(src []byte) int {
	opts := remote.RunOptions{
		TapeSize:  *tapeSize,
		CellWidth: *cellWidth,
		TrapArith: *trapArith,
		EOF:       *eofMode,
		StepLimit: *stepLimit,
	}

	// The request carries its input with it, so stdin has to be read
	// upfront. Only drain it when the program can actually consume it.
	if bytes.IndexByte(src, bfvm.OpIn) >= 0 {
		input, err := io.ReadAll(os.Stdin)
		if err != nil {
			fatalf("read stdin: %v", err)
		}
		opts.Input = input
	}

	config := remote.DefaultConfig()
	config.Endpoint = *remoteAddr
	config.Token = *remoteToken
	config.UseTLS = *remoteTLS

	client, err := remote.Dial(config)
	if err != nil {
		fatalf("%v", err)
	}
	defer client.Close()

	reply, err := client.Run(context.Background(), &remote.RunRequest{
		Source:  string(src),
		Options: opts,
	})
	if err != nil {
		fatalf("%v", err)
	}

	os.Stdout.Write(reply.Output)

	if *showStats {
		printStats(reply.Steps, reply.OpCounts)
	}
	if reply.Fault != "" {
		printFault(reply.Fault, reply.Snapshot)
		return 1
	}
	return 0
}

// vmConfig maps the flags onto a VM configuration.
func vmConfig() (bfvm.Config, error) {
	cfg := bfvm.DefaultConfig()
	cfg.TapeSize = *tapeSize
	cfg.StepLimit = *stepLimit

	switch *cellWidth {
	case 8:
		cfg.CellWidth = bfvm.Cell8
	case 16:
		cfg.CellWidth = bfvm.Cell16
	case 32:
		cfg.CellWidth = bfvm.Cell32
	default:
		return cfg, fmt.Errorf("invalid cell width %d, want 8, 16 or 32", *cellWidth)
	}

	if *trapArith {
		cfg.Arith = bfvm.ArithTrap
	}

	switch *eofMode {
	case "zero":
		cfg.EOF = bfvm.EOFZero
	case "trap":
		cfg.EOF = bfvm.EOFTrap
	default:
		return cfg, fmt.Errorf("invalid eof behavior %q, want zero or trap", *eofMode)
	}

	return cfg, nil
}

// printListing loads the program and prints one line per instruction,
// with bracket targets resolved.
func printListing(src []byte) error {
	program, err := bfvm.Load(src)
	if err != nil {
		return err
	}
	for _, e := range program.Listing() {
		if e.Jump >= 0 {
			fmt.Printf("%6d  %c  -> %d\n", e.Pos, e.Op, e.Jump)
		} else {
			fmt.Printf("%6d  %c\n", e.Pos, e.Op)
		}
	}
	return nil
}

// printStats writes step and per-instruction counts to stderr, keeping
// stdout clean for program output.
func printStats(steps uint64, counts [bfvm.NumOps]uint64) {
	fmt.Fprintf(os.Stderr, "steps: %d\n", steps)
	for i, op := range bfvm.Ops {
		if counts[i] == 0 {
			continue
		}
		fmt.Fprintf(os.Stderr, "  %c  %d\n", op, counts[i])
	}
}

// printFault writes the fault and its diagnostic snapshot to stderr.
func printFault(fault string, snap *bfvm.Snapshot) {
	fmt.Fprintf(os.Stderr, "zbf: %s\n", fault)
	if *quiet || snap == nil {
		return
	}
	if snap.Op != 0 {
		fmt.Fprintf(os.Stderr, "  ip=%d op=%q head=%d cell=%d\n", snap.IP, snap.Op, snap.Head, snap.Cell)
	} else {
		fmt.Fprintf(os.Stderr, "  ip=%d head=%d cell=%d\n", snap.IP, snap.Head, snap.Cell)
	}
}

// fatalf reports a setup error and exits with status 2. Runtime faults
// exit with status 1 instead.
func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "zbf: "+format+"\n", args...)
	os.Exit(2)
}
