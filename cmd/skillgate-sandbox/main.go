// skillgate-sandbox is the in-child half of the sandbox runner: it
// applies resource ceilings and network isolation to itself, then
// execs the skill executable. Keeping this in a separate process means
// the limits are in place before any skill code runs and a runaway
// skill can never take the daemon down with it.
//
// Usage: skillgate-sandbox -dir DIR -cpu SECONDS -mem BYTES -net=BOOL -- ARGV...
package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

func main() {
	dir := flag.String("dir", "", "scratch directory to run in")
	cpu := flag.Uint64("cpu", 30, "CPU time ceiling in seconds")
	mem := flag.Uint64("mem", 800<<20, "address space ceiling in bytes")
	net := flag.Bool("net", false, "allow outbound network")
	flag.Parse()

	argv := flag.Args()
	if len(argv) == 0 {
		fatal("no command given")
	}

	if !*net {
		// Unprivileged network isolation: a fresh user namespace plus a
		// fresh, interface-less network namespace. Fail closed: a skill
		// without the network capability must not run with the host's
		// network reachable.
		if err := syscall.Unshare(syscall.CLONE_NEWUSER | syscall.CLONE_NEWNET); err != nil {
			fatal("network isolation unavailable: %v", err)
		}
	}

	limits := []struct {
		resource int
		value    uint64
		name     string
	}{
		{syscall.RLIMIT_CPU, *cpu, "cpu"},
		{syscall.RLIMIT_AS, *mem, "mem"},
		{syscall.RLIMIT_NOFILE, 256, "nofile"},
	}
	for _, l := range limits {
		rl := &syscall.Rlimit{Cur: l.value, Max: l.value}
		if err := syscall.Setrlimit(l.resource, rl); err != nil {
			fatal("setrlimit %s: %v", l.name, err)
		}
	}

	if *dir != "" {
		if err := os.Chdir(*dir); err != nil {
			fatal("chdir %s: %v", *dir, err)
		}
	}

	bin, err := exec.LookPath(argv[0])
	if err != nil {
		fatal("resolve %s: %v", argv[0], err)
	}
	if err := syscall.Exec(bin, argv, os.Environ()); err != nil {
		fatal("exec %s: %v", bin, err)
	}
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "skillgate-sandbox: "+format+"\n", args...)
	os.Exit(125)
}
