// Copyright (c) 2024, The Deflat Authors.
// See LICENSE for licensing information.

package main

import (
	"bytes"
	cryptorand "crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	mathrand "math/rand"
	"os"
	"runtime/debug"
	"strings"
	"time"
)

var flagSet = flag.NewFlagSet("deflat", flag.ContinueOnError)

var (
	flagDebug bool
	flagSeed  seedFlag
)

func init() {
	flagSet.Usage = usage
	flagSet.BoolVar(&flagDebug, "debug", false, "Print debug logs to stderr")
	flagSet.Var(&flagSeed, "seed", "Provide a base64-encoded seed for selfcheck, e.g. -seed=o9WDTZ4CN4w\nFor a random seed, provide -seed=random")
}

func usage() {
	fmt.Fprint(os.Stderr, `
Deflat recovers the control flow of functions flattened around a state
variable, and patches it back into the machine code.

	deflat [deflat flags] command [arguments]

For example, to deflatten the targets listed in a config file:

	deflat solve -config config.json -o patched.json image.json

The following commands are supported:

	solve          recover and patch the targets of a config file
	globals        list the read-only globals of an image
	selfcheck      flatten Go functions and check that they are recovered
	version        print the version and build settings of the deflat binary

deflat accepts the following flags before a command:

`[1:])
	flagSet.PrintDefaults()
}

func main() { os.Exit(main1()) }

// errJustExit is returned by commands which already reported their problem,
// such as usage errors.
type errJustExit int

func (e errJustExit) Error() string { return fmt.Sprintf("exit: %d", e) }

func main1() int {
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return 2
	}
	log.SetPrefix("[deflat] ")
	log.SetFlags(0) // no timestamps, as they aren't very helpful
	if flagDebug {
		log.SetOutput(&uniqueLineWriter{out: os.Stderr})
	} else {
		log.SetOutput(io.Discard)
	}
	args := flagSet.Args()
	if len(args) < 1 {
		usage()
		return 2
	}
	if err := mainErr(args); err != nil {
		var code errJustExit
		if errors.As(err, &code) {
			return int(code)
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func mainErr(args []string) error {
	command, args := args[0], args[1:]
	switch command {
	case "help":
		if len(args) > 0 {
			return mainErr([]string{args[0], "-h"})
		}
		usage()
		return errJustExit(2)
	case "version":
		if hasHelpFlag(args) || len(args) > 0 {
			fmt.Fprint(os.Stderr, `
usage: deflat version

This command prints deflat's version and build settings.
`[1:])
			return errJustExit(2)
		}
		return commandVersion()
	case "solve":
		return commandSolve(args)
	case "globals":
		return commandGlobals(args)
	case "selfcheck":
		return commandSelfcheck(args)
	}
	fmt.Fprintf(os.Stderr, "unknown command: %q\n\n", command)
	usage()
	return errJustExit(2)
}

func commandVersion() error {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		// The build settings were not embedded; not much we can print.
		fmt.Println("deflat (devel)")
		return nil
	}
	mod := &info.Main
	if mod.Replace != nil {
		mod = mod.Replace
	}
	if mod.Path == "" {
		mod.Path = "mvdan.cc/deflat"
	}
	fmt.Printf("%s %s\n\nBuild settings:\n", mod.Path, mod.Version)
	for _, setting := range info.Settings {
		if setting.Value == "" {
			continue
		}
		fmt.Printf("%16s %s\n", setting.Key, setting.Value)
	}
	return nil
}

// newFlagSet is a flag set for a command, printing help text of its own.
func newFlagSet(name, help string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, help)
		fs.PrintDefaults()
	}
	return fs
}

type seedFlag struct {
	random bool
	bytes  []byte
}

func (f seedFlag) present() bool { return len(f.bytes) > 0 }

func (f seedFlag) String() string {
	return base64.RawStdEncoding.EncodeToString(f.bytes)
}

func (f *seedFlag) Set(s string) error {
	if s == "random" {
		f.random = true // to show the random seed we chose

		f.bytes = make([]byte, 16) // random 128 bit seed
		if _, err := cryptorand.Read(f.bytes); err != nil {
			return fmt.Errorf("error generating random seed: %v", err)
		}
	} else {
		// We expect unpadded base64, but to be nice, accept padded
		// strings too.
		s = strings.TrimRight(s, "=")
		seed, err := base64.RawStdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("error decoding seed: %v", err)
		}

		if len(seed) < 8 {
			return fmt.Errorf("-seed needs at least 8 bytes, have %d", len(seed))
		}
		f.bytes = seed
	}
	return nil
}

// newRand returns the source of randomness for selfcheck. Without -seed,
// a fixed seed keeps runs reproducible.
func newRand() *mathrand.Rand {
	if !flagSeed.present() {
		return mathrand.New(mathrand.NewSource(1))
	}
	if flagSeed.random {
		fmt.Fprintf(os.Stderr, "-seed chosen at random: %s\n", flagSeed)
	}
	return mathrand.New(mathrand.NewSource(int64(binary.BigEndian.Uint64(flagSeed.bytes))))
}

// uniqueLineWriter sits underneath log.SetOutput to deduplicate log lines.
// The same block or edge is often logged by more than one stage.
type uniqueLineWriter struct {
	out  io.Writer
	seen map[string]bool
}

func (w *uniqueLineWriter) Write(p []byte) (n int, err error) {
	if !flagDebug {
		panic("unexpected use of uniqueLineWriter with -debug unset")
	}
	if bytes.Count(p, []byte("\n")) != 1 {
		return 0, fmt.Errorf("log write wasn't just one line: %q", p)
	}
	if w.seen[string(p)] {
		return len(p), nil
	}
	if w.seen == nil {
		w.seen = make(map[string]bool)
	}
	w.seen[string(p)] = true
	return w.out.Write(p)
}

// debugSince is like time.Since but resulting in shorter output.
func debugSince(start time.Time) time.Duration {
	return time.Since(start).Truncate(10 * time.Microsecond)
}

func hasHelpFlag(flags []string) bool {
	for _, f := range flags {
		switch f {
		case "-h", "-help", "--help":
			return true
		}
	}
	return false
}
