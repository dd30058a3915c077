// Command mrklfetch is a small demo client exercising session end to
// end: point it at a URL and a local cache directory, and it
// incrementally fetches, verifies and materializes the requested byte
// range, printing one line per event to stderr.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/pkg/profile"

	"github.com/attic-labs/mrkl/events"
	"github.com/attic-labs/mrkl/painter"
	"github.com/attic-labs/mrkl/session"
)

func main() {
	var (
		dir         = flag.String("dir", "", "local cache directory (required)")
		offset      = flag.Uint64("offset", 0, "byte offset to start reading from")
		length      = flag.Uint64("length", 0, "number of bytes to read (0 means the whole file)")
		maxInflight = flag.Int("max-inflight", 0, "max concurrent range transfers (0 picks a CPU-based default)")
		lockTimeout = flag.Duration("lock-timeout", 5*time.Second, "how long to wait for the cache directory lock")
		cpuProfile  = flag.Bool("cpuprofile", false, "write a CPU profile to ./cpu.pprof")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s -dir CACHEDIR URL\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 || *dir == "" {
		flag.Usage()
		os.Exit(2)
	}
	url := flag.Arg(0)

	if *cpuProfile {
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(".")).Stop()
	}

	sink := events.NewLogSink(os.Stderr, os.Stderr.Fd(), true)
	ctx := context.Background()

	sess, err := session.Open(ctx, url, session.Options{
		Dir:           *dir,
		Sink:          sink,
		LockTimeout:   *lockTimeout,
		PainterConfig: painter.Config{MaxInflight: *maxInflight},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "mrklfetch: open %s: %v\n", url, err)
		os.Exit(1)
	}
	defer sess.Close(ctx)

	readLen := *length
	if readLen == 0 {
		readLen = sess.Size() - *offset
	}

	if err := sess.Prebuffer(ctx, *offset, readLen); err != nil {
		fmt.Fprintf(os.Stderr, "mrklfetch: materialize [%d, %d): %v\n", *offset, *offset+readLen, err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "mrklfetch: materialized [%d, %d) of %d total bytes\n", *offset, *offset+readLen, sess.Size())
}
