package main

import (
	"context"
	"flag"
	"os"
	"os/signal"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/m-lab/bloat/pkg/client"
	"github.com/m-lab/bloat/pkg/version"
)

var (
	flagServer   = flag.String("server", "", "Origin address (host:port). If empty, use the Locate API")
	flagScheme   = flag.String("scheme", "https", "URL scheme (https or http)")
	flagMID      = flag.String("mid", uuid.NewString(), "Measurement ID to use")
	flagOutput   = flag.String("output", "", "Path to write measurement results to")
	flagFeedAddr = flag.String("feed.addr", "", "Local address to serve the live event feed on (e.g. localhost:8181)")
	flagNoVerify = flag.Bool("no-verify", false, "Skip TLS certificate verification")
	flagDebug    = flag.Bool("debug", false, "Print debug output")
)

func main() {
	flag.Parse()

	if *flagDebug {
		log.SetLevel(log.DebugLevel)
	}

	cl := client.New("bloat-client", version.Version, client.Config{
		Server:        *flagServer,
		Scheme:        *flagScheme,
		MeasurementID: *flagMID,
		OutputPath:    *flagOutput,
		FeedAddr:      *flagFeedAddr,
		NoVerify:      *flagNoVerify,
		Emitter:       client.HumanReadable{Debug: *flagDebug},
	})

	// A SIGINT ends the session early; the partial result is still
	// reported.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if _, err := cl.Run(ctx); err != nil {
		log.Fatal("measurement failed", "error", err)
	}
}
