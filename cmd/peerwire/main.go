// Serves and fetches torrent data over the peer wire protocol, one peer at a time, and simulates
// transfers on an in-memory network.
//
// Example:
//
//	$ peerwire serve --addr :6881 ubuntu.torrent ubuntu.iso
//	$ peerwire fetch --peer 127.0.0.1:6881 ubuntu.torrent /tmp/ubuntu.iso
//	$ peerwire sim --size 64MiB --bandwidth 5MB --latency 80ms
package main

import (
	"context"
	"expvar"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexflint/go-arg"
	"github.com/anacrolix/envpprof"
	"github.com/anacrolix/log"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/anacrolix/peerwire/version"
)

var flags struct {
	Debug       bool   `help:"log at debug level"`
	Quiet       bool   `help:"discard logging"`
	MetricsAddr string `help:"serve prometheus metrics and expvars on this address"`

	ServeCmd   *ServeCmd `arg:"subcommand:serve" help:"seed a torrent to any peer that connects"`
	FetchCmd   *FetchCmd `arg:"subcommand:fetch" help:"download a torrent from a single peer"`
	SimCmd     *SimCmd   `arg:"subcommand:sim" help:"simulate a transfer over an in-memory network"`
	VersionCmd *struct{} `arg:"subcommand:version"`
}

func main() {
	defer envpprof.Stop()
	if err := mainErr(); err != nil {
		log.Printf("error in main: %v", err)
		os.Exit(1)
	}
}

func logger() log.Logger {
	switch {
	case flags.Quiet:
		return log.Discard
	case flags.Debug:
		return log.Default.FilterLevel(log.Debug)
	default:
		return log.Default.FilterLevel(log.Info)
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/debug/vars", expvar.Handler())
	go func() {
		err := http.ListenAndServe(addr, mux)
		log.Printf("metrics server stopped: %v", err)
	}()
}

func mainErr() error {
	p := arg.MustParse(&flags)
	if flags.MetricsAddr != "" {
		serveMetrics(flags.MetricsAddr)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	switch {
	case flags.ServeCmd != nil:
		return serve(ctx, flags.ServeCmd)
	case flags.FetchCmd != nil:
		return fetch(ctx, flags.FetchCmd)
	case flags.SimCmd != nil:
		return sim(flags.SimCmd)
	case flags.VersionCmd != nil:
		fmt.Printf("Peer id prefix: %q\n", version.DefaultBep20Prefix)
		fmt.Printf("Client version: %q\n", version.DefaultClientVersion)
		return nil
	default:
		p.Fail(fmt.Sprintf("unexpected subcommand: %v", p.Subcommand()))
		panic("unreachable")
	}
}

// Parses a human byte quantity like "1MB" or "512KiB". Empty is zero.
func parseBytes(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("parsing byte quantity %q: %w", s, err)
	}
	return int64(n), nil
}

func formatRate(bitsPerSecond float64) string {
	return humanize.Bytes(uint64(bitsPerSecond/8)) + "/s"
}
