// The cfprobe command measures achievable throughput and latency against a
// reference service and emits one JSON result object on stdout. Progress is
// logged to stderr; the exit code is 0 on success and 1 on any failure.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/sqm-tools/cfprobe/internal/archive"
	"github.com/sqm-tools/cfprobe/pkg/probe"
	"github.com/sqm-tools/cfprobe/pkg/version"
)

var (
	flagServer        = flag.String("server", probe.DefaultServerURL, "Base URL of the reference service")
	flagStreams       = flag.Int("streams", probe.DefaultStreams, "Number of concurrent streams per phase")
	flagDuration      = flag.Duration("duration", probe.DefaultDuration, "Duration of each measurement phase")
	flagDownloadBytes = flag.Int("download-bytes", probe.DefaultDownloadBytes, "Initial download chunk size in bytes")
	flagUploadBytes   = flag.Int("upload-bytes", probe.DefaultUploadBytes, "Upload payload size in bytes")
	flagDownloadOnly  = flag.Bool("download-only", false, "Measure download only")
	flagUploadOnly    = flag.Bool("upload-only", false, "Measure upload only")
	flagTimeout       = flag.Duration("timeout", probe.DefaultTimeout, "Overall timeout for the whole run")
	flagInterface     = flag.String("interface", "", "Bind outbound connections to this network interface")
	flagOutput        = flag.String("output", "", "Directory to archive results to")
	flagDebug         = flag.Bool("debug", false, "Enable debug logging")
	flagVersion       = flag.Bool("version", false, "Print the version and exit")
)

func main() {
	flag.Parse()

	if *flagVersion {
		fmt.Println(version.Version)
		return
	}

	log.SetReportTimestamp(true)
	if *flagDebug {
		log.SetLevel(log.DebugLevel)
	}

	config := probe.NewConfig()
	config.ServerURL = *flagServer
	config.Streams = *flagStreams
	config.Duration = *flagDuration
	config.DownloadBytes = *flagDownloadBytes
	config.UploadBytes = *flagUploadBytes
	config.DownloadOnly = *flagDownloadOnly
	config.UploadOnly = *flagUploadOnly
	config.Timeout = *flagTimeout
	config.Interface = *flagInterface
	config.Emitter = &probe.HumanReadable{Debug: *flagDebug}

	prober, err := probe.New(config)
	if err != nil {
		// Configuration and bind failures surface through the same JSON
		// contract as phase failures.
		emit(&probe.Result{
			Error:     fmt.Sprintf("setup: %v", err),
			Timestamp: time.Now().UTC(),
			Config: probe.RunConfig{
				Streams:   config.Streams,
				DurationS: config.Duration.Seconds(),
			},
		})
		os.Exit(1)
	}

	result := prober.Run(context.Background())

	if *flagOutput != "" {
		path, err := archive.Write(*flagOutput, result.RunID, result)
		if err != nil {
			log.Error("failed to archive result", "error", err)
		} else {
			log.Info("result archived", "path", path)
		}
	}

	emit(result)
	if !result.Success {
		os.Exit(1)
	}
}

func emit(result *probe.Result) {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(result); err != nil {
		log.Fatal("failed to encode result", "error", err)
	}
}
