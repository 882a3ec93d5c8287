// The cfprobe-server command is a self-hostable implementation of the
// reference wire protocol: bulk download, bulk upload and trace endpoints.
// It can enforce a per-client byte budget, answering 429 over budget, which
// exercises the client's adaptive backoff end to end.
package main

import (
	"context"
	"flag"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"
	"github.com/sqm-tools/cfprobe/internal/handler"
)

var (
	flagListen       = flag.String("listen", ":8080", "Listen address/port")
	flagCertFile     = flag.String("cert", "", "The file with server certificates in PEM format.")
	flagKeyFile      = flag.String("key", "", "The file with server key in PEM format.")
	flagColo         = flag.String("colo", "DEV", "Edge location identifier reported by the trace endpoint")
	flagLocation     = flag.String("loc", "XX", "Location code reported by the trace endpoint")
	flagBudget       = flag.Int64("budget", 0, "Per-client byte budget per window, 0 to disable rate limiting")
	flagBudgetWindow = flag.Duration("budget-window", 10*time.Second, "Rate limiting accounting window")

	// Context for the whole program.
	ctx, cancel = context.WithCancel(context.Background())
)

func main() {
	flag.Parse()

	log.SetReportCaller(true)
	log.SetReportTimestamp(true)
	log.SetLevel(log.DebugLevel)

	promSrv := prometheusx.MustServeMetrics()
	defer promSrv.Close()

	h := handler.New(*flagColo, *flagLocation, *flagBudget, *flagBudgetWindow)
	defer h.Stop()

	mux := http.NewServeMux()
	mux.Handle(handler.DownloadPath, http.HandlerFunc(h.Download))
	mux.Handle(handler.UploadPath, http.HandlerFunc(h.Upload))
	mux.Handle(handler.TracePath, http.HandlerFunc(h.Trace))

	srv := &http.Server{
		Addr:    *flagListen,
		Handler: mux,
		// NOTE: set absolute read and write timeouts for server
		// connections. This prevents clients, or middleboxes, from opening
		// a connection and holding it open indefinitely. The values must
		// exceed the longest supported measurement phase.
		ReadTimeout:  2 * time.Minute,
		WriteTimeout: 2 * time.Minute,
	}

	go func() {
		log.Info("About to listen for measurement requests", "endpoint", *flagListen)
		var err error
		if *flagCertFile != "" && *flagKeyFile != "" {
			err = srv.ListenAndServeTLS(*flagCertFile, *flagKeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		rtx.Must(err, "Could not start server")
		defer srv.Close()
	}()

	<-ctx.Done()
	cancel()
}
