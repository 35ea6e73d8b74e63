// Command mrt-server runs one MRT server endpoint: it accepts a single
// peer, receives a fixed number of bytes from it, reports the count, and
// exits — mirroring the original collaborator's smoke-test driver
// (app_server_large.py) while remaining a thin shell over source/server.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/nac-codes/mrt-go/pkg/metrics"
	"github.com/nac-codes/mrt-go/pkg/mrtlog"
	"github.com/nac-codes/mrt-go/source/server"
)

// metricsPortOffset is added to the listen port to derive the side port
// the Prometheus handler is served on.
const metricsPortOffset = 1000

func main() {
	root := &cobra.Command{
		Use:   "mrt-server <listen-port> <receive-bytes>",
		Short: "Accept one MRT client and receive a fixed number of bytes from it.",
		Args:  cobra.ExactArgs(2),
		RunE:  run,
	}

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	listenPort, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid listen port %q: %w", args[0], err)
	}
	receiveBytes, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid receive byte count %q: %w", args[1], err)
	}

	log := mrtlog.New(logrus.InfoLevel)
	audit, err := mrtlog.OpenAuditLog(fmt.Sprintf("log_%d.txt", listenPort))
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	mx := metrics.NewRegistry()

	srv, err := server.Init(listenPort, receiveBytes, log, audit, mx)
	if err != nil {
		return err
	}

	metricsAddr := fmt.Sprintf(":%d", listenPort+metricsPortOffset)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", mx.Handler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.WithError(err).Warn("mrt-server: metrics endpoint stopped")
		}
	}()
	log.WithField("addr", metricsAddr).Info("mrt-server: serving Prometheus metrics")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	doneChan := make(chan struct{})
	go func() {
		defer close(doneChan)
		c, err := srv.Accept()
		if err != nil {
			log.WithError(err).Error("mrt-server: accept failed")
			return
		}
		data := srv.Receive(c, receiveBytes)
		fmt.Printf(">> received %d bytes successfully\n", len(data))
	}()

	select {
	case <-doneChan:
	case sig := <-sigChan:
		log.WithField("signal", sig).Warn("mrt-server: shutting down")
	}

	srv.Close()
	time.Sleep(100 * time.Millisecond)
	return nil
}
