// Command mrt-client connects to an MRT server, sends the bytes read from
// stdin, and disconnects. When stdin is empty no data is sent.
package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/nac-codes/mrt-go/pkg/metrics"
	"github.com/nac-codes/mrt-go/pkg/mrtlog"
	"github.com/nac-codes/mrt-go/source/client"
)

func main() {
	root := &cobra.Command{
		Use:   "mrt-client <src-port> <dst-addr> <dst-port> <segment-size>",
		Short: "Connect to an MRT server and send stdin to it.",
		Args:  cobra.ExactArgs(4),
		RunE:  run,
	}

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	srcPort, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid src port %q: %w", args[0], err)
	}
	dstAddr := args[1]
	dstPort, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("invalid dst port %q: %w", args[2], err)
	}
	segmentSize, err := strconv.Atoi(args[3])
	if err != nil {
		return fmt.Errorf("invalid segment size %q: %w", args[3], err)
	}

	log := mrtlog.New(logrus.InfoLevel)
	audit, err := mrtlog.OpenAuditLog(fmt.Sprintf("log_client_%d.txt", srcPort))
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}

	mx := metrics.NewRegistry()

	cl, err := client.Init(srcPort, dstAddr, dstPort, segmentSize, log, audit, mx)
	if err != nil {
		return err
	}

	if err := cl.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	payload, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("reading stdin: %w", err)
	}

	if err := cl.Send(payload); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	if err := cl.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}

	fmt.Printf(">> sent %d bytes successfully\n", len(payload))
	return nil
}
