// Command mrt-network emulates an unreliable link between an MRT client
// and server: it forwards datagrams between two fixed endpoints while
// dropping and bit-flipping them according to a time-keyed loss
// schedule file, mirroring the original collaborator network.py.
package main

import (
	"bufio"
	"fmt"
	"math/rand"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/nac-codes/mrt-go/pkg/link"
	"github.com/nac-codes/mrt-go/pkg/mrtlog"
	"github.com/nac-codes/mrt-go/pkg/segment"
)

// scheduleEntry is one line of the loss file: at or after offsetSeconds
// elapsed, apply these rates until the next entry takes effect.
type scheduleEntry struct {
	offsetSeconds int
	lossRate      float64
	bitErrorRate  float64
}

func loadSchedule(path string) ([]scheduleEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []scheduleEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 3 {
			continue
		}
		offset, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("parsing schedule offset %q: %w", fields[0], err)
		}
		lossRate, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, fmt.Errorf("parsing schedule loss rate %q: %w", fields[1], err)
		}
		bitErrorRate, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return nil, fmt.Errorf("parsing schedule bit error rate %q: %w", fields[2], err)
		}
		entries = append(entries, scheduleEntry{offset, lossRate, bitErrorRate})
	}
	return entries, scanner.Err()
}

// currentRates returns the loss and bit-error rate in effect at elapsed
// seconds since the link started, picking the last entry whose offset
// has passed.
func currentRates(entries []scheduleEntry, elapsed time.Duration) (lossRate, bitErrorRate float64) {
	secs := int(elapsed.Seconds())
	for _, e := range entries {
		if secs >= e.offsetSeconds {
			lossRate, bitErrorRate = e.lossRate, e.bitErrorRate
		}
	}
	return lossRate, bitErrorRate
}

func applyBitErrors(data []byte, rate float64) []byte {
	if rate <= 0 {
		return data
	}
	out := make([]byte, len(data))
	copy(out, data)
	for i := range out {
		for bit := 0; bit < 8; bit++ {
			if rand.Float64() <= rate {
				out[i] ^= 1 << uint(bit)
			}
		}
	}
	return out
}

func main() {
	root := &cobra.Command{
		Use:   "mrt-network <network-port> <client-addr> <client-port> <server-addr> <server-port> <loss-file>",
		Short: "Forward MRT segments between a client and server, dropping and corrupting them per a loss schedule.",
		Args:  cobra.ExactArgs(6),
		RunE:  run,
	}

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	networkPort, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid network port %q: %w", args[0], err)
	}
	clientAddr := args[1]
	clientPort, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("invalid client port %q: %w", args[2], err)
	}
	serverAddr := args[3]
	serverPort, err := strconv.Atoi(args[4])
	if err != nil {
		return fmt.Errorf("invalid server port %q: %w", args[4], err)
	}
	lossFile := args[5]

	schedule, err := loadSchedule(lossFile)
	if err != nil {
		return fmt.Errorf("loading loss schedule: %w", err)
	}

	log := mrtlog.New(logrus.InfoLevel)

	l, err := link.Listen("", networkPort)
	if err != nil {
		return fmt.Errorf("listening on port %d: %w", networkPort, err)
	}
	defer l.Close()

	clientUDP := &net.UDPAddr{IP: net.ParseIP(clientAddr), Port: clientPort}
	serverUDP := &net.UDPAddr{IP: net.ParseIP(serverAddr), Port: serverPort}

	start := time.Now()
	log.WithFields(logrus.Fields{"port": networkPort, "client": clientUDP, "server": serverUDP}).Info("mrt-network: forwarding")

	for {
		raw, from, err := l.RecvFrom(24 * time.Hour)
		if err != nil {
			log.WithError(err).Warn("mrt-network: read error")
			continue
		}

		lossRate, bitErrorRate := currentRates(schedule, time.Since(start))
		if rand.Float64() <= lossRate {
			log.WithField("from", from).Debug("mrt-network: dropping segment")
			continue
		}

		forwarded := applyBitErrors(raw, bitErrorRate)

		if f, err := segment.Decode(forwarded); err == nil {
			log.WithField("kind", f.Kind).Debug("mrt-network: forwarding segment")
		}

		dst := serverUDP
		if from.Port == serverUDP.Port && from.IP.Equal(serverUDP.IP) {
			dst = clientUDP
		}
		if err := l.SendTo(dst, forwarded); err != nil {
			log.WithError(err).Warn("mrt-network: forward failed")
		}
	}
}
