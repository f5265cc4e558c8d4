// Command pcap-replay streams UDP payloads from a packet capture at a
// relay's ingest socket. It reads the capture with the pure-Go pcap reader,
// so no libpcap is needed, and paces transmission by the original capture
// timestamps.
//
// Usage:
//
//	go run ./cmd/tools/pcap-replay -file capture.pcap -target 127.0.0.1:14550
//
// Flags:
//
//	-file     Path to the .pcap file (required)
//	-target   Destination host:port (required)
//	-port     Only replay UDP packets captured on this port (0 = all)
//	-speed    Replay speed multiplier (0 = as fast as possible)
//	-count    Stop after this many packets (0 = whole file)
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

var (
	pcapFile = flag.String("file", "", "Path to .pcap file (required)")
	target   = flag.String("target", "", "Destination host:port (required)")
	udpPort  = flag.Int("port", 0, "Only replay UDP packets on this capture port (0 = all)")
	speed    = flag.Float64("speed", 1.0, "Replay speed multiplier (0 = no pacing)")
	count    = flag.Int("count", 0, "Stop after this many packets (0 = whole file)")
)

func main() {
	flag.Parse()

	if *pcapFile == "" || *target == "" {
		log.Fatal("both -file and -target are required")
	}

	addr, err := net.ResolveUDPAddr("udp", *target)
	if err != nil {
		log.Fatalf("invalid target %s: %v", *target, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		log.Fatalf("failed to dial %s: %v", *target, err)
	}
	defer conn.Close()

	f, err := os.Open(*pcapFile)
	if err != nil {
		log.Fatalf("failed to open capture: %v", err)
	}
	defer f.Close()

	reader, err := pcapgo.NewReader(f)
	if err != nil {
		log.Fatalf("failed to parse capture %s: %v", *pcapFile, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := replay(ctx, reader, conn); err != nil {
		if err == context.Canceled {
			log.Print("replay interrupted")
			return
		}
		log.Fatalf("replay failed: %v", err)
	}
}

func replay(ctx context.Context, reader *pcapgo.Reader, conn *net.UDPConn) error {
	source := gopacket.NewPacketSource(reader, reader.LinkType())
	source.Lazy = true

	sent := 0
	bytes := 0
	start := time.Now()
	var lastCapture time.Time

	for packet := range source.Packets() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp, ok := udpLayer.(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}
		if *udpPort != 0 && int(udp.DstPort) != *udpPort {
			continue
		}

		// Pace by the gap between capture timestamps.
		captureTime := packet.Metadata().Timestamp
		if *speed > 0 && !lastCapture.IsZero() {
			gap := time.Duration(float64(captureTime.Sub(lastCapture)) / *speed)
			if gap > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(gap):
				}
			}
		}
		lastCapture = captureTime

		if _, err := conn.Write(udp.Payload); err != nil {
			return err
		}
		sent++
		bytes += len(udp.Payload)

		if sent%10000 == 0 {
			elapsed := time.Since(start)
			log.Printf("replay progress: %d packets in %v (%.0f pkt/s)",
				sent, elapsed, float64(sent)/elapsed.Seconds())
		}
		if *count > 0 && sent >= *count {
			break
		}
	}

	log.Printf("replay complete: %d packets, %d bytes in %v", sent, bytes, time.Since(start))
	return nil
}
