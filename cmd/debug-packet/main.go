// debug-packet decodes a hex-encoded Codec8/Codec8-Extended frame from a
// file or stdin and prints its structure. Handy for inspecting frames pulled
// from the raw telemetry column or a packet capture.
package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/roadpulse/fleet-ingester/internal/avl"
	"github.com/roadpulse/fleet-ingester/internal/codec8"
)

func main() {
	var input []byte
	var err error
	if len(os.Args) > 1 && os.Args[1] != "-" {
		input, err = os.ReadFile(os.Args[1])
	} else {
		input, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "read input: %v\n", err)
		os.Exit(1)
	}

	cleaned := strings.Map(func(r rune) rune {
		if strings.ContainsRune(" \t\r\n", r) {
			return -1
		}
		return r
	}, string(input))

	frame, err := hex.DecodeString(cleaned)
	if err != nil {
		fmt.Fprintf(os.Stderr, "decode hex: %v\n", err)
		os.Exit(1)
	}

	analyzeFrame(frame)
}

func analyzeFrame(frame []byte) {
	total, dataLen := codec8.FrameLength(frame)
	fmt.Printf("=== Frame (%d bytes, declared data length %d, expected total %d) ===\n",
		len(frame), dataLen, total)

	pkt, err := codec8.Parse(frame)
	if err != nil {
		fmt.Printf("  Parse error: %v\n", err)
		if len(frame) > 0 {
			fmt.Printf("  Frame hex: %s\n", hex.EncodeToString(frame[:min(len(frame), 128)]))
		}
		os.Exit(1)
	}

	fmt.Printf("  CodecID: 0x%02X (extended=%v)\n", pkt.CodecID, pkt.CodecID == codec8.CodecID8Extended)
	fmt.Printf("  Records: %d\n\n", len(pkt.Records))

	for i, rec := range pkt.Records {
		fmt.Printf("  --- Record %d ---\n", i)
		fmt.Printf("    Timestamp:  %s\n", rec.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"))
		fmt.Printf("    Priority:   %d\n", rec.Priority)
		fmt.Printf("    Position:   %.7f, %.7f (alt %dm, heading %d°, sats %d, %d km/h)\n",
			rec.GPS.LatitudeDeg(), rec.GPS.LongitudeDeg(),
			rec.GPS.Altitude, rec.GPS.Heading, rec.GPS.Satellites, rec.GPS.Speed)
		fmt.Printf("    EventIO:    %d\n", rec.EventID)
		fmt.Printf("    IO elements: %d\n", len(rec.Elements))
		for _, e := range rec.Elements {
			if e.Width == 0 {
				fmt.Printf("      io %-5d var[%d] %s\n", e.ID, len(e.Data), hex.EncodeToString(e.Data))
				continue
			}
			fmt.Printf("      io %-5d %dB  %d\n", e.ID, e.Width, e.Value)
		}

		fields := avl.Map(rec.Elements)
		if fields.AxisZ != nil {
			fmt.Printf("    AxisZ:      %d milli-g\n", *fields.AxisZ)
		}
		if fields.Ignition != nil {
			fmt.Printf("    Ignition:   %v\n", *fields.Ignition)
		}
		if fields.Din1 != nil {
			fmt.Printf("    Din1:       %v\n", *fields.Din1)
		}
		fmt.Println()
	}

	fmt.Printf("Ack to send: %08X\n", len(pkt.Records))
}
