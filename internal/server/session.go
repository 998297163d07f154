package server

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"time"

	"github.com/roadpulse/fleet-ingester/internal/codec8"
	"github.com/roadpulse/fleet-ingester/internal/ingest"
	"github.com/roadpulse/fleet-ingester/internal/metrics"
	"go.uber.org/zap"
)

const (
	maxIdentifierLen = 64
	hexDumpCap       = 64

	handshakeReject byte = 0x00
	handshakeAccept byte = 0x01
)

type session struct {
	conn     net.Conn
	ingester Ingester
	sem      chan struct{}
	opts     Options
	logger   *zap.Logger

	identifier string
}

func newSession(conn net.Conn, ingester Ingester, sem chan struct{}, opts Options, logger *zap.Logger) *session {
	return &session{
		conn:     conn,
		ingester: ingester,
		sem:      sem,
		opts:     opts,
		logger:   logger.With(zap.String("remote", conn.RemoteAddr().String())),
	}
}

func (s *session) run(ctx context.Context) {
	defer s.conn.Close()

	reason := s.serve(ctx)
	metrics.SessionsClosedTotal.WithLabelValues(reason).Inc()
	s.logger.Info("session closed",
		zap.String("identifier", s.identifier),
		zap.String("reason", reason),
	)
}

// serve runs the session to completion and returns the close reason.
func (s *session) serve(ctx context.Context) string {
	if reason := s.handshake(); reason != "" {
		return reason
	}

	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	// The idle clock measures time since the last complete frame (or the
	// handshake), not since the last byte: a device trickling bytes without
	// ever finishing a frame must still be cut off.
	lastFrame := time.Now()
	for {
		// Drain complete frames before reading more.
		for {
			total, dataLen := codec8.FrameLength(buf)
			if total == 0 {
				break
			}
			if total > s.opts.FrameCapBytes {
				s.logger.Warn("frame exceeds cap, closing session",
					zap.String("identifier", s.identifier),
					zap.Uint32("declared_data_bytes", dataLen),
					zap.Int("cap_bytes", s.opts.FrameCapBytes),
				)
				return "oversized_frame"
			}
			if len(buf) < total {
				break
			}
			s.handleFrame(ctx, buf[:total])
			buf = append(buf[:0], buf[total:]...)
			lastFrame = time.Now()
		}

		if ctx.Err() != nil {
			return "shutdown"
		}
		deadline := lastFrame.Add(s.opts.IdleTimeout)
		if !time.Now().Before(deadline) {
			return "idle_timeout"
		}
		s.conn.SetReadDeadline(deadline)
		n, err := s.conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				return "eof"
			case ctx.Err() != nil:
				return "shutdown"
			case isTimeout(err):
				return "idle_timeout"
			default:
				return "read_error"
			}
		}
	}
}

// handshake reads the length-prefixed identifier and replies with a single
// accept/reject byte. Any registered or unregistered device is accepted at
// this stage; authorization happens per packet.
func (s *session) handshake() string {
	s.conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))

	var lenBuf [2]byte
	if _, err := io.ReadFull(s.conn, lenBuf[:]); err != nil {
		return "handshake_read_error"
	}
	n := int(binary.BigEndian.Uint16(lenBuf[:]))
	if n == 0 || n > maxIdentifierLen {
		s.conn.Write([]byte{handshakeReject})
		return "bad_identifier"
	}

	id := make([]byte, n)
	if _, err := io.ReadFull(s.conn, id); err != nil {
		return "handshake_read_error"
	}
	for _, c := range id {
		if c < 0x20 || c > 0x7E {
			s.conn.Write([]byte{handshakeReject})
			return "bad_identifier"
		}
	}

	if _, err := s.conn.Write([]byte{handshakeAccept}); err != nil {
		return "handshake_write_error"
	}
	s.identifier = string(id)
	return ""
}

// handleFrame parses and ingests one complete frame. Only a fully persisted
// (or recognized-duplicate) packet is acknowledged; anything else stays
// unacked so the device retransmits.
func (s *session) handleFrame(ctx context.Context, frame []byte) {
	pkt, err := codec8.Parse(frame)
	if err != nil {
		metrics.ParseErrorsTotal.WithLabelValues(parseErrorKind(err)).Inc()
		metrics.PacketsTotal.WithLabelValues("dropped").Inc()
		s.logger.Warn("dropping unparseable frame",
			zap.String("identifier", s.identifier),
			zap.String("frame_hex", hexDump(frame)),
			zap.Error(err),
		)
		return
	}

	s.sem <- struct{}{}
	res, err := s.ingester.Ingest(ctx, pkt, s.identifier)
	<-s.sem

	switch {
	case err == nil:
		metrics.PacketsTotal.WithLabelValues("ingested").Inc()
		s.logger.Debug("packet ingested",
			zap.String("identifier", s.identifier),
			zap.Int("inserted", res.RecordsProcessed),
			zap.Int("skipped", res.RecordsSkipped),
		)
		s.ack(len(pkt.Records))
	case errors.Is(err, ingest.ErrUnauthorizedDevice):
		// Acked so the device stops retransmitting data nobody will store.
		metrics.PacketsTotal.WithLabelValues("unauthorized").Inc()
		s.logger.Warn("packet from unregistered device",
			zap.String("identifier", s.identifier),
			zap.Int("records", len(pkt.Records)),
		)
		s.ack(len(pkt.Records))
	default:
		metrics.PacketsTotal.WithLabelValues("dropped").Inc()
		s.logger.Error("ingestion failed, withholding ack",
			zap.String("identifier", s.identifier),
			zap.Error(err),
		)
	}
}

func (s *session) ack(records int) {
	var out [4]byte
	binary.BigEndian.PutUint32(out[:], uint32(records))
	if _, err := s.conn.Write(out[:]); err != nil {
		s.logger.Warn("ack write failed", zap.Error(err))
	}
}

func parseErrorKind(err error) string {
	switch {
	case errors.Is(err, codec8.ErrBadPreamble):
		return "preamble"
	case errors.Is(err, codec8.ErrBadCRC):
		return "crc"
	case errors.Is(err, codec8.ErrUnsupportedCodec):
		return "codec"
	case errors.Is(err, codec8.ErrRecordCountMismatch):
		return "record_count"
	case errors.Is(err, codec8.ErrShortPacket), errors.Is(err, codec8.ErrTruncated):
		return "truncated"
	default:
		return "other"
	}
}

func hexDump(frame []byte) string {
	if len(frame) > hexDumpCap {
		return hex.EncodeToString(frame[:hexDumpCap]) + "..."
	}
	return hex.EncodeToString(frame)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
