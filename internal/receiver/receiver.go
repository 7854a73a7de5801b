// Package receiver brings log records into the process: a newline-framed
// TCP listener and an optional stdin reader. Each non-empty line becomes
// one message, stamped with the arrival time and handed to the sink.
package receiver

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/szibis/logship/internal/logging"
	"github.com/szibis/logship/internal/message"
	"github.com/szibis/logship/internal/writer"
)

// Sink receives parsed messages. The fan-out across writers lives behind
// this interface.
type Sink interface {
	AddMessage(*message.Message) error
}

// Oversize policies for lines longer than the configured maximum.
const (
	OversizeTruncate = "truncate"
	OversizeDrop     = "drop"
)

// Config holds the line-framing settings shared by all sources.
type Config struct {
	// MaxLineBytes caps a single record (default: 1 MiB). Keep it below
	// the smallest destination message limit; records the destination
	// itself rejects are dropped, not truncated.
	MaxLineBytes int
	// Oversize is the policy for lines over MaxLineBytes (default:
	// truncate).
	Oversize string
	// TLS wraps the TCP listener when non-nil. Ignored by stdin.
	TLS *tls.Config
}

func (c *Config) applyDefaults() {
	if c.MaxLineBytes <= 0 {
		c.MaxLineBytes = 1 << 20
	}
	if c.Oversize == "" {
		c.Oversize = OversizeTruncate
	}
}

// lineReader is the framing core shared by TCP connections and stdin.
type lineReader struct {
	cfg    Config
	sink   Sink
	source string
	log    *logging.Logger
}

// consume reads r line by line until EOF or error. Lines over the limit
// are truncated or dropped per policy; the remainder of an oversize line
// is always discarded so framing stays intact.
func (l *lineReader) consume(r io.Reader) error {
	br := bufio.NewReaderSize(r, 64<<10)
	var line []byte
	for {
		line = line[:0]
		overflowed := false
		for {
			chunk, err := br.ReadSlice('\n')
			if len(chunk) > 0 {
				if !overflowed {
					line = append(line, chunk...)
					if len(line) > l.cfg.MaxLineBytes+1 { // +1 for the delimiter
						overflowed = true
					}
				}
			}
			if err == nil {
				break
			}
			if errors.Is(err, bufio.ErrBufferFull) {
				continue
			}
			if errors.Is(err, io.EOF) {
				l.emit(line, overflowed)
				return nil
			}
			return err
		}
		l.emit(line, overflowed)
	}
}

func (l *lineReader) emit(line []byte, overflowed bool) {
	line = bytes.TrimRight(line, "\r\n")
	if len(line) == 0 {
		return
	}

	if overflowed || len(line) > l.cfg.MaxLineBytes {
		if l.cfg.Oversize == OversizeDrop {
			linesDropped.WithLabelValues(l.source, "oversize").Inc()
			return
		}
		line = line[:l.cfg.MaxLineBytes]
		linesTruncated.WithLabelValues(l.source).Inc()
	}

	body := make([]byte, len(line))
	copy(body, line)
	err := l.sink.AddMessage(message.New(time.Now(), body))
	switch {
	case err == nil:
		linesReceived.WithLabelValues(l.source).Inc()
	case errors.Is(err, writer.ErrMessageTooLarge):
		linesDropped.WithLabelValues(l.source, "destination_limit").Inc()
		l.log.Warn("record exceeds destination limits, dropping", logging.F(
			"source", l.source,
			"bytes", len(body),
		))
	default:
		linesDropped.WithLabelValues(l.source, "sink").Inc()
	}
}

// TCP accepts newline-framed connections and feeds the sink.
type TCP struct {
	cfg  Config
	addr string
	sink Sink
	log  *logging.Logger

	mu    sync.Mutex
	bound net.Addr
}

// NewTCP creates a TCP receiver listening on addr.
func NewTCP(addr string, cfg Config, sink Sink) *TCP {
	cfg.applyDefaults()
	return &TCP{cfg: cfg, addr: addr, sink: sink, log: logging.ForWriter("receiver")}
}

// Addr returns the bound listener address, or nil before Run has started
// listening. Useful when configured with a ":0" port.
func (t *TCP) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bound
}

// Run listens and serves until ctx is cancelled. Connection handling
// errors are logged, not fatal; only listener failures end the run.
func (t *TCP) Run(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", t.addr)
	if err != nil {
		return err
	}
	if t.cfg.TLS != nil {
		ln = tls.NewListener(ln, t.cfg.TLS)
	}
	t.mu.Lock()
	t.bound = ln.Addr()
	t.mu.Unlock()
	t.log.Info("tcp receiver listening", logging.F(
		"address", ln.Addr().String(),
		"tls", t.cfg.TLS != nil,
	))

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		connectionsAccepted.Inc()
		go t.serve(ctx, conn)
	}
}

func (t *TCP) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	lr := &lineReader{cfg: t.cfg, sink: t.sink, source: "tcp", log: t.log}
	if err := lr.consume(conn); err != nil && ctx.Err() == nil {
		t.log.Warn("connection terminated", logging.F(
			"remote", conn.RemoteAddr().String(),
			"error", err.Error(),
		))
	}
}

// Stdin feeds the sink from a stream, normally os.Stdin.
type Stdin struct {
	cfg  Config
	in   io.Reader
	sink Sink
	log  *logging.Logger
}

// NewStdin creates a stdin receiver over in.
func NewStdin(in io.Reader, cfg Config, sink Sink) *Stdin {
	cfg.applyDefaults()
	return &Stdin{cfg: cfg, in: in, sink: sink, log: logging.ForWriter("receiver")}
}

// Run consumes the stream until EOF or ctx cancellation.
func (s *Stdin) Run(ctx context.Context) error {
	lr := &lineReader{cfg: s.cfg, sink: s.sink, source: "stdin", log: s.log}
	done := make(chan error, 1)
	go func() { done <- lr.consume(s.in) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return nil
	}
}

// Fanout replicates every message to all writers. A rejection by any
// writer is reported; the remaining writers still receive the message.
type Fanout struct {
	writers []*writer.Writer
}

// NewFanout creates a fan-out sink over the given writers.
func NewFanout(writers []*writer.Writer) *Fanout {
	return &Fanout{writers: writers}
}

// AddMessage implements Sink.
func (f *Fanout) AddMessage(msg *message.Message) error {
	var firstErr error
	for _, w := range f.writers {
		if err := w.AddMessage(msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
