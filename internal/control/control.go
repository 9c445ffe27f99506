// Package control implements the debug/control surface of spec §6: a
// small newline-delimited TCP protocol exposing scan/connect/disconnect/
// send/inbox/block-heartbeat/unblock-heartbeat/links to an operator.
// Its listener/connection-handling shape is grounded directly on the
// teacher's socks.Server (socks/socks.go) — loopback-only bind, one
// goroutine per connection, line-oriented request/response instead of
// the SOCKS5 binary protocol.
package control

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/meshtree/beacon/internal/meshid"
	"github.com/meshtree/beacon/internal/transport"
)

const maxConns = 64

// LinkInfo describes one established link, for the "links" command.
type LinkInfo struct {
	Port    transport.PortID
	PeerNID meshid.NID
	Role    string // "uplink" or "downlink"
}

// InboxEntry is one received and decrypted DATA message (spec §3, Sink only).
type InboxEntry struct {
	Timestamp time.Time
	SourceNID meshid.NID
	Plaintext []byte
}

// Device is the subset of a Sink or Node composition root the control
// surface drives directly; every device exposes it.
type Device interface {
	Scan(timeoutSeconds float64) ([]transport.Neighbour, error)
	Connect(address string) error
	Disconnect(address string) error
	Send(destination meshid.NID, payload []byte) error
	Links() []LinkInfo
}

// Inboxer is implemented only by a Sink (spec §3 "inbox (Sink only)").
type Inboxer interface {
	Inbox() []InboxEntry
}

// HeartbeatBlocker is implemented only by a Sink (spec §4.6
// "heartbeat_blocked_set", a debug/test interface for simulating link failure).
type HeartbeatBlocker interface {
	BlockHeartbeat(nid meshid.NID)
	UnblockHeartbeat(nid meshid.NID)
	BlockedHeartbeats() []meshid.NID
}

// Server is the control-surface TCP listener. One Server drives one Device.
type Server struct {
	Addr   string
	Device Device
	Logger *slog.Logger

	ln  net.Listener
	sem chan struct{}
}

// ListenAndServe binds Addr and serves control connections until the
// listener is closed. Like the teacher's SOCKS server, this surface must
// never be exposed beyond loopback: it grants scan/connect/send/inbox
// access with no authentication of its own.
func (s *Server) ListenAndServe() error {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	host, _, err := net.SplitHostPort(s.Addr)
	if err != nil {
		return fmt.Errorf("control: parse listen address: %w", err)
	}
	if host != "localhost" {
		if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
			return fmt.Errorf("control: must bind to loopback address, got %s", host)
		}
	}

	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("control: listen: %w", err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on an already-created listener.
func (s *Server) Serve(ln net.Listener) error {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	s.ln = ln
	s.sem = make(chan struct{}, maxConns)
	s.Logger.Info("control: listening", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("control: accept: %w", err)
		}
		s.sem <- struct{}{}
		go func() {
			defer func() { <-s.sem }()
			s.handleConn(conn)
		}()
	}
}

// Close stops the control server.
func (s *Server) Close() error {
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		reply := s.dispatch(line)
		if _, err := io.WriteString(conn, reply+"\n"); err != nil {
			s.Logger.Debug("control: write reply failed", "error", err)
			return
		}
	}
}

func (s *Server) dispatch(line string) string {
	fields := strings.Fields(line)
	cmd := fields[0]
	args := fields[1:]

	switch cmd {
	case "scan":
		return s.cmdScan(args)
	case "connect":
		return s.cmdConnect(args)
	case "disconnect":
		return s.cmdDisconnect(args)
	case "send":
		return s.cmdSend(args)
	case "inbox":
		return s.cmdInbox(args)
	case "block-heartbeat":
		return s.cmdBlockHeartbeat(args)
	case "unblock-heartbeat":
		return s.cmdUnblockHeartbeat(args)
	case "links":
		return s.cmdLinks(args)
	default:
		return "ERR unknown command " + cmd
	}
}

func (s *Server) cmdScan(args []string) string {
	timeout := 5.0
	if len(args) > 0 {
		v, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return "ERR bad timeout: " + err.Error()
		}
		timeout = v
	}
	neighbours, err := s.Device.Scan(timeout)
	if err != nil {
		return "ERR " + err.Error()
	}
	var b strings.Builder
	b.WriteString("OK")
	for _, n := range neighbours {
		fmt.Fprintf(&b, " %s,hop=%d,rssi=%d", n.Address, n.AdvertisedHop, n.RSSI)
	}
	return b.String()
}

func (s *Server) cmdConnect(args []string) string {
	if len(args) != 1 {
		return "ERR usage: connect <address>"
	}
	if err := s.Device.Connect(args[0]); err != nil {
		return "ERR " + err.Error()
	}
	return "OK"
}

func (s *Server) cmdDisconnect(args []string) string {
	if len(args) != 1 {
		return "ERR usage: disconnect <address>"
	}
	if err := s.Device.Disconnect(args[0]); err != nil {
		return "ERR " + err.Error()
	}
	return "OK"
}

func (s *Server) cmdSend(args []string) string {
	if len(args) < 2 {
		return "ERR usage: send <nid> <payload>"
	}
	dest, err := meshid.Parse(args[0])
	if err != nil {
		return "ERR bad nid: " + err.Error()
	}
	payload := []byte(strings.Join(args[1:], " "))
	if err := s.Device.Send(dest, payload); err != nil {
		return "ERR " + err.Error()
	}
	return "OK"
}

func (s *Server) cmdInbox(_ []string) string {
	inboxer, ok := s.Device.(Inboxer)
	if !ok {
		return "ERR inbox not supported by this device"
	}
	var b strings.Builder
	b.WriteString("OK")
	for _, e := range inboxer.Inbox() {
		fmt.Fprintf(&b, " %d,%s,%q", e.Timestamp.Unix(), e.SourceNID.String(), string(e.Plaintext))
	}
	return b.String()
}

func (s *Server) cmdBlockHeartbeat(args []string) string {
	blocker, ok := s.Device.(HeartbeatBlocker)
	if !ok {
		return "ERR block-heartbeat not supported by this device"
	}
	if len(args) != 1 {
		return "ERR usage: block-heartbeat <nid>"
	}
	nid, err := meshid.Parse(args[0])
	if err != nil {
		return "ERR bad nid: " + err.Error()
	}
	blocker.BlockHeartbeat(nid)
	return "OK"
}

func (s *Server) cmdUnblockHeartbeat(args []string) string {
	blocker, ok := s.Device.(HeartbeatBlocker)
	if !ok {
		return "ERR unblock-heartbeat not supported by this device"
	}
	if len(args) != 1 {
		return "ERR usage: unblock-heartbeat <nid>"
	}
	nid, err := meshid.Parse(args[0])
	if err != nil {
		return "ERR bad nid: " + err.Error()
	}
	blocker.UnblockHeartbeat(nid)
	return "OK"
}

func (s *Server) cmdLinks(_ []string) string {
	var b strings.Builder
	b.WriteString("OK")
	for _, l := range s.Device.Links() {
		fmt.Fprintf(&b, " %s,%s,%s", l.Role, l.PeerNID.String(), l.Port)
	}
	return b.String()
}
