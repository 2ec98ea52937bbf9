// Package ingest receives forwarded syslog and feeds the auth messages in it
// to the anomaly detector.
package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/1sec-project/accessguard/internal/collect"
	"github.com/1sec-project/accessguard/internal/core"
)

// SyslogServer listens for syslog messages (RFC 5424 / RFC 3164) over UDP
// and/or TCP and hands the access events it finds to a sink.
type SyslogServer struct {
	cfg     core.SyslogConfig
	sink    collect.Sink
	logger  zerolog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	udpConn *net.UDPConn
	tcpLn   net.Listener
	wg      sync.WaitGroup

	mu       sync.Mutex
	received int64
	accepted int64
}

func NewSyslogServer(cfg core.SyslogConfig, sink collect.Sink, logger zerolog.Logger) *SyslogServer {
	return &SyslogServer{
		cfg:    cfg,
		sink:   sink,
		logger: logger.With().Str("component", "syslog_ingest").Logger(),
	}
}

// Start begins listening. Port 0 picks a free port; see Addrs.
func (s *SyslogServer) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	proto := strings.ToLower(s.cfg.Protocol)
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	if proto == "udp" || proto == "both" {
		if err := s.startUDP(addr); err != nil {
			s.Stop()
			return fmt.Errorf("starting syslog UDP listener: %w", err)
		}
	}
	if proto == "tcp" || proto == "both" {
		if err := s.startTCP(addr); err != nil {
			s.Stop()
			return fmt.Errorf("starting syslog TCP listener: %w", err)
		}
	}

	s.logger.Info().Str("addr", addr).Str("protocol", proto).Msg("syslog ingestion started")
	return nil
}

// Stop closes the listeners and waits for the readers to exit.
func (s *SyslogServer) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.udpConn != nil {
		s.udpConn.Close()
	}
	if s.tcpLn != nil {
		s.tcpLn.Close()
	}
	s.wg.Wait()
	return nil
}

// Addrs returns the bound UDP and TCP addresses; either may be nil.
func (s *SyslogServer) Addrs() (udp, tcp net.Addr) {
	if s.udpConn != nil {
		udp = s.udpConn.LocalAddr()
	}
	if s.tcpLn != nil {
		tcp = s.tcpLn.Addr()
	}
	return udp, tcp
}

// Stats returns how many messages arrived and how many became access events.
func (s *SyslogServer) Stats() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]int64{"received": s.received, "accepted": s.accepted}
}

func (s *SyslogServer) startUDP(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolving UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listening on UDP %s: %w", addr, err)
	}
	s.udpConn = conn

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		buf := make([]byte, 65536)
		for {
			n, _, err := conn.ReadFromUDP(buf)
			if err != nil {
				if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Error().Err(err).Msg("UDP read error")
				continue
			}
			s.processMessage(string(buf[:n]))
		}
	}()
	return nil
}

func (s *SyslogServer) startTCP(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on TCP %s: %w", addr, err)
	}
	s.tcpLn = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Error().Err(err).Msg("TCP accept error")
				continue
			}
			s.wg.Add(1)
			go s.handleTCPConn(conn)
		}
	}()
	return nil
}

func (s *SyslogServer) handleTCPConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	go func() {
		<-s.ctx.Done()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 65536), 65536)
	for scanner.Scan() {
		s.processMessage(scanner.Text())
	}
	if err := scanner.Err(); err != nil && s.ctx.Err() == nil {
		s.logger.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("TCP connection read error")
	}
}

// processMessage parses one syslog line and forwards the access event in it,
// if any. The sending host names the resource so logins to different
// machines are counted separately.
func (s *SyslogServer) processMessage(raw string) {
	s.mu.Lock()
	s.received++
	s.mu.Unlock()

	msg := parseSyslog(raw)
	if msg == nil {
		s.logger.Debug().Str("raw", truncate(raw, 200)).Msg("unparseable syslog message")
		return
	}
	event, ok := toAccessEvent(msg)
	if !ok {
		return
	}
	if err := s.sink.Ingest(s.ctx, event); err != nil {
		s.logger.Warn().Err(err).Str("user_id", event.UserID).Msg("failed to ingest syslog event")
		return
	}
	s.mu.Lock()
	s.accepted++
	s.mu.Unlock()
}

func toAccessEvent(msg *syslogMessage) (*core.AccessEvent, bool) {
	line := msg.Message
	if msg.AppName != "" {
		line = msg.AppName + ": " + msg.Message
	}
	event, ok := collect.ParseAuthLine(line)
	if !ok {
		return nil, false
	}
	if event.ResourceID == "" && msg.Hostname != "" && msg.Hostname != "-" {
		event.ResourceID = msg.Hostname
	}
	if msg.Timestamp != nil {
		event.Timestamp = msg.Timestamp.UTC()
	}
	return event, true
}

// syslogMessage represents a parsed syslog message.
type syslogMessage struct {
	Facility  int
	Severity  int
	Timestamp *time.Time
	Hostname  string
	AppName   string
	ProcID    string
	MsgID     string
	Message   string
}

// RFC 5424 pattern: <PRI>VERSION TIMESTAMP HOSTNAME APP-NAME PROCID MSGID MSG
var rfc5424Re = regexp.MustCompile(`^<(\d{1,3})>(\d)\s+(\S+)\s+(\S+)\s+(\S+)\s+(\S+)\s+(\S+)\s*(.*)$`)

// RFC 3164 pattern: <PRI>TIMESTAMP HOSTNAME MSG
var rfc3164Re = regexp.MustCompile(`^<(\d{1,3})>([A-Z][a-z]{2}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2})\s+(\S+)\s+(.*)$`)

// Bare priority pattern: <PRI>MSG
var barePriRe = regexp.MustCompile(`^<(\d{1,3})>(.+)$`)

// now is replaced in tests to pin the year of RFC 3164 timestamps.
var now = time.Now

func parseSyslog(raw string) *syslogMessage {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	if m := rfc5424Re.FindStringSubmatch(raw); m != nil {
		pri, _ := strconv.Atoi(m[1])
		msg := &syslogMessage{
			Facility: pri / 8,
			Severity: pri % 8,
			Hostname: m[4],
			AppName:  nilValue(m[5]),
			ProcID:   nilValue(m[6]),
			MsgID:    nilValue(m[7]),
			Message:  m[8],
		}
		if t, err := time.Parse(time.RFC3339Nano, m[3]); err == nil {
			msg.Timestamp = &t
		}
		return msg
	}

	if m := rfc3164Re.FindStringSubmatch(raw); m != nil {
		pri, _ := strconv.Atoi(m[1])
		msg := &syslogMessage{
			Facility: pri / 8,
			Severity: pri % 8,
			Hostname: m[3],
			Message:  m[4],
		}
		// BSD timestamps carry no year or zone.
		ts := strings.Join(strings.Fields(m[2]), " ")
		if t, err := time.ParseInLocation("2006 Jan 2 15:04:05", fmt.Sprintf("%d %s", now().Year(), ts), time.Local); err == nil {
			msg.Timestamp = &t
		}
		// "sshd[1234]: message"
		if idx := strings.Index(msg.Message, ":"); idx > 0 {
			appPart := msg.Message[:idx]
			if !strings.Contains(appPart, " ") {
				if pidIdx := strings.Index(appPart, "["); pidIdx > 0 {
					msg.AppName = appPart[:pidIdx]
					msg.ProcID = strings.Trim(appPart[pidIdx:], "[]")
				} else {
					msg.AppName = appPart
				}
				msg.Message = strings.TrimSpace(msg.Message[idx+1:])
			}
		}
		return msg
	}

	if m := barePriRe.FindStringSubmatch(raw); m != nil {
		pri, _ := strconv.Atoi(m[1])
		return &syslogMessage{
			Facility: pri / 8,
			Severity: pri % 8,
			Message:  m[2],
		}
	}

	return nil
}

// nilValue maps the RFC 5424 NILVALUE "-" to "".
func nilValue(s string) string {
	if s == "-" {
		return ""
	}
	return s
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
