// Package proxyhandler is the Proxy Handler (spec §4.4): it bridges one
// attacker SSH session to one acquired sandbox, translating every attacker
// channel into a peer sandbox channel and logging commands and channel
// output. It implements internal/sshstate.Handler.
//
// Grounded on original_source's frontend/protocols/ssh/_proxy_handler.go
// (open_proxy_transport's exponential-backoff reconnect loop, the
// per-channel-pair proxy_data pump) rewired onto golang.org/x/crypto/ssh's
// client APIs and internal/provider's gRPC stub, with jpillora/backoff
// (already used by eventstore/postgres) replacing the hand-rolled
// `2**i * base_ms` sleep loop.
package proxyhandler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/crypto/ssh"

	"github.com/sshtrap/honeypot/internal/cmdparser"
	"github.com/sshtrap/honeypot/internal/eventstore"
	"github.com/sshtrap/honeypot/internal/provider"
	"github.com/sshtrap/honeypot/internal/xlog"
)

// Config configures connect retry behavior (spec §4.4 "Acquisition" step 3).
type Config struct {
	MaxConnectRetries int           // default 10
	BackoffBase       time.Duration // default 10ms, doubled per attempt
}

// Handler bridges one attacker connection to its acquired sandbox.
type Handler struct {
	cfg      Config
	provider *provider.Client
	log      xlog.Logger
	session  eventstore.Session

	mu       sync.Mutex
	target   *provider.TargetSystem
	client   *ssh.Client
	channels map[int]*channelPair
	username string
	password string
}

// channelPair tracks one attacker channel and its peer sandbox channel
// (spec §3 "AttackerSessionBinding": map from attacker-channel-id to
// sandbox-channel handle).
type channelPair struct {
	attacker     ssh.Channel
	sandbox      ssh.Channel
	sandboxReqs  <-chan *ssh.Request
}

// New returns a *Handler constructor bound to provider and cfg; the
// frontend wraps it in a closure to obtain an sshstate.HandlerFactory.
func New(provider *provider.Client, cfg Config) func(log xlog.Logger, session eventstore.Session) *Handler {
	if cfg.MaxConnectRetries <= 0 {
		cfg.MaxConnectRetries = 10
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 10 * time.Millisecond
	}
	return func(log xlog.Logger, session eventstore.Session) *Handler {
		return &Handler{
			cfg:      cfg,
			provider: provider,
			log:      log,
			session:  session,
			channels: make(map[int]*channelPair),
		}
	}
}

// Acquire implements sshstate.Handler (spec §4.4 "Acquisition").
func (h *Handler) Acquire(ctx context.Context, user, password string) bool {
	h.mu.Lock()
	if h.target != nil {
		h.mu.Unlock()
		return true // already acquired (e.g. re-entrant session-open nudge)
	}
	h.username, h.password = user, password
	h.mu.Unlock()

	target, err := h.provider.AcquireTargetSystem(ctx, user, password)
	if err != nil {
		if err == provider.ErrUnavailable {
			h.log.Infof("no target system currently available")
		} else {
			h.log.Warnf("acquiring target system: %v", err)
		}
		return false
	}

	client, err := h.dialWithRetry(target.Address, target.Port, user, password)
	if err != nil {
		h.log.Warnf("connecting to target system %s:%d: %v", target.Address, target.Port, err)
		if _, yerr := h.provider.YieldTargetSystem(context.Background(), target.ID); yerr != nil {
			h.log.Warnf("yielding unreachable target system %s: %v", target.ID, yerr)
		}
		return false
	}

	h.mu.Lock()
	h.target = target
	h.client = client
	h.mu.Unlock()
	return true
}

// dialWithRetry opens an SSH client connection to the sandbox, retrying up
// to cfg.MaxConnectRetries times with exponential backoff (spec §4.4 step
// 3: "2^i · base_ms"). Agent and key-file lookup are not used: the
// sandbox's own credentials (the attacker's captured password) are the
// only auth method offered.
func (h *Handler) dialWithRetry(address string, port uint32, user, password string) (*ssh.Client, error) {
	b := &backoff.Backoff{
		Min:    h.cfg.BackoffBase,
		Max:    h.cfg.BackoffBase * time.Duration(1<<uint(h.cfg.MaxConnectRetries)),
		Factor: 2,
	}
	clientConfig := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}
	addr := fmt.Sprintf("%s:%d", address, port)

	var lastErr error
	for attempt := 0; attempt <= h.cfg.MaxConnectRetries; attempt++ {
		client, err := ssh.Dial("tcp", addr, clientConfig)
		if err == nil {
			return client, nil
		}
		lastErr = err
		if attempt == h.cfg.MaxConnectRetries {
			break
		}
		time.Sleep(b.Duration())
	}
	return nil, fmt.Errorf("exhausted %d retries dialing %s: %w", h.cfg.MaxConnectRetries, addr, lastErr)
}

// OpenChannel implements sshstate.Handler.
func (h *Handler) OpenChannel(kind string, attackerChanID int) bool {
	h.mu.Lock()
	client := h.client
	h.mu.Unlock()
	if client == nil {
		return false
	}

	sandboxChan, sandboxReqs, err := client.OpenChannel(kind, nil)
	if err != nil {
		h.log.Warnf("opening sandbox channel kind=%s: %v", kind, err)
		return false
	}
	h.mu.Lock()
	h.channels[attackerChanID] = &channelPair{sandbox: sandboxChan, sandboxReqs: sandboxReqs}
	h.mu.Unlock()
	return true
}

// BindAttackerChannel pairs the now-accepted attacker channel with the
// sandbox channel OpenChannel already opened for attackerChanID.
func (h *Handler) BindAttackerChannel(attackerChanID int, attackerChan ssh.Channel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if pair, ok := h.channels[attackerChanID]; ok {
		pair.attacker = attackerChan
	}
}

func (h *Handler) sandboxChannel(attackerChanID int) (ssh.Channel, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	pair, ok := h.channels[attackerChanID]
	if !ok {
		return nil, false
	}
	return pair.sandbox, true
}

func (h *Handler) channelPair(attackerChanID int) (*channelPair, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	pair, ok := h.channels[attackerChanID]
	return pair, ok
}

// HandlePTYRequest implements sshstate.Handler (spec §4.4).
func (h *Handler) HandlePTYRequest(attackerChanID int, term string, cols, rows, pxWidth, pxHeight uint32) bool {
	sandboxChan, ok := h.sandboxChannel(attackerChanID)
	if !ok {
		return false
	}
	payload := ssh.Marshal(ptyRequestMsg{
		Term:     term,
		Columns:  cols,
		Rows:     rows,
		Width:    pxWidth,
		Height:   pxHeight,
		ModeList: "",
	})
	ok2, err := sandboxChan.SendRequest("pty-req", true, payload)
	if err != nil {
		h.log.Warnf("forwarding pty-req: %v", err)
		return false
	}
	return ok2
}

// HandleWindowChangeRequest implements sshstate.Handler.
func (h *Handler) HandleWindowChangeRequest(attackerChanID int, cols, rows, pxWidth, pxHeight uint32) bool {
	sandboxChan, ok := h.sandboxChannel(attackerChanID)
	if !ok {
		return false
	}
	payload := ssh.Marshal(windowChangeMsg{Columns: cols, Rows: rows, Width: pxWidth, Height: pxHeight})
	_, err := sandboxChan.SendRequest("window-change", false, payload)
	return err == nil
}

// HandleExecRequest implements sshstate.Handler (spec §4.4: log the
// command as both COMMAND and a synthetic CHANNEL_OUTPUT annotation).
func (h *Handler) HandleExecRequest(attackerChanID int, cmd string) bool {
	sandboxChan, ok := h.sandboxChannel(attackerChanID)
	if !ok {
		return false
	}
	ok2, err := sandboxChan.SendRequest("exec", true, ssh.Marshal(execMsg{Command: cmd}))
	if err != nil || !ok2 {
		if err != nil {
			h.log.Warnf("forwarding exec request: %v", err)
		}
		return false
	}

	now := time.Now()
	if err := h.session.LogCommand(now, eventstore.Command{Input: cmd}); err != nil {
		h.log.Warnf("logging command: %v", err)
	}
	annotation := []byte(fmt.Sprintf("Attacker exec request command: %s\r\n", cmd))
	if err := h.session.LogChannelOutput(now, eventstore.ChannelOutput{Channel: attackerChanID, Bytes: annotation}); err != nil {
		h.log.Warnf("logging exec annotation: %v", err)
	}

	go h.pump(attackerChanID, sandboxChan)
	return true
}

// HandleShellRequest implements sshstate.Handler.
func (h *Handler) HandleShellRequest(attackerChanID int) bool {
	sandboxChan, ok := h.sandboxChannel(attackerChanID)
	if !ok {
		return false
	}
	ok2, err := sandboxChan.SendRequest("shell", true, nil)
	if err != nil {
		h.log.Warnf("forwarding shell request: %v", err)
		return false
	}
	if !ok2 {
		return false
	}
	go h.pump(attackerChanID, sandboxChan)
	return true
}

type ptyRequestMsg struct {
	Term     string
	Columns  uint32
	Rows     uint32
	Width    uint32
	Height   uint32
	ModeList string
}

type windowChangeMsg struct {
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
}

type execMsg struct {
	Command string
}

// Close implements sshstate.Handler (spec §4.4 "Close"): ends the logging
// session, closes the sandbox transport, and yields the target exactly
// once.
func (h *Handler) Close() error {
	if err := h.session.End(); err != nil {
		h.log.Warnf("ending logging session: %v", err)
	}

	h.mu.Lock()
	client := h.client
	target := h.target
	h.target = nil
	h.mu.Unlock()

	if client != nil {
		if err := client.Close(); err != nil {
			h.log.Warnf("closing sandbox transport: %v", err)
		}
	}
	if target != nil {
		events, err := h.provider.YieldTargetSystem(context.Background(), target.ID)
		if err != nil {
			h.log.Warnf("yielding target system %s: %v", target.ID, err)
		}
		for _, ev := range events {
			if err := h.session.LogDownload(ev.At, eventstore.Download{
				SourceIP: firstNonEmpty(ev.SrcAddressV4, ev.SrcAddressV6),
				URL:      ev.URL,
				MimeType: ev.Type,
				Bytes:    ev.Data,
			}); err != nil {
				h.log.Warnf("logging download from yielded sandbox: %v", err)
			}
		}
	}
	return nil
}

// pollInterval is the cooperative poll cadence for the bidirectional pump
// (spec §4.4: "waits up to 500 ms on either fd; otherwise sleeps 100 ms").
// golang.org/x/crypto/ssh's Channel has no poll/select primitive, so this
// pump instead runs one blocking readLoop goroutine per stream (attacker,
// sandbox stdout, sandbox stderr) and selects over their output channels;
// pollInterval is only the idle tick of that select when nothing arrives
// (no raw fd is exposed to multiplex on).
const pollInterval = 100 * time.Millisecond

const pumpReadSize = 1024

// pump bridges one attacker<->sandbox channel pair until the attacker side
// closes or sends EOF (spec §4.4 "Bidirectional pump"). It feeds
// attacker->sandbox bytes through a cmdparser.Parser and logs completed
// commands, and logs every sandbox->attacker byte chunk as CHANNEL_OUTPUT.
func (h *Handler) pump(attackerChanID int, sandboxChan ssh.Channel) {
	pair, ok := h.channelPair(attackerChanID)
	if !ok {
		return
	}
	attackerChan := pair.attacker

	parser := cmdparser.New(func(format string, args ...interface{}) {
		h.log.Debugf("command parser: "+format, args...)
	})

	attackerOut := h.readLoop(attackerChan)
	sandboxOut := h.readLoop(sandboxChan)
	sandboxErr := h.readLoop(sandboxChan.Stderr())

	defer func() {
		attackerChan.Close()
		sandboxChan.Close()
	}()

	for {
		select {
		case chunk, open := <-attackerOut:
			if !open {
				return
			}
			if _, err := sandboxChan.Write(chunk); err != nil {
				h.log.Warnf("forwarding attacker data to sandbox: %v", err)
			}
			for _, cmd := range parser.Feed([]rune(string(chunk))) {
				if err := h.session.LogCommand(time.Now(), eventstore.Command{Input: cmd}); err != nil {
					h.log.Warnf("logging command: %v", err)
				}
			}

		case chunk, open := <-sandboxOut:
			if !open {
				sandboxOut = nil
				if sandboxErr == nil && pair.sandboxReqs == nil {
					return
				}
				continue
			}
			h.logAndForwardOutput(attackerChanID, attackerChan, chunk)

		case chunk, open := <-sandboxErr:
			if !open {
				sandboxErr = nil
				if sandboxOut == nil && pair.sandboxReqs == nil {
					return
				}
				continue
			}
			h.logAndForwardOutput(attackerChanID, attackerChan, chunk)

		case req, open := <-pair.sandboxReqs:
			if !open {
				pair.sandboxReqs = nil
				if sandboxOut == nil && sandboxErr == nil {
					return
				}
				continue
			}
			h.relaySandboxRequest(attackerChan, req)
			if sandboxOut == nil && sandboxErr == nil && req.Type == "exit-status" {
				return
			}

		case <-time.After(pollInterval):
			// Idle tick: nothing ready on either side this round (spec
			// §4.4: "otherwise sleeps 100 ms between polls").
		}
	}
}

// relaySandboxRequest forwards exit-status/exit-signal channel requests
// from the sandbox side to the attacker (spec §4.4 step 1: "forward the
// sandbox's exit status ... to the attacker"); anything else is
// acknowledged and dropped.
func (h *Handler) relaySandboxRequest(attackerChan ssh.Channel, req *ssh.Request) {
	switch req.Type {
	case "exit-status", "exit-signal":
		if _, err := attackerChan.SendRequest(req.Type, false, req.Payload); err != nil {
			h.log.Warnf("forwarding %s to attacker: %v", req.Type, err)
		}
	}
	if req.WantReply {
		req.Reply(true, nil)
	}
}

func (h *Handler) logAndForwardOutput(attackerChanID int, attackerChan ssh.Channel, chunk []byte) {
	if err := h.session.LogChannelOutput(time.Now(), eventstore.ChannelOutput{Channel: attackerChanID, Bytes: chunk}); err != nil {
		h.log.Warnf("logging channel output: %v", err)
	}
	if _, err := attackerChan.Write(chunk); err != nil {
		h.log.Warnf("forwarding sandbox output to attacker: %v", err)
	}
}

// readLoop spawns a goroutine reading up to pumpReadSize bytes at a time
// from r, closing the returned channel on EOF/error.
func (h *Handler) readLoop(r interface{ Read([]byte) (int, error) }) <-chan []byte {
	out := make(chan []byte)
	go func() {
		defer close(out)
		buf := make([]byte, pumpReadSize)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				out <- chunk
			}
			if err != nil {
				return
			}
		}
	}()
	return out
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
