package s4ppserver

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/finlaysensors/s4pp/internal/bufpool"
	protoerr "github.com/finlaysensors/s4pp/internal/errors"
	"github.com/finlaysensors/s4pp/internal/logger"
	"github.com/finlaysensors/s4pp/internal/s4pp/crypto"
	"github.com/finlaysensors/s4pp/internal/s4pp/dictionary"
	"github.com/finlaysensors/s4pp/internal/s4pp/hide"
	"github.com/finlaysensors/s4pp/internal/s4pp/hmactap"
	"github.com/finlaysensors/s4pp/internal/s4pp/notify"
	"github.com/finlaysensors/s4pp/internal/s4pp/session"
	"github.com/finlaysensors/s4pp/internal/s4pp/wire"
	"github.com/finlaysensors/s4pp/internal/s4ppmetrics"
)

const protocolVersion = "S4PP/1.2"

var connCounter uint64

func nextConnID() string { return fmt.Sprintf("s%06d", atomic.AddUint64(&connCounter, 1)) }

// serverConn is one accepted connection's protocol engine: single-threaded
// cooperative per spec §5 — parsing, HMAC update and sink emission are
// serialised in arrival order by this single goroutine. Shape grounded on
// the teacher's conn.Connection readLoop plus control_burst.go's
// send-burst-before-read discipline, generalized from chunk messages to
// S4PP lines.
type serverConn struct {
	id      string
	netConn net.Conn
	cfg     *Config
	log     *slog.Logger
	metrics *s4ppmetrics.Metrics

	rd *wire.Reader
	wr *wire.Writer

	sess   *session.Session
	tap    *hmactap.Tap
	seq    *dictionary.Sequence
	notify      *notify.Queue
	lastDropped uint64
}

func newServerConn(raw net.Conn, cfg *Config, baseLog *slog.Logger) *serverConn {
	id := nextConnID()
	return &serverConn{
		id:      id,
		netConn: raw,
		cfg:     cfg,
		log:     logger.WithPeer(baseLog, id, raw.RemoteAddr().String()),
		metrics: cfg.Metrics,
		rd:      wire.NewReader(raw, 0),
		wr:      wire.NewWriter(raw),
		sess:    session.New(id),
		tap:     hmactap.New(),
		notify:  notify.NewQueue(cfg.NotifyQueueSize),
	}
}

// Close tears down the connection and transitions the session to Closed.
func (c *serverConn) Close() error {
	c.sess.Close()
	return c.netConn.Close()
}

// run drives the connection to completion: send the server hello burst,
// then loop reading lines until a fatal error or transport close.
func (c *serverConn) run() {
	defer func() {
		c.sess.Close()
		_ = c.netConn.Close()
	}()

	if err := c.sendHello(); err != nil {
		c.log.Warn("hello send failed", "error", err)
		return
	}

	for {
		c.flushNotifications()

		line, err := c.rd.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				c.log.Debug("connection closed", "error", err)
				c.abortInFlightSequence("transport closed")
				return
			}
			c.abortInFlightSequence("read error")
			if protoerr.IsProtocolError(err) {
				c.reject(err)
			} else {
				c.log.Warn("read error", "error", err)
			}
			return
		}

		terminate := c.handleLine(line)
		bufpool.Put(line)
		if terminate {
			return
		}
	}
}

// sendHello emits the server hello line and challenge token, and seeds the
// session's negotiated parameters (spec §4.6).
func (c *serverConn) sendHello() error {
	hideField := "-"
	if len(c.cfg.HideAlgos) > 0 {
		hideField = strings.Join(c.cfg.HideAlgos, ",")
	}
	hello := fmt.Sprintf("%s %s %d %s", protocolVersion, strings.Join(c.cfg.HashAlgos, ","), c.cfg.MaxSamples, hideField)
	if err := c.wr.WriteLineString(hello); err != nil {
		return err
	}

	tokenASCII, err := c.cfg.Entropy.Token(c.cfg.ChallengeTokenLen)
	if err != nil {
		return fmt.Errorf("s4ppserver.hello: token: %w", err)
	}
	if err := c.wr.WriteLineString("TOK:" + tokenASCII); err != nil {
		return err
	}
	tokenRaw, err := hex.DecodeString(tokenASCII)
	if err != nil {
		return fmt.Errorf("s4ppserver.hello: token not hex: %w", err)
	}

	c.sess.SetChallenge(protocolVersion, c.cfg.HashAlgos, c.cfg.HideAlgos, c.cfg.MaxSamples, tokenASCII, tokenRaw)
	return nil
}

// handleLine dispatches a single received line and reports whether the
// connection must terminate.
func (c *serverConn) handleLine(line []byte) (terminate bool) {
	if len(line) == 0 {
		// Empty lines are valid no-ops in every state (spec §4.1), most
		// commonly HIDE's own LF padding decrypting into blank filler
		// (spec §4.2: "tolerated as empty lines ... ignored by the
		// parser"). Never fed to the sequence HMAC tap.
		return false
	}

	tag, payload, hasTag := splitTag(line)

	switch c.sess.State() {
	case session.AwaitingAuth:
		if !hasTag {
			if strings.HasPrefix(string(line), "S4PP/") {
				return false // optional client hello, ignored
			}
			return c.reject(protoerr.NewFramingError("conn.handle_line", fmt.Errorf("expected AUTH, got untagged line")))
		}
		if tag != "AUTH" {
			return c.reject(protoerr.NewFramingError("conn.handle_line", fmt.Errorf("expected AUTH, got %q", tag)))
		}
		return c.handleAuth(payload)

	case session.Authenticated:
		if !hasTag {
			return c.reject(protoerr.NewFramingError("conn.handle_line", fmt.Errorf("unexpected data line outside sequence")))
		}
		switch tag {
		case "SEQ":
			return c.handleSeq(line, payload)
		case "HIDE":
			return c.handleHide(payload)
		default:
			return c.reject(protoerr.NewFramingError("conn.handle_line", fmt.Errorf("unexpected tag %q", tag)))
		}

	case session.InSequence:
		if hasTag && tag == "DICT" {
			return c.handleDict(line, payload)
		}
		if hasTag && tag == "SIG" {
			return c.handleSig(payload)
		}
		if hasTag {
			return c.reject(protoerr.NewFramingError("conn.handle_line", fmt.Errorf("unexpected tag %q inside sequence", tag)))
		}
		return c.handleDataLine(line)

	default:
		return true
	}
}

func splitTag(line []byte) (tag, payload string, hasTag bool) {
	s := string(line)
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return "", s, false
	}
	return s[:i], s[i+1:], true
}

func (c *serverConn) handleAuth(payload string) bool {
	fields := strings.Split(payload, ",")
	if len(fields) != 3 {
		return c.reject(protoerr.NewAuthError("conn.handle_auth", fmt.Errorf("malformed AUTH line")))
	}
	algo, keyid, hmacHex := fields[0], fields[1], fields[2]

	if !supportsAlgo(c.cfg.HashAlgos, algo) {
		return c.reject(protoerr.NewNegotiationError("conn.handle_auth", fmt.Errorf("unsupported hash algorithm %q", algo)))
	}
	key, err := c.cfg.KeyStore.Lookup(keyid)
	if err != nil {
		return c.reject(protoerr.NewAuthError("conn.handle_auth", fmt.Errorf("unknown keyid %q", keyid)))
	}
	got, err := hex.DecodeString(hmacHex)
	if err != nil {
		return c.reject(protoerr.NewAuthError("conn.handle_auth", fmt.Errorf("malformed hmac hex")))
	}
	hm, ok := crypto.NewHMAC(algo, key)
	if !ok {
		return c.reject(protoerr.NewNegotiationError("conn.handle_auth", fmt.Errorf("unsupported hash algorithm %q", algo)))
	}
	hm.Update([]byte(keyid + c.sess.ChallengeTokenASCII()))
	expected := hm.Finalize()
	if len(expected) != len(got) || subtle.ConstantTimeCompare(expected, got) != 1 {
		c.metrics.AuthFailures.Inc()
		return c.reject(protoerr.NewAuthError("conn.handle_auth", fmt.Errorf("hmac mismatch")))
	}
	if err := c.sess.Authenticate(keyid, algo); err != nil {
		return c.reject(protoerr.NewAuthError("conn.handle_auth", err))
	}

	if c.cfg.Clock != nil {
		sec, ms := c.cfg.Clock.Now()
		c.notify.Enqueue(notify.Time(sec, ms, false))
	}
	return false
}

func supportsAlgo(supported []string, want string) bool {
	for _, a := range supported {
		if a == want {
			return true
		}
	}
	return false
}

func (c *serverConn) handleSeq(rawLine []byte, payload string) bool {
	fields := strings.Split(payload, ",")
	if len(fields) != 4 {
		return c.reject(protoerr.NewSequenceError("conn.handle_seq", fmt.Errorf("malformed SEQ line")))
	}
	seqid, err1 := strconv.ParseInt(fields[0], 10, 64)
	basetime, err2 := strconv.ParseInt(fields[1], 10, 64)
	timeDivisor, err3 := strconv.ParseInt(fields[2], 10, 64)
	dataFormat, err4 := strconv.Atoi(fields[3])
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return c.reject(protoerr.NewSequenceError("conn.handle_seq", fmt.Errorf("malformed SEQ fields")))
	}

	opts := dictionary.Options{MaxSamples: c.sess.MaxSamples(), RejectNegativeSpan: c.cfg.RejectNegativeSpan}
	seq, err := dictionary.BeginSequence(seqid, basetime, timeDivisor, dataFormat, c.sess.LastCommittedSeqid(), opts, c.cfg.Sink)
	if err != nil {
		return c.reject(err)
	}
	if err := c.sess.EnterSequence(seqid); err != nil {
		return c.reject(protoerr.NewSequenceError("conn.handle_seq", err))
	}

	key, err := c.cfg.KeyStore.Lookup(c.sess.AuthenticatedKeyID())
	if err != nil {
		return c.reject(protoerr.NewAuthError("conn.handle_seq", err))
	}
	if err := c.tap.Begin(c.sess.ChosenHashAlgo(), key, c.sess.ChallengeTokenRaw()); err != nil {
		return c.reject(protoerr.NewSequenceError("conn.handle_seq", err))
	}
	if err := c.tap.Feed(append(append([]byte(nil), rawLine...), '\n')); err != nil {
		return c.reject(protoerr.NewSequenceError("conn.handle_seq", err))
	}

	c.seq = seq
	c.log = logger.WithSequence(c.log, seqid, 0)
	return false
}

func (c *serverConn) handleDict(rawLine []byte, payload string) bool {
	fields := strings.SplitN(payload, ",", 4)
	if len(fields) != 4 {
		return c.reject(protoerr.NewSequenceError("conn.handle_dict", fmt.Errorf("malformed DICT line")))
	}
	idx, err1 := strconv.Atoi(fields[0])
	unitDivisor, err2 := strconv.ParseInt(fields[2], 10, 64)
	if err1 != nil || err2 != nil {
		return c.reject(protoerr.NewSequenceError("conn.handle_dict", fmt.Errorf("malformed DICT fields")))
	}
	if err := c.seq.PutDictEntry(idx, fields[1], unitDivisor, fields[3]); err != nil {
		return c.reject(err)
	}
	if err := c.tap.Feed(append(append([]byte(nil), rawLine...), '\n')); err != nil {
		return c.reject(protoerr.NewSequenceError("conn.handle_dict", err))
	}
	return false
}

func (c *serverConn) handleDataLine(rawLine []byte) bool {
	fields := strings.Split(string(rawLine), ",")
	if err := c.seq.IngestSample(fields); err != nil {
		return c.reject(err)
	}
	if err := c.tap.Feed(append(append([]byte(nil), rawLine...), '\n')); err != nil {
		return c.reject(protoerr.NewSequenceError("conn.handle_data", err))
	}
	c.metrics.SamplesIngested.Inc()
	return false
}

func (c *serverConn) handleSig(payload string) bool {
	got, err := hex.DecodeString(payload)
	if err != nil {
		return c.reject(protoerr.NewSignatureError("conn.handle_sig", fmt.Errorf("malformed SIG hex")))
	}
	expected, err := c.tap.Finalize()
	if err != nil {
		return c.reject(protoerr.NewSignatureError("conn.handle_sig", err))
	}

	seqid := c.seq.Seqid()
	if len(expected) != len(got) || subtle.ConstantTimeCompare(expected, got) != 1 {
		c.metrics.SignatureFailures.Inc()
		_ = c.seq.Abort("signature mismatch")
		c.seq = nil
		c.tap.Reset()
		_ = c.sess.CompleteSequence(false)
		c.metrics.SequencesRejected.WithLabelValues("bad_signature").Inc()
		_ = c.writeLine("REJ:bad signature")
		return true
	}

	commitStart := time.Now()
	ok, commitErr := c.seq.Commit()
	c.metrics.SequenceCommitLatency.Observe(time.Since(commitStart).Seconds())
	c.seq = nil
	c.tap.Reset()
	_ = c.sess.CompleteSequence(ok)
	if commitErr != nil || !ok {
		c.metrics.SinkFailures.Inc()
		_ = c.writeLine(fmt.Sprintf("NOK:%d", seqid))
		return false
	}
	c.metrics.SequencesCommitted.Inc()
	_ = c.writeLine(fmt.Sprintf("OK:%d", seqid))
	return false
}

func (c *serverConn) handleHide(payload string) bool {
	fields := strings.Split(payload, ",")
	algo := fields[0]
	if !supportsAlgo(c.cfg.HideAlgos, algo) {
		return c.reject(protoerr.NewHideError("conn.handle_hide", fmt.Errorf("unsupported hide algorithm %q", algo)))
	}
	key, err := c.cfg.KeyStore.Lookup(c.sess.AuthenticatedKeyID())
	if err != nil {
		return c.reject(protoerr.NewHideError("conn.handle_hide", err))
	}
	sessionKey, blockSize, err := hide.DeriveSessionKey(algo, key, c.sess.ChallengeTokenRaw())
	if err != nil {
		return c.reject(protoerr.NewHideError("conn.handle_hide", err))
	}
	if err := c.sess.ActivateHide(session.HideState{Algorithm: algo, BlockSize: blockSize, SessionKey: sessionKey}); err != nil {
		return c.reject(protoerr.NewHideError("conn.handle_hide", err))
	}

	var wrapErr error
	c.rd.Rewrap(func(r io.Reader) io.Reader {
		dec, err := hide.NewDecoder(r, algo, sessionKey)
		if err != nil {
			wrapErr = err
			return r
		}
		return dec
	})
	if wrapErr != nil {
		return c.reject(protoerr.NewHideError("conn.handle_hide", wrapErr))
	}
	c.metrics.HideActivations.Inc()

	// Discard the salt line (spec §4.6: "the immediately-following first
	// decrypted line is discarded").
	if _, err := c.rd.ReadLine(); err != nil {
		c.log.Warn("hide salt read failed", "error", err)
		return true
	}
	return false
}

// reject writes REJ:<reason>, aborting just the in-flight sequence for
// sequence-scoped errors or terminating the whole session otherwise (spec
// §7 propagation policy). Framing violations always render as the literal
// "REJ:malformed" the protocol mandates (spec §8 S5), not the underlying
// Go error text.
func (c *serverConn) reject(err error) bool {
	c.log.Warn("rejecting", "error", err)
	msg := protoerr.Detail(err)
	var fe *protoerr.FramingError
	if errors.As(err, &fe) {
		msg = "malformed"
	}
	_ = c.writeLine("REJ:" + msg)

	// Sequence-scoped errors that reach reject never end the session (spec
	// §7 propagation policy), whether they were raised mid-sequence
	// (malformed SIG hex, bad sample) or before the sequence was even
	// entered (non-monotonic
	// seqid rejected by BeginSequence, spec §8 S3: "session remains
	// usable"). A SIG mismatch does not come through here: handleSig
	// writes REJ:bad signature itself and terminates the session.
	if protoerr.IsSequenceScoped(err) {
		if c.sess.State() == session.InSequence {
			c.abortInFlightSequence(err.Error())
			_ = c.sess.CompleteSequence(false)
		}
		return false
	}
	return true
}

func (c *serverConn) abortInFlightSequence(reason string) {
	if c.seq == nil {
		return
	}
	_ = c.seq.Abort(reason)
	c.seq = nil
	c.tap.Reset()
	c.metrics.SequencesAborted.Inc()
}

func (c *serverConn) writeLine(s string) error {
	return c.wr.WriteLineString(s)
}

func (c *serverConn) flushNotifications() {
	for _, n := range c.notify.Drain() {
		if err := c.writeLine(n.Encode()); err != nil {
			c.log.Warn("notification write failed", "error", err)
			return
		}
		c.metrics.NotificationsSent.Inc()
	}
	if dropped := c.notify.DroppedCount(); dropped > c.lastDropped {
		c.metrics.NotificationsDropped.Add(float64(dropped - c.lastDropped))
		c.lastDropped = dropped
	}
}
