// Package s4ppclient implements the Client Role Engine (spec §4.7): a
// minimal reference client used by cmd/s4ppctl and this package's own
// round-trip tests to drive a Server Role Engine. Shape (Client struct, Connect dialing +
// negotiation, one-shot command senders) is grounded on the teacher's
// client.Client, generalized from RTMP connect/createStream/publish
// command framing to S4PP hello/AUTH/SEQ/SIG line framing.
package s4ppclient

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/finlaysensors/s4pp/internal/s4pp/crypto"
	"github.com/finlaysensors/s4pp/internal/s4pp/hide"
	"github.com/finlaysensors/s4pp/internal/s4pp/hmactap"
	"github.com/finlaysensors/s4pp/internal/s4pp/wire"
)

// DialTimeout bounds the initial TCP dial.
const DialTimeout = 5 * time.Second

// lineWriter is satisfied by both *wire.Writer and *hide.Encoder, letting
// the client switch to an encrypting outbound path after HIDE activation
// without branching at every call site. Flush forces out anything an
// implementation buffers locally (hide.Encoder holds a sub-block
// remainder between calls; wire.Writer's Flush is a no-op).
type lineWriter interface {
	WriteLine([]byte) error
	Flush() error
}

// DictEntry describes one dictionary slot to emit via DICT before a data line.
type DictEntry struct {
	Idx         int
	Unit        string
	UnitDivisor int64
	Name        string
}

// Client is a minimal S4PP client: dial, negotiate, authenticate, then
// pipeline sequence batches.
type Client struct {
	conn net.Conn
	rd   *wire.Reader
	wr   *wire.Writer
	lw   lineWriter

	keyid string
	key   []byte

	hashAlgo      string
	peerHashAlgos []string
	peerHideAlgos []string
	maxSamples    int
	tokenASCII    string
	tokenRaw      []byte
}

// New creates a Client that will authenticate as keyid using key.
func New(keyid string, key []byte) *Client {
	return &Client{keyid: keyid, key: key}
}

// Connect dials addr, reads the server hello and challenge token, then
// sends AUTH. preferredHashAlgo selects which of the server's advertised
// algorithms to use; empty selects the server's first advertised algorithm.
func (c *Client) Connect(addr string, preferredHashAlgo string) error {
	d := net.Dialer{Timeout: DialTimeout}
	conn, err := d.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("s4ppclient.connect: dial: %w", err)
	}
	c.conn = conn
	c.rd = wire.NewReader(conn, 0)
	c.wr = wire.NewWriter(conn)
	c.lw = c.wr

	helloLine, err := c.rd.ReadLine()
	if err != nil {
		return fmt.Errorf("s4ppclient.connect: hello: %w", err)
	}
	if err := c.parseHello(string(helloLine)); err != nil {
		return err
	}

	tokLine, err := c.rd.ReadLine()
	if err != nil {
		return fmt.Errorf("s4ppclient.connect: token: %w", err)
	}
	tokStr := string(tokLine)
	if !strings.HasPrefix(tokStr, "TOK:") {
		return fmt.Errorf("s4ppclient.connect: expected TOK, got %q", tokStr)
	}
	c.tokenASCII = strings.TrimPrefix(tokStr, "TOK:")
	c.tokenRaw, err = hex.DecodeString(c.tokenASCII)
	if err != nil {
		return fmt.Errorf("s4ppclient.connect: token not hex: %w", err)
	}

	c.hashAlgo = preferredHashAlgo
	if c.hashAlgo == "" && len(c.peerHashAlgos) > 0 {
		c.hashAlgo = c.peerHashAlgos[0]
	}
	if c.hashAlgo == "" {
		return fmt.Errorf("s4ppclient.connect: no hash algorithm advertised")
	}

	return c.sendAuth()
}

// parseHello parses either the 1.2 four-field form or the 1.0/1.1
// three-field form (spec §6: "1.0/1.1 servers omit the hide-algos field").
func (c *Client) parseHello(line string) error {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return fmt.Errorf("s4ppclient.parse_hello: malformed hello %q", line)
	}
	c.peerHashAlgos = strings.Split(fields[1], ",")
	maxSamples, err := strconv.Atoi(fields[2])
	if err != nil {
		return fmt.Errorf("s4ppclient.parse_hello: bad max-samples: %w", err)
	}
	c.maxSamples = maxSamples
	if len(fields) >= 4 && fields[3] != "-" {
		c.peerHideAlgos = strings.Split(fields[3], ",")
	}
	return nil
}

func (c *Client) sendAuth() error {
	hm, ok := crypto.NewHMAC(c.hashAlgo, c.key)
	if !ok {
		return fmt.Errorf("s4ppclient.send_auth: unsupported hash algorithm %q", c.hashAlgo)
	}
	hm.Update([]byte(c.keyid + c.tokenASCII))
	tag := hex.EncodeToString(hm.Finalize())
	return c.lw.WriteLine([]byte(fmt.Sprintf("AUTH:%s,%s,%s", c.hashAlgo, c.keyid, tag)))
}

// ActivateHide negotiates HIDE confidentiality for all subsequent outbound
// lines (spec §4.2/§4.6): it sends HIDE:<algo>, derives the session key,
// and writes one encrypted salt line that the server discards.
func (c *Client) ActivateHide(algo string) error {
	found := false
	for _, a := range c.peerHideAlgos {
		if a == algo {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("s4ppclient.activate_hide: server does not advertise %q", algo)
	}
	sessionKey, blockSize, err := hide.DeriveSessionKey(algo, c.key, c.tokenRaw)
	if err != nil {
		return fmt.Errorf("s4ppclient.activate_hide: %w", err)
	}
	if err := c.wr.WriteLineString("HIDE:" + algo); err != nil {
		return err
	}
	enc, err := hide.NewEncoder(c.conn, algo, sessionKey)
	if err != nil {
		return fmt.Errorf("s4ppclient.activate_hide: %w", err)
	}
	salt := make([]byte, blockSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("s4ppclient.activate_hide: salt: %w", err)
	}
	if err := enc.WriteLine([]byte(hex.EncodeToString(salt))); err != nil {
		return fmt.Errorf("s4ppclient.activate_hide: salt write: %w", err)
	}
	// The server synchronously discards exactly one decrypted line right
	// after HIDE activation (spec §4.2); flush now so those bytes are
	// actually on the wire instead of sitting in the encoder's buffer.
	if err := enc.Flush(); err != nil {
		return fmt.Errorf("s4ppclient.activate_hide: salt flush: %w", err)
	}
	c.lw = enc
	return nil
}

// SendSequence pipelines a complete SEQ/DICT/data/SIG batch (spec §4.7):
// per sequence, allocate an HMAC context, pre-seed it with the raw
// challenge token, feed every line up to but not including SIG, then emit
// the computed tag. It does not wait for the server's OK/NOK/REJ; call
// ReadResponse separately if a synchronous result is needed.
func (c *Client) SendSequence(seqid, basetime, timeDivisor int64, dataFormat int, dict []DictEntry, dataLines []string) error {
	tap := hmactap.New()
	if err := tap.Begin(c.hashAlgo, c.key, c.tokenRaw); err != nil {
		return fmt.Errorf("s4ppclient.send_sequence: %w", err)
	}

	seqLine := fmt.Sprintf("SEQ:%d,%d,%d,%d", seqid, basetime, timeDivisor, dataFormat)
	if err := c.feedAndWrite(tap, seqLine); err != nil {
		return err
	}
	for _, d := range dict {
		dictLine := fmt.Sprintf("DICT:%d,%s,%d,%s", d.Idx, d.Unit, d.UnitDivisor, d.Name)
		if err := c.feedAndWrite(tap, dictLine); err != nil {
			return err
		}
	}
	for _, line := range dataLines {
		if err := c.feedAndWrite(tap, line); err != nil {
			return err
		}
	}

	tag, err := tap.Finalize()
	if err != nil {
		return fmt.Errorf("s4ppclient.send_sequence: %w", err)
	}
	if err := c.lw.WriteLine([]byte("SIG:" + hex.EncodeToString(tag))); err != nil {
		return err
	}
	// Force the SIG line (and any trailing sub-block remainder) onto the
	// wire now: the server is about to finalize its own HMAC and reply
	// with OK/NOK/REJ, and must not block waiting on buffered bytes.
	if err := c.lw.Flush(); err != nil {
		return fmt.Errorf("s4ppclient.send_sequence: flush: %w", err)
	}
	return nil
}

func (c *Client) feedAndWrite(tap *hmactap.Tap, line string) error {
	if err := tap.Feed([]byte(line + "\n")); err != nil {
		return fmt.Errorf("s4ppclient.feed_and_write: %w", err)
	}
	return c.lw.WriteLine([]byte(line))
}

// ReadResponse reads the next line from the server — typically OK:<seqid>,
// NOK:<seqid>, REJ:<reason>, or an NTFY:<code>[,args...] notification.
func (c *Client) ReadResponse() (string, error) {
	line, err := c.rd.ReadLine()
	if err != nil {
		return "", err
	}
	return string(line), nil
}

// MaxSamples returns the server-advertised max-samples-per-sequence limit.
func (c *Client) MaxSamples() int { return c.maxSamples }

// Close terminates the underlying TCP connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
