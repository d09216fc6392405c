// Package integration exercises the S4PP seed scenarios from spec.md §8
// end-to-end against a live Server, using a raw TCP client so every wire
// byte is under the test's control. Style (one scenario per subtest,
// net.Dial against an ephemeral listener, explicit timeouts) mirrors the
// teacher's tests/integration/handshake_test.go.
package integration

import (
	"bufio"
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/finlaysensors/s4pp/internal/memcollab"
	"github.com/finlaysensors/s4pp/internal/s4pp/crypto"
	"github.com/finlaysensors/s4pp/internal/s4ppmetrics"
	"github.com/finlaysensors/s4pp/internal/s4ppserver"
)

const (
	fixtureKeyID      = "1234"
	fixtureTokenASCII = "f8763c330bf5ed2feafaf56c484649bf"
)

func startServer(t *testing.T, keyid string, key []byte, hideAlgos []string) (*s4ppserver.Server, *memcollab.SampleSink) {
	t.Helper()
	sink := memcollab.NewSampleSink()
	cfg := s4ppserver.Config{
		ListenAddr: "127.0.0.1:0",
		HashAlgos:  []string{"SHA256"},
		HideAlgos:  hideAlgos,
		KeyStore:   memcollab.NewKeyStore(map[string][]byte{keyid: key}),
		Sink:       sink,
		Entropy:    memcollab.FixedEntropy{TokenHex: fixtureTokenASCII},
		Metrics:    s4ppmetrics.New(prometheus.NewRegistry()),
	}
	srv := s4ppserver.New(cfg)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })
	return srv, sink
}

// rawClient dials srv and consumes the hello/TOK burst, returning the
// connection and a buffered reader positioned right after TOK.
func rawClient(t *testing.T, srv *s4ppserver.Server) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", srv.Addr().String(), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	br := bufio.NewReader(conn)
	_, err = br.ReadString('\n') // hello
	require.NoError(t, err)
	_, err = br.ReadString('\n') // TOK
	require.NoError(t, err)
	return conn, br
}

func authLine(t *testing.T, key []byte) string {
	t.Helper()
	hm, ok := crypto.NewHMAC("SHA256", key)
	require.True(t, ok)
	hm.Update([]byte(fixtureKeyID + fixtureTokenASCII))
	return "AUTH:SHA256," + fixtureKeyID + "," + hex.EncodeToString(hm.Finalize())
}

func sigHex(t *testing.T, key []byte, lines ...string) string {
	t.Helper()
	tokenRaw, err := hex.DecodeString(fixtureTokenASCII)
	require.NoError(t, err)
	hm, ok := crypto.NewHMAC("SHA256", key)
	require.True(t, ok)
	hm.Update(tokenRaw)
	for _, l := range lines {
		hm.Update([]byte(l + "\n"))
	}
	return hex.EncodeToString(hm.Finalize())
}

// TestS2BadSignatureRejected: flip one hex digit in SIG; the server must
// reply REJ:bad signature and commit nothing.
func TestS2BadSignatureRejected(t *testing.T) {
	key := []byte("secret")
	srv, sink := startServer(t, fixtureKeyID, key, nil)
	conn, br := rawClient(t, srv)

	seqLine := "SEQ:0,1513833032,1,0"
	dictLine := "DICT:0,C,100,temperature"
	dataLine := "0,0,2561"
	goodSig := sigHex(t, key, seqLine, dictLine, dataLine)
	badSig := flipHexDigit(goodSig)

	_, err := conn.Write([]byte(authLine(t, key) + "\n" + seqLine + "\n" + dictLine + "\n" + dataLine + "\nSIG:" + badSig + "\n"))
	require.NoError(t, err)

	resp, err := br.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "REJ:bad signature\n", resp)
	require.Empty(t, sink.Committed(0))
}

func flipHexDigit(s string) string {
	b := []byte(s)
	if b[0] == '0' {
		b[0] = '1'
	} else {
		b[0] = '0'
	}
	return string(b)
}

// TestS3NonMonotonicSeqidRejected: after a committed seqid 0, a second
// SEQ:0 is rejected but the session remains usable for a later seqid.
func TestS3NonMonotonicSeqidRejected(t *testing.T) {
	key := []byte("secret")
	srv, sink := startServer(t, fixtureKeyID, key, nil)
	conn, br := rawClient(t, srv)

	_, err := conn.Write([]byte(authLine(t, key) + "\n"))
	require.NoError(t, err)

	sendSequence(t, conn, key, 0, "0,0,2561")
	resp, err := br.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "OK:0\n", resp)

	_, err = conn.Write([]byte("SEQ:0,1513833033,1,0\n"))
	require.NoError(t, err)
	resp, err = br.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "REJ:0\n", resp)

	sendSequence(t, conn, key, 1, "0,0,2562")
	resp, err = br.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "OK:1\n", resp)

	require.Len(t, sink.Committed(0), 1)
	require.Len(t, sink.Committed(1), 1)
}

// sendSequence writes a complete SEQ/DICT/data/SIG batch for seqid using a
// fixed dictionary entry, reusing fixtureTokenASCII as the pre-SIG seed.
func sendSequence(t *testing.T, conn net.Conn, key []byte, seqid int64, dataLine string) {
	t.Helper()
	seqLine := "SEQ:" + itoa(seqid) + ",1513833032,1,0"
	dictLine := "DICT:0,C,100,temperature"
	sig := sigHex(t, key, seqLine, dictLine, dataLine)
	_, err := conn.Write([]byte(seqLine + "\n" + dictLine + "\n" + dataLine + "\nSIG:" + sig + "\n"))
	require.NoError(t, err)
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// TestS5CRLFRejection: a line terminated by CRLF yields the literal
// REJ:malformed response.
func TestS5CRLFRejection(t *testing.T) {
	key := []byte("secret")
	srv, _ := startServer(t, fixtureKeyID, key, nil)
	conn, br := rawClient(t, srv)

	_, err := conn.Write([]byte("AUTH:SHA256,1234,deadbeef\r\n"))
	require.NoError(t, err)

	resp, err := br.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "REJ:malformed\n", resp)
}

// TestS6DictionaryRedefinition: a dictionary slot redefined later in the
// same sequence governs the emitted sample.
func TestS6DictionaryRedefinition(t *testing.T) {
	key := []byte("secret")
	srv, sink := startServer(t, fixtureKeyID, key, nil)
	conn, br := rawClient(t, srv)

	_, err := conn.Write([]byte(authLine(t, key) + "\n"))
	require.NoError(t, err)

	seqLine := "SEQ:0,1513833032,1,0"
	dictLine1 := "DICT:0,C,100,temp"
	dictLine2 := "DICT:0,K,1,kelvin"
	dataLine := "0,0,274"
	sig := sigHex(t, key, seqLine, dictLine1, dictLine2, dataLine)

	_, err = conn.Write([]byte(seqLine + "\n" + dictLine1 + "\n" + dictLine2 + "\n" + dataLine + "\nSIG:" + sig + "\n"))
	require.NoError(t, err)

	resp, err := br.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "OK:0\n", resp)

	samples := sink.Committed(0)
	require.Len(t, samples, 1)
	require.Equal(t, "kelvin", samples[0].Name)
	require.Equal(t, "K", samples[0].Unit)
	require.Equal(t, int64(1), samples[0].UnitDivisor)
}

// TestHideEmptySaltIsIdempotent exercises property 6: a zero-length first
// decrypted line after HIDE (pure LF padding) is accepted and the session
// proceeds normally.
func TestHideEmptySaltIsIdempotent(t *testing.T) {
	key := []byte("sixteen-byte-key")
	srv, sink := startServer(t, fixtureKeyID, key, []string{"AES-128-CBC"})
	conn, br := rawClient(t, srv)

	_, err := conn.Write([]byte(authLine(t, key) + "\n"))
	require.NoError(t, err)

	blk, blockSize, err := crypto.BlockCipherFactory("AES-128-CBC", key)
	require.NoError(t, err)
	tokenRaw, err := hex.DecodeString(fixtureTokenASCII)
	require.NoError(t, err)
	input := make([]byte, blockSize)
	n := copy(input, tokenRaw)
	for i := n; i < blockSize; i++ {
		input[i] = '\n'
	}
	sessionKey := crypto.EncryptBlock(blk, input)

	sessionBlk, err := aes.NewCipher(sessionKey)
	require.NoError(t, err)
	enc := cipher.NewCBCEncrypter(sessionBlk, make([]byte, blockSize))

	_, err = conn.Write([]byte("HIDE:AES-128-CBC\n"))
	require.NoError(t, err)

	seqLine := "SEQ:0,1513833032,1,0"
	dictLine := "DICT:0,C,100,temperature"
	dataLine := "0,0,2561"
	sig := sigHex(t, key, seqLine, dictLine, dataLine)
	plaintext := "\n" + seqLine + "\n" + dictLine + "\n" + dataLine + "\nSIG:" + sig + "\n"
	padded := []byte(plaintext)
	for len(padded)%blockSize != 0 {
		padded = append(padded, '\n')
	}
	ciphertext := make([]byte, len(padded))
	enc.CryptBlocks(ciphertext, padded)

	_, err = conn.Write(ciphertext)
	require.NoError(t, err)

	resp, err := br.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "OK:0\n", resp)
	require.Len(t, sink.Committed(0), 1)
}

// TestEmptyLinesAreNoOpsInEveryState exercises property 6's general case
// (spec §4.1: "lines may be empty ... valid no-ops") outside of HIDE:
// a blank line between AUTH and SEQ (Authenticated state) and a blank
// line between DICT and the data line (InSequence state) must both be
// silently ignored rather than rejected, and must not perturb the
// sequence HMAC.
func TestEmptyLinesAreNoOpsInEveryState(t *testing.T) {
	key := []byte("secret")
	srv, sink := startServer(t, fixtureKeyID, key, nil)
	conn, br := rawClient(t, srv)

	_, err := conn.Write([]byte(authLine(t, key) + "\n\n"))
	require.NoError(t, err)

	seqLine := "SEQ:0,1513833032,1,0"
	dictLine := "DICT:0,C,100,temperature"
	dataLine := "0,0,2561"
	sig := sigHex(t, key, seqLine, dictLine, dataLine)

	_, err = conn.Write([]byte(seqLine + "\n" + dictLine + "\n\n" + dataLine + "\nSIG:" + sig + "\n"))
	require.NoError(t, err)

	resp, err := br.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "OK:0\n", resp)
	require.Len(t, sink.Committed(0), 1)
}
