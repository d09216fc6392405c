//go:build ignore

// Generates S4PP wire golden vectors from the seed scenarios in spec.md §8
// (S1 minimal happy path, S4 HIDE round trip).
// Run: go run ./tests/golden/gen_wire_vectors.go
// Files:
//   - s1_server_hello.txt  (hello line + TOK line)
//   - s1_client_plain.txt  (AUTH/SEQ/DICT/data/SIG, LF-terminated, plaintext)
//   - s1_server_response.txt (OK:0)
//   - s4_client_cipher.bin (AUTH and the HIDE command in the clear, then the
//     salt line and the SEQ/DICT/data/SIG lines encrypted with AES-128-CBC)
//
// Shared fixture (spec.md §8 S1/S4): keyid "1234", challenge token
// f8763c330bf5ed2feafaf56c484649bf; shared key "secret" for S1 and hideKey
// for S4. The S1 files are deterministic; the S4 salt is random, so
// s4_client_cipher.bin differs on every run.
package main

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

const (
	keyID      = "1234"
	sharedKey  = "secret"
	tokenASCII = "f8763c330bf5ed2feafaf56c484649bf"

	// hideKey is a distinct 16-byte shared key used only for the S4 HIDE
	// vector: AES-128-CBC requires its key to be exactly 16 bytes, unlike
	// the HMAC key used for S1's AUTH/SIG which may be any length.
	hideKey = "sixteen-byte-key"
)

func writeFile(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func hmacSHA256(key []byte, parts ...[]byte) []byte {
	h := hmac.New(sha256.New, key)
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

func main() {
	dir, _ := os.Getwd()
	fmt.Println("Generating S4PP wire golden vectors in", dir)

	tokenRaw, err := hex.DecodeString(tokenASCII)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error decoding token:", err)
		os.Exit(1)
	}

	authTag := hmacSHA256([]byte(sharedKey), []byte(keyID+tokenASCII))
	authLine := fmt.Sprintf("AUTH:SHA256,%s,%s", keyID, hex.EncodeToString(authTag))

	seqLine := "SEQ:0,1513833032,1,0"
	dictLine := "DICT:0,C,100,temperature"
	dataLine := "0,0,2561"

	sigTag := hmacSHA256([]byte(sharedKey), tokenRaw,
		[]byte(seqLine+"\n"), []byte(dictLine+"\n"), []byte(dataLine+"\n"))
	sigLine := fmt.Sprintf("SIG:%s", hex.EncodeToString(sigTag))

	hello := "S4PP/1.2 SHA256 2000 AES-128-CBC\nTOK:" + tokenASCII + "\n"
	clientPlain := authLine + "\n" + seqLine + "\n" + dictLine + "\n" + dataLine + "\n" + sigLine + "\n"
	response := "OK:0\n"

	// S4: derive the HIDE session key (AES-128-ECB-encrypt one block of
	// the raw token, right-padded with LF; CBC with a zero IV on the first
	// block is equivalent to ECB for that single block).
	blk, err := aes.NewCipher([]byte(hideKey))
	if err != nil {
		fmt.Fprintln(os.Stderr, "error building key schedule:", err)
		os.Exit(1)
	}
	input := make([]byte, aes.BlockSize)
	n := copy(input, tokenRaw)
	for i := n; i < aes.BlockSize; i++ {
		input[i] = '\n'
	}
	sessionKey := make([]byte, aes.BlockSize)
	blk.Encrypt(sessionKey, input)

	sessionBlk, err := aes.NewCipher(sessionKey)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error building session key schedule:", err)
		os.Exit(1)
	}
	enc := cipher.NewCBCEncrypter(sessionBlk, make([]byte, aes.BlockSize))

	salt := make([]byte, aes.BlockSize)
	if _, err := rand.Read(salt); err != nil {
		fmt.Fprintln(os.Stderr, "error generating salt:", err)
		os.Exit(1)
	}
	saltLine := hex.EncodeToString(salt) // 32 ASCII chars plus LF: 33 bytes, reaching into a third block

	// S4's AUTH and SIG are keyed with hideKey, the key the session key is
	// derived from; AUTH is sent in the clear before HIDE.
	s4AuthTag := hmacSHA256([]byte(hideKey), []byte(keyID+tokenASCII))
	s4AuthLine := fmt.Sprintf("AUTH:SHA256,%s,%s", keyID, hex.EncodeToString(s4AuthTag))
	s4SigTag := hmacSHA256([]byte(hideKey), tokenRaw,
		[]byte(seqLine+"\n"), []byte(dictLine+"\n"), []byte(dataLine+"\n"))
	s4Body := seqLine + "\n" + dictLine + "\n" + dataLine + "\nSIG:" + hex.EncodeToString(s4SigTag) + "\n"

	plaintext := []byte(saltLine + "\n" + s4Body)
	for len(plaintext)%aes.BlockSize != 0 {
		plaintext = append(plaintext, '\n')
	}
	ciphertext := make([]byte, len(plaintext))
	enc.CryptBlocks(ciphertext, plaintext)

	clearPrefix := []byte(s4AuthLine + "\nHIDE:AES-128-CBC\n")
	s4ClientCipher := append(append([]byte(nil), clearPrefix...), ciphertext...)

	files := []struct {
		name string
		data []byte
	}{
		{"s1_server_hello.txt", []byte(hello)},
		{"s1_client_plain.txt", []byte(clientPlain)},
		{"s1_server_response.txt", []byte(response)},
		{"s4_client_cipher.bin", s4ClientCipher},
	}

	for _, f := range files {
		p := filepath.Join(dir, f.name)
		if err := writeFile(p, f.data); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		h := sha256.Sum256(f.data)
		fmt.Printf("Wrote %-28s size=%4d sha256=%s\n", f.name, len(f.data), hex.EncodeToString(h[:8]))
	}
}
