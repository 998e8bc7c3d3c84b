package transform

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/searchktools/segserver/core/estimate"
)

const (
	// LenSize is the record length prefix, also the AEAD additional data.
	LenSize = 4

	// SealHeader is the length prefix followed by the nonce.
	SealHeader = LenSize + chacha20poly1305.NonceSizeX

	TagSize = chacha20poly1305.Overhead
)

// Keys are the two directional ciphers derived from one shared secret.
type Keys struct {
	C2S cipher.AEAD
	S2C cipher.AEAD
}

// DeriveKeys expands secret with HKDF-SHA256 into a client-to-server and a
// server-to-client XChaCha20-Poly1305 key.
func DeriveKeys(secret []byte) (Keys, error) {
	if len(secret) == 0 {
		return Keys{}, ErrNoSecret
	}
	c2s, err := deriveAEAD(secret, "segserver c2s")
	if err != nil {
		return Keys{}, err
	}
	s2c, err := deriveAEAD(secret, "segserver s2c")
	if err != nil {
		return Keys{}, err
	}
	return Keys{C2S: c2s, S2C: s2c}, nil
}

// Reverse swaps the directions, for the client side.
func (k Keys) Reverse() Keys {
	return Keys{C2S: k.S2C, S2C: k.C2S}
}

func deriveAEAD(secret []byte, info string) (cipher.AEAD, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("transform: derive %s key: %w", info, err)
	}
	return chacha20poly1305.NewX(key)
}

// Open authenticates and decrypts a record. hdr is the length prefix and
// nonce the pipeline stripped; the tag is trimmed from the output.
type Open struct {
	AEAD cipher.AEAD
}

func (Open) Kind() estimate.Kind { return estimate.KindDecrypt }

func (Open) Profile() estimate.Profile {
	return estimate.Fixed{Strip: SealHeader, Trim: TagSize}
}

func (o Open) Apply(_ *Context, hdr, buf []byte, n int) (int, error) {
	if len(hdr) != SealHeader {
		return 0, Fail(estimate.KindDecrypt, CodeMalformed, ErrShortHdr)
	}
	if declared := binary.BigEndian.Uint32(hdr[:LenSize]); int(declared) != chacha20poly1305.NonceSizeX+n {
		return 0, Fail(estimate.KindDecrypt, CodeMalformed,
			fmt.Errorf("record declares %d bytes, carries %d", declared, chacha20poly1305.NonceSizeX+n))
	}
	out, err := o.AEAD.Open(buf[:0], hdr[LenSize:], buf[:n], hdr[:LenSize])
	if err != nil {
		return 0, Fail(estimate.KindDecrypt, CodeAuth, err)
	}
	return len(out), nil
}

// Seal encrypts in place and fills hdr with the length prefix and a fresh
// random nonce.
type Seal struct {
	AEAD cipher.AEAD
}

func (Seal) Kind() estimate.Kind { return estimate.KindEncrypt }

func (Seal) Profile() estimate.Profile {
	return estimate.Fixed{Prefix: SealHeader, Suffix: TagSize}
}

func (s Seal) Apply(_ *Context, hdr, buf []byte, n int) (int, error) {
	if len(hdr) != SealHeader {
		return 0, Fail(estimate.KindEncrypt, CodeMalformed, ErrShortHdr)
	}
	if len(buf) < n+TagSize {
		return 0, Fail(estimate.KindEncrypt, CodeOverflow, ErrTooLarge)
	}
	binary.BigEndian.PutUint32(hdr[:LenSize], uint32(chacha20poly1305.NonceSizeX+n+TagSize))
	if _, err := rand.Read(hdr[LenSize:]); err != nil {
		return 0, Fail(estimate.KindEncrypt, CodeHandler, err)
	}
	out := s.AEAD.Seal(buf[:0], hdr[LenSize:], buf[:n], hdr[:LenSize])
	return len(out), nil
}
