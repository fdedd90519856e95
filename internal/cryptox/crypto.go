// Package cryptox implements the encrypted submission format: a per-instance
// AES-256 key wrapped with the form's RSA public key, AES-CFB file
// encryption with PKCS5 padding, and a signed XML manifest that replaces the
// plaintext instance.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"
)

// KeySize is the length in bytes of the per-instance symmetric key.
const KeySize = 32

var ErrInvalidPublicKey = errors.New("invalid RSA public key")

// ParsePublicKey decodes a base64 DER SubjectPublicKeyInfo, the form in
// which XForms carry base64RsaPublicKey.
func ParsePublicKey(b64 string) (*rsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(b64), ""))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidPublicKey)
	}
	return rsaPub, nil
}

// ErrMessageTooLong is returned when data does not fit in one OAEP block.
var ErrMessageTooLong = errors.New("message too long for RSA key size")

// wrap encrypts data with RSA-OAEP, SHA-256 as the label hash and SHA-1 as
// the MGF1 hash. Servers decrypt with Java's OAEPWithSHA256AndMGF1Padding,
// whose default MGF1 digest is SHA-1, which crypto/rsa cannot produce.
func wrap(pub *rsa.PublicKey, data []byte) ([]byte, error) {
	k := pub.Size()
	hLen := sha256.Size
	if len(data) > k-2*hLen-2 {
		return nil, ErrMessageTooLong
	}

	lHash := sha256.Sum256(nil)
	em := make([]byte, k)
	seed := em[1 : 1+hLen]
	db := em[1+hLen:]
	copy(db, lHash[:])
	db[len(db)-len(data)-1] = 0x01
	copy(db[len(db)-len(data):], data)

	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return nil, fmt.Errorf("failed to generate OAEP seed: %w", err)
	}
	mgf1XOR(db, seed)
	mgf1XOR(seed, db)

	m := new(big.Int).SetBytes(em)
	c := new(big.Int).Exp(m, big.NewInt(int64(pub.E)), pub.N)
	return c.FillBytes(make([]byte, k)), nil
}

// mgf1XOR xors out with the MGF1-SHA1 mask generated from seed.
func mgf1XOR(out, seed []byte) {
	var counter [4]byte
	done := 0
	for done < len(out) {
		h := sha1.New()
		h.Write(seed)
		h.Write(counter[:])
		for _, b := range h.Sum(nil) {
			if done == len(out) {
				break
			}
			out[done] ^= b
			done++
		}
		binary.BigEndian.PutUint32(counter[:], binary.BigEndian.Uint32(counter[:])+1)
	}
}

// ivSequence yields the per-file IVs derived from MD5(instanceID || key).
// Each call bumps one byte of the seed, cycling through its positions.
type ivSequence struct {
	seed    [aes.BlockSize]byte
	counter int
}

func newIVSequence(instanceID string, key []byte) *ivSequence {
	h := md5.New()
	h.Write([]byte(instanceID))
	h.Write(key)
	s := &ivSequence{}
	copy(s.seed[:], h.Sum(nil))
	return s
}

func (s *ivSequence) next() []byte {
	s.seed[s.counter%len(s.seed)]++
	s.counter++
	iv := make([]byte, len(s.seed))
	copy(iv, s.seed[:])
	return iv
}

// encryptFile writes src encrypted with AES-CFB and PKCS5 padding to dst and
// returns the hex MD5 of the written ciphertext.
func encryptFile(src, dst string, key, iv []byte) (sum string, err error) {
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o660)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", dst, err)
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close %s: %w", dst, cerr)
		}
		if err != nil {
			_ = os.Remove(dst)
		}
	}()

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	h := md5.New()
	sw := &cipher.StreamWriter{S: cipher.NewCFBEncrypter(block, iv), W: io.MultiWriter(out, h)}

	n, err := io.Copy(sw, in)
	if err != nil {
		return "", fmt.Errorf("encrypt %s: %w", src, err)
	}
	if _, err := sw.Write(pkcs5Padding(n)); err != nil {
		return "", fmt.Errorf("encrypt %s: %w", src, err)
	}
	if err := out.Sync(); err != nil {
		return "", fmt.Errorf("sync %s: %w", dst, err)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

func pkcs5Padding(n int64) []byte {
	p := aes.BlockSize - int(n%aes.BlockSize)
	pad := make([]byte, p)
	for i := range pad {
		pad[i] = byte(p)
	}
	return pad
}
