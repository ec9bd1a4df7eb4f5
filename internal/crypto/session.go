package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
)

// TrailerSize is the length of the authentication trailer appended to
// every encrypted payload.
const TrailerSize = 8

// Material is the symmetric key material derived for one link.
type Material struct {
	Key [sha256.Size]byte
	IV  [aes.BlockSize]byte
}

// DeriveMaterial computes key = SHA256(salt || ECDH(priv, remote)) and
// iv = key[:16].
func DeriveMaterial(priv *ecdsa.PrivateKey, remote *ecdsa.PublicKey, salt []byte) (Material, error) {
	var m Material

	secret, err := sharedSecret(priv, remote)
	if err != nil {
		return m, err
	}

	h := sha256.New()
	h.Write(salt)
	h.Write(secret)
	copy(m.Key[:], h.Sum(nil))
	copy(m.IV[:], m.Key[:aes.BlockSize])

	return m, nil
}

// Session holds the two stream directions of one encrypted link. Both share
// the same material but keep independent cipher state and counters.
type Session struct {
	Material Material
	Encrypt  *Encrypter
	Decrypt  *Decrypter
}

// Begin derives material and creates both directions with counters at zero.
func Begin(priv *ecdsa.PrivateKey, remote *ecdsa.PublicKey, salt []byte) (*Session, error) {
	m, err := DeriveMaterial(priv, remote, salt)
	if err != nil {
		return nil, fmt.Errorf("deriving cipher material: %w", err)
	}
	return NewSession(m)
}

// NewSession creates a session from already derived material.
func NewSession(m Material) (*Session, error) {
	enc, err := NewEncrypter(m)
	if err != nil {
		return nil, err
	}
	dec, err := NewDecrypter(m)
	if err != nil {
		return nil, err
	}
	return &Session{Material: m, Encrypt: enc, Decrypt: dec}, nil
}

// Encrypter authenticates and encrypts outbound payloads. Not safe for
// concurrent use: the stream and counter are positional.
type Encrypter struct {
	stream  cipher.Stream
	key     []byte
	counter uint64
}

// NewEncrypter creates an encrypter for m.
func NewEncrypter(m Material) (*Encrypter, error) {
	block, err := aes.NewCipher(m.Key[:])
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	return &Encrypter{
		stream: NewCFB8Encrypter(block, m.IV[:]),
		key:    m.Key[:],
	}, nil
}

// Seal returns encrypt(payload || trailer) and advances the send counter.
// payload is not modified.
func (e *Encrypter) Seal(payload []byte) []byte {
	out := make([]byte, len(payload), len(payload)+TrailerSize)
	copy(out, payload)
	out = append(out, trailer(e.counter, payload, e.key)...)
	e.counter++

	e.stream.XORKeyStream(out, out)
	return out
}

// Counter returns the number of payloads sealed so far.
func (e *Encrypter) Counter() uint64 {
	return e.counter
}

// Decrypter decrypts and authenticates inbound frames.
type Decrypter struct {
	stream  cipher.Stream
	key     []byte
	counter uint64
}

// NewDecrypter creates a decrypter for m.
func NewDecrypter(m Material) (*Decrypter, error) {
	block, err := aes.NewCipher(m.Key[:])
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	return &Decrypter{
		stream: NewCFB8Decrypter(block, m.IV[:]),
		key:    m.Key[:],
	}, nil
}

// Open decrypts frame and verifies its trailer against the receive counter.
// On mismatch it returns ErrTrailerMismatch and leaves the counter unchanged.
func (d *Decrypter) Open(frame []byte) ([]byte, error) {
	plain := make([]byte, len(frame))
	d.stream.XORKeyStream(plain, frame)

	if len(plain) < TrailerSize {
		return nil, ErrShortFrame
	}
	return d.authenticate(plain)
}

// authenticate checks the trailer of an already decrypted frame.
func (d *Decrypter) authenticate(plain []byte) ([]byte, error) {
	split := len(plain) - TrailerSize
	head, got := plain[:split], plain[split:]

	want := trailer(d.counter, head, d.key)
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return nil, fmt.Errorf("%w (counter %d)", ErrTrailerMismatch, d.counter)
	}
	d.counter++
	return head, nil
}

// Counter returns the number of frames accepted so far.
func (d *Decrypter) Counter() uint64 {
	return d.counter
}

// trailer computes SHA256(le64(counter) || payload || key)[:8].
func trailer(counter uint64, payload, key []byte) []byte {
	var c [8]byte
	binary.LittleEndian.PutUint64(c[:], counter)

	h := sha256.New()
	h.Write(c[:])
	h.Write(payload)
	h.Write(key)
	return h.Sum(nil)[:TrailerSize]
}
