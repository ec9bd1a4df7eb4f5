// Package dump writes per-session packet captures and key files.
package dump

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/udisondev/bedrockproxy/internal/protocol/packet"
)

// Record is one captured sub-packet.
type Record struct {
	Seq        uint64 `cbor:"1,keyasint"`
	UnixNano   int64  `cbor:"2,keyasint"`
	FromServer bool   `cbor:"3,keyasint"`
	Batch      bool   `cbor:"4,keyasint"`
	ID         uint32 `cbor:"5,keyasint"`
	// Packet is the full sub-packet: header plus body.
	Packet []byte `cbor:"6,keyasint"`
}

// Capture appends CBOR records to one file. Safe for concurrent use.
type Capture struct {
	mu   sync.Mutex
	path string
	f    *os.File
	w    *bufio.Writer
	enc  *cbor.Encoder
	seq  uint64
}

// FileName returns the capture file name for a session started at t.
func FileName(session string, t time.Time) string {
	return fmt.Sprintf("%s_%s.cbor", t.Format("060102_150405"), session)
}

// Open creates dir if needed and starts a capture file for session.
func Open(dir, session string, now time.Time) (*Capture, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating dump dir %s: %w", dir, err)
	}

	path := filepath.Join(dir, FileName(session, now))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating dump file: %w", err)
	}

	w := bufio.NewWriter(f)
	return &Capture{path: path, f: f, w: w, enc: cbor.NewEncoder(w)}, nil
}

// Path returns the capture file path.
func (c *Capture) Path() string {
	return c.path
}

// Record appends p to the capture.
func (c *Capture) Record(fromServer, batch bool, p packet.Packet) error {
	raw, err := packet.Marshal(p)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.f == nil {
		return os.ErrClosed
	}

	rec := Record{
		Seq:        c.seq,
		UnixNano:   time.Now().UnixNano(),
		FromServer: fromServer,
		Batch:      batch,
		ID:         p.ID(),
		Packet:     raw,
	}
	c.seq++

	if err := c.enc.Encode(rec); err != nil {
		return fmt.Errorf("writing dump record: %w", err)
	}
	return nil
}

// Close flushes and closes the file. Safe to call more than once.
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.f == nil {
		return nil
	}
	err := errors.Join(c.w.Flush(), c.f.Close())
	c.f = nil
	return err
}

// ReadAll decodes every record of a capture stream.
func ReadAll(r io.Reader) ([]Record, error) {
	dec := cbor.NewDecoder(r)

	var recs []Record
	for {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return recs, nil
			}
			return recs, fmt.Errorf("decoding dump record %d: %w", len(recs), err)
		}
		recs = append(recs, rec)
	}
}

// WritePublicKey writes an encoded public key to <dir>/<name>.public.key.
func WritePublicKey(dir, name, encoded string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating dump dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, name+".public.key")
	if err := os.WriteFile(path, []byte(encoded+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing key file %s: %w", path, err)
	}
	return nil
}
