// Package albumart reassembles cover images published in pieces on the
// album-art topic and remembers the latest playback status.
//
// Every message starts with a type byte. A header message (type 1)
// carries the transfer id, the CRC-32 of the whole image, its total
// size and a NUL-padded 25 byte filename, followed by the first slice
// of image data. Chunk messages (type 2) carry a chunk number, the
// transfer id and the byte offset of their data. Integers are
// big-endian.
package albumart

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	TypeHeader = 1
	TypeChunk  = 2

	filenameSize    = 25
	headerSize      = 1 + 4 + 4 + 4 + filenameSize
	chunkHeaderSize = 1 + 1 + 4 + 4

	// DefaultMaxImageSize bounds the announced image size.
	DefaultMaxImageSize = 512 * 1024
)

var (
	ErrMalformed       = errors.New("malformed album art message")
	ErrUnknownTransfer = errors.New("chunk for unknown album art transfer")
	ErrChecksum        = errors.New("album art checksum mismatch")
	ErrTooLarge        = errors.New("album art image too large")
)

// Header describes an image transfer.
type Header struct {
	ID       uint32 `json:"id"`
	CRC      uint32 `json:"crc"`
	Total    uint32 `json:"total"`
	Filename string `json:"filename"`
}

// Chunk is one slice of image data.
type Chunk struct {
	Seq    uint8
	ID     uint32
	Offset uint32
	Data   []byte
}

// ParseHeader decodes a header message. The returned data aliases
// payload.
func ParseHeader(payload []byte) (Header, []byte, error) {
	if len(payload) < headerSize || payload[0] != TypeHeader {
		return Header{}, nil, ErrMalformed
	}
	name := payload[13:headerSize]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	h := Header{
		ID:       binary.BigEndian.Uint32(payload[1:5]),
		CRC:      binary.BigEndian.Uint32(payload[5:9]),
		Total:    binary.BigEndian.Uint32(payload[9:13]),
		Filename: string(name),
	}
	return h, payload[headerSize:], nil
}

// ParseChunk decodes a chunk message. Data aliases payload.
func ParseChunk(payload []byte) (Chunk, error) {
	if len(payload) < chunkHeaderSize || payload[0] != TypeChunk {
		return Chunk{}, ErrMalformed
	}
	return Chunk{
		Seq:    payload[1],
		ID:     binary.BigEndian.Uint32(payload[2:6]),
		Offset: binary.BigEndian.Uint32(payload[6:10]),
		Data:   payload[chunkHeaderSize:],
	}, nil
}

// Completed describes the most recently stored image.
type Completed struct {
	Header
	Path     string    `json:"path"`
	StoredAt time.Time `json:"stored_at"`
}

// Config configures an Assembler.
type Config struct {
	// Dir receives completed images.
	Dir          string
	MaxImageSize int
	Logger       *slog.Logger
	// Spawn runs the file write. Defaults to a goroutine.
	Spawn func(func())
}

type transfer struct {
	hdr      Header
	data     []byte
	seen     map[uint32]bool
	received int
}

// Assembler rebuilds images from header and chunk messages. A new
// header abandons any transfer in progress.
type Assembler struct {
	cfg    Config
	logger *slog.Logger

	cur *transfer

	mu   sync.Mutex
	last *Completed
}

// NewAssembler creates an assembler writing to cfg.Dir.
func NewAssembler(cfg Config) *Assembler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxImageSize <= 0 {
		cfg.MaxImageSize = DefaultMaxImageSize
	}
	if cfg.Spawn == nil {
		cfg.Spawn = func(f func()) { go f() }
	}
	return &Assembler{cfg: cfg, logger: cfg.Logger}
}

// HandleMessage is the topic handler. Errors are logged and the
// message dropped.
func (a *Assembler) HandleMessage(topic string, payload []byte) {
	if err := a.Handle(payload); err != nil {
		a.logger.Warn("album art message dropped", "topic", topic, "size", len(payload), "error", err)
	}
}

// Handle applies one message.
func (a *Assembler) Handle(payload []byte) error {
	if len(payload) == 0 {
		return ErrMalformed
	}
	switch payload[0] {
	case TypeHeader:
		h, data, err := ParseHeader(payload)
		if err != nil {
			return err
		}
		if int64(h.Total) > int64(a.cfg.MaxImageSize) {
			a.cur = nil
			return fmt.Errorf("%w: %d bytes", ErrTooLarge, h.Total)
		}
		if a.cur != nil {
			a.logger.Debug("album art transfer abandoned", "id", a.cur.hdr.ID, "received", a.cur.received)
		}
		a.logger.Debug("album art header received", "id", h.ID, "total", h.Total, "filename", h.Filename)
		a.cur = &transfer{hdr: h, data: make([]byte, h.Total), seen: make(map[uint32]bool)}
		return a.apply(0, data)

	case TypeChunk:
		c, err := ParseChunk(payload)
		if err != nil {
			return err
		}
		if a.cur == nil || a.cur.hdr.ID != c.ID {
			return fmt.Errorf("%w: id %d", ErrUnknownTransfer, c.ID)
		}
		a.logger.Debug("album art chunk received", "id", c.ID, "chunk", c.Seq, "offset", c.Offset)
		return a.apply(c.Offset, c.Data)

	default:
		return fmt.Errorf("%w: type %d", ErrMalformed, payload[0])
	}
}

func (a *Assembler) apply(offset uint32, data []byte) error {
	t := a.cur
	end := uint64(offset) + uint64(len(data))
	if end > uint64(len(t.data)) {
		a.cur = nil
		return fmt.Errorf("%w: data past end of image (%d > %d)", ErrMalformed, end, len(t.data))
	}
	if len(data) > 0 && !t.seen[offset] {
		t.seen[offset] = true
		t.received += len(data)
	}
	copy(t.data[offset:], data)

	if t.received < len(t.data) {
		return nil
	}
	a.cur = nil

	if sum := crc32.ChecksumIEEE(t.data); sum != t.hdr.CRC {
		return fmt.Errorf("%w: got %08x, want %08x", ErrChecksum, sum, t.hdr.CRC)
	}
	name, err := safeName(t.hdr.Filename)
	if err != nil {
		return err
	}
	path := filepath.Join(a.cfg.Dir, name)
	a.cfg.Spawn(func() { a.store(t.hdr, path, t.data) })
	return nil
}

func (a *Assembler) store(h Header, path string, data []byte) {
	if err := writeFile(path, data); err != nil {
		a.logger.Error("album art write failed", "path", path, "error", err)
		return
	}
	a.mu.Lock()
	a.last = &Completed{Header: h, Path: path, StoredAt: time.Now()}
	a.mu.Unlock()
	a.logger.Info("album art stored", "path", path, "bytes", len(data))
}

// Last returns the most recently stored image, if any.
func (a *Assembler) Last() (Completed, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.last == nil {
		return Completed{}, false
	}
	return *a.last, true
}

func safeName(name string) (string, error) {
	base := filepath.Base(strings.TrimSpace(name))
	if base == "" || base == "." || base == ".." || base == string(filepath.Separator) {
		return "", fmt.Errorf("%w: filename %q", ErrMalformed, name)
	}
	return base, nil
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create album art dir: %w", err)
	}
	tmp := path + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write album art: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename album art: %w", err)
	}
	return nil
}
