package albumart

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"
)

func headerMsg(id, crc, total uint32, name string, data []byte) []byte {
	b := make([]byte, headerSize)
	b[0] = TypeHeader
	binary.BigEndian.PutUint32(b[1:], id)
	binary.BigEndian.PutUint32(b[5:], crc)
	binary.BigEndian.PutUint32(b[9:], total)
	copy(b[13:], name)
	return append(b, data...)
}

func chunkMsg(seq uint8, id, offset uint32, data []byte) []byte {
	b := make([]byte, chunkHeaderSize)
	b[0] = TypeChunk
	b[1] = seq
	binary.BigEndian.PutUint32(b[2:], id)
	binary.BigEndian.PutUint32(b[6:], offset)
	return append(b, data...)
}

func newTestAssembler(t *testing.T) (*Assembler, string) {
	t.Helper()
	dir := t.TempDir()
	return NewAssembler(Config{Dir: dir, Spawn: func(f func()) { f() }}), dir
}

func image(n int) []byte {
	img := make([]byte, n)
	for i := range img {
		img[i] = byte(i * 7)
	}
	return img
}

func TestParseHeader(t *testing.T) {
	h, data, err := ParseHeader(headerMsg(456, 0xdeadbeef, 3000, "example.jpg", []byte{1, 2, 3}))
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	want := Header{ID: 456, CRC: 0xdeadbeef, Total: 3000, Filename: "example.jpg"}
	if h != want {
		t.Errorf("header = %+v, want %+v", h, want)
	}
	if !bytes.Equal(data, []byte{1, 2, 3}) {
		t.Errorf("data = %v", data)
	}

	if _, _, err := ParseHeader([]byte{TypeHeader, 0, 0}); !errors.Is(err, ErrMalformed) {
		t.Errorf("short header error = %v, want ErrMalformed", err)
	}
}

func TestParseChunk(t *testing.T) {
	c, err := ParseChunk(chunkMsg(3, 456, 5844, []byte("jpeg")))
	if err != nil {
		t.Fatalf("ParseChunk: %v", err)
	}
	if c.Seq != 3 || c.ID != 456 || c.Offset != 5844 || string(c.Data) != "jpeg" {
		t.Errorf("chunk = %+v", c)
	}
	if _, err := ParseChunk([]byte{TypeChunk, 1}); !errors.Is(err, ErrMalformed) {
		t.Errorf("short chunk error = %v, want ErrMalformed", err)
	}
}

func TestAssemble(t *testing.T) {
	img := image(5000)
	crc := crc32.ChecksumIEEE(img)
	const step = 1948

	tests := []struct {
		name string
		msgs [][]byte
	}{
		{"in order", [][]byte{
			headerMsg(456, crc, uint32(len(img)), "cover.jpg", img[:step]),
			chunkMsg(1, 456, step, img[step:2*step]),
			chunkMsg(2, 456, 2*step, img[2*step:]),
		}},
		{"out of order with duplicate", [][]byte{
			headerMsg(456, crc, uint32(len(img)), "cover.jpg", img[:step]),
			chunkMsg(2, 456, 2*step, img[2*step:]),
			chunkMsg(2, 456, 2*step, img[2*step:]),
			chunkMsg(1, 456, step, img[step:2*step]),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, dir := newTestAssembler(t)
			for i, m := range tt.msgs {
				if err := a.Handle(m); err != nil {
					t.Fatalf("message %d: %v", i, err)
				}
			}
			got, err := os.ReadFile(filepath.Join(dir, "cover.jpg"))
			if err != nil {
				t.Fatalf("read stored image: %v", err)
			}
			if !bytes.Equal(got, img) {
				t.Error("stored image differs")
			}
			last, ok := a.Last()
			if !ok || last.ID != 456 || last.Path != filepath.Join(dir, "cover.jpg") {
				t.Errorf("Last() = %+v, %v", last, ok)
			}
		})
	}
}

func TestAssemble_Errors(t *testing.T) {
	img := image(100)
	crc := crc32.ChecksumIEEE(img)

	tests := []struct {
		name    string
		msgs    [][]byte
		wantErr error
	}{
		{"checksum", [][]byte{headerMsg(1, crc+1, 100, "a.jpg", img)}, ErrChecksum},
		{"unknown transfer", [][]byte{
			headerMsg(1, crc, 100, "a.jpg", img[:50]),
			chunkMsg(1, 2, 50, img[50:]),
		}, ErrUnknownTransfer},
		{"chunk without header", [][]byte{chunkMsg(1, 1, 0, img)}, ErrUnknownTransfer},
		{"past end", [][]byte{
			headerMsg(1, crc, 100, "a.jpg", img[:50]),
			chunkMsg(1, 1, 90, img[50:]),
		}, ErrMalformed},
		{"too large", [][]byte{headerMsg(1, crc, DefaultMaxImageSize+1, "a.jpg", nil)}, ErrTooLarge},
		{"bad filename", [][]byte{headerMsg(1, crc, 100, "..", img)}, ErrMalformed},
		{"unknown type", [][]byte{{9, 1, 2}}, ErrMalformed},
		{"empty", [][]byte{{}}, ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, dir := newTestAssembler(t)
			var err error
			for _, m := range tt.msgs {
				if err = a.Handle(m); err != nil {
					break
				}
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			entries, _ := os.ReadDir(dir)
			if len(entries) != 0 {
				t.Errorf("files written on error: %v", entries)
			}
		})
	}
}

func TestAssemble_NewHeaderRestarts(t *testing.T) {
	a, dir := newTestAssembler(t)
	first := image(80)
	second := bytes.Repeat([]byte{0xAB}, 60)

	a.Handle(headerMsg(1, crc32.ChecksumIEEE(first), 80, "first.jpg", first[:40]))
	if err := a.Handle(headerMsg(2, crc32.ChecksumIEEE(second), 60, "second.jpg", second)); err != nil {
		t.Fatalf("second header: %v", err)
	}
	if err := a.Handle(chunkMsg(1, 1, 40, first[40:])); !errors.Is(err, ErrUnknownTransfer) {
		t.Errorf("chunk for abandoned transfer = %v, want ErrUnknownTransfer", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "second.jpg")); err != nil {
		t.Errorf("second image not stored: %v", err)
	}
}

func TestAssemble_FilenameStaysInDir(t *testing.T) {
	a, dir := newTestAssembler(t)
	img := image(10)
	if err := a.Handle(headerMsg(1, crc32.ChecksumIEEE(img), 10, "../../evil.jpg", img)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "evil.jpg")); err != nil {
		t.Errorf("image not confined to dir: %v", err)
	}
}

func TestPlayback(t *testing.T) {
	p := NewPlayback(nil)
	if _, ok := p.Last(); ok {
		t.Fatal("Last before any message should be empty")
	}

	p.HandleMessage("tunesyncmq/playback", []byte(`{"state":"playing","title":"Blue in Green","position":42}`))
	st, ok := p.Last()
	if !ok || st.State != "playing" || st.Title != "Blue in Green" {
		t.Fatalf("Last() = %+v, %v", st, ok)
	}

	p.HandleMessage("tunesyncmq/playback", []byte(`not json`))
	p.HandleMessage("tunesyncmq/playback", []byte(`["array"]`))
	if st2, _ := p.Last(); string(st2.Raw) != string(st.Raw) {
		t.Errorf("invalid payload replaced status: %s", st2.Raw)
	}
}
