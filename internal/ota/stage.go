package ota

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// StageError carries the taxonomy code for a failed transfer.
type StageError struct {
	Code ErrorCode
	Err  error
}

func (e *StageError) Error() string { return e.Code.String() + ": " + e.Err.Error() }
func (e *StageError) Unwrap() error { return e.Err }

func stageErr(code ErrorCode, err error) error {
	return &StageError{Code: code, Err: err}
}

// Stager writes incoming images into Dir. A transfer is written to a
// temporary file and renamed to <target>.bin only after the announced
// size has arrived and the optional SHA-256 matches, so a partial image
// never replaces a good one.
type Stager struct {
	Dir string
}

// ImagePath returns where a completed image for target is kept.
func (s Stager) ImagePath(target Target) string {
	return filepath.Join(s.Dir, target.String()+".bin")
}

// Stage copies exactly size bytes from body. progress is called with
// (0, size) before the first read and after every chunk.
func (s Stager) Stage(target Target, body io.Reader, size int64, wantSHA256 string, progress func(done, total int64)) (string, error) {
	if size <= 0 {
		return "", stageErr(ErrorBegin, errors.New("image size unknown"))
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", stageErr(ErrorBegin, fmt.Errorf("create staging dir: %w", err))
	}
	f, err := os.CreateTemp(s.Dir, target.String()+"-*.part")
	if err != nil {
		return "", stageErr(ErrorBegin, fmt.Errorf("create staging file: %w", err))
	}
	tmp := f.Name()
	committed := false
	defer func() {
		if !committed {
			f.Close()
			os.Remove(tmp)
		}
	}()

	h := sha256.New()
	w := io.MultiWriter(f, h)
	buf := make([]byte, 32*1024)
	var done int64

	progress(0, size)
	limited := io.LimitReader(body, size)
	for {
		n, rerr := limited.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return "", stageErr(ErrorReceive, fmt.Errorf("write staging file: %w", err))
			}
			done += int64(n)
			progress(done, size)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return "", stageErr(ErrorReceive, fmt.Errorf("read image: %w", rerr))
		}
	}
	if done < size {
		return "", stageErr(ErrorReceive, fmt.Errorf("%w: got %d of %d bytes", ErrShortImage, done, size))
	}

	if err := f.Sync(); err != nil {
		return "", stageErr(ErrorEnd, fmt.Errorf("sync staging file: %w", err))
	}
	if err := f.Close(); err != nil {
		return "", stageErr(ErrorEnd, fmt.Errorf("close staging file: %w", err))
	}

	if wantSHA256 != "" {
		got := hex.EncodeToString(h.Sum(nil))
		if !strings.EqualFold(got, wantSHA256) {
			return "", stageErr(ErrorEnd, fmt.Errorf("%w: got %s", ErrChecksum, got))
		}
	}

	final := s.ImagePath(target)
	if err := os.Rename(tmp, final); err != nil {
		return "", stageErr(ErrorEnd, fmt.Errorf("install image: %w", err))
	}
	committed = true
	return final, nil
}
