package ota

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestStage(t *testing.T) {
	image := bytes.Repeat([]byte{0xE9}, 100*1024)
	sum := sha256.Sum256(image)
	good := hex.EncodeToString(sum[:])

	tests := []struct {
		name     string
		body     []byte
		size     int64
		sha      string
		wantCode ErrorCode
		wantErr  error
	}{
		{name: "ok", body: image, size: int64(len(image)), sha: good},
		{name: "ok upper-case digest", body: image, size: int64(len(image)), sha: strings.ToUpper(good)},
		{name: "short", body: image[:1000], size: int64(len(image)), wantCode: ErrorReceive, wantErr: ErrShortImage},
		{name: "checksum", body: image, size: int64(len(image)), sha: strings.Repeat("0", 64), wantCode: ErrorEnd, wantErr: ErrChecksum},
		{name: "unknown size", body: image, size: 0, wantCode: ErrorBegin},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			s := Stager{Dir: dir}
			var calls int
			path, err := s.Stage(TargetFirmware, bytes.NewReader(tt.body), tt.size, tt.sha, func(done, total int64) { calls++ })

			if tt.wantCode == ErrorUnknown && tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Stage() error = %v", err)
				}
				got, _ := os.ReadFile(path)
				if !bytes.Equal(got, image) {
					t.Error("staged image differs from input")
				}
				if path != filepath.Join(dir, "firmware.bin") {
					t.Errorf("path = %q", path)
				}
				if calls < 2 {
					t.Errorf("progress called %d times, want initial call plus chunks", calls)
				}
				return
			}

			if Code(err) != tt.wantCode {
				t.Errorf("Code(%v) = %v, want %v", err, Code(err), tt.wantCode)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			entries, _ := os.ReadDir(dir)
			if len(entries) != 0 {
				t.Errorf("failed stage left files behind: %v", entries)
			}
		})
	}
}

func TestStageKeepsPreviousImageOnFailure(t *testing.T) {
	dir := t.TempDir()
	s := Stager{Dir: dir}
	prev := []byte("previous image")
	os.WriteFile(s.ImagePath(TargetFirmware), prev, 0o644)

	_, err := s.Stage(TargetFirmware, bytes.NewReader([]byte("tru")), 10, "", func(int64, int64) {})
	if err == nil {
		t.Fatal("short stage should fail")
	}
	got, _ := os.ReadFile(s.ImagePath(TargetFirmware))
	if !bytes.Equal(got, prev) {
		t.Errorf("previous image replaced: %q", got)
	}
}
