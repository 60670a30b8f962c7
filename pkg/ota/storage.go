/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package ota

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/mfreeman451/btradar/pkg/logger"
	"github.com/shirou/gopsutil/v3/disk"
)

//go:generate mockgen -destination=mock_storage.go -package=ota github.com/mfreeman451/btradar/pkg/ota Storage,Image

const (
	defaultImageMode = 0o755
	stagingPattern   = ".btradar-update-*"
)

// Storage is the writable-storage capability. Open reserves room for an
// image of size bytes.
type Storage interface {
	Open(size int64) (Image, error)
}

// Image is one open update. Write may report fewer bytes than given.
// Abort releases everything Open reserved and is safe to call after a
// failed Finalize.
type Image interface {
	io.Writer
	Finalize() error
	Abort() error
}

// FileStorage stages images in a temp file and renames it over the
// executable on Finalize.
type FileStorage struct {
	imagePath  string
	stagingDir string
	mode       os.FileMode
	log        logger.Logger
	freeSpace  func(path string) (uint64, error)
}

func NewFileStorage(imagePath, stagingDir string, log logger.Logger) *FileStorage {
	if stagingDir == "" {
		stagingDir = filepath.Dir(imagePath)
	}

	return &FileStorage{
		imagePath:  imagePath,
		stagingDir: stagingDir,
		mode:       defaultImageMode,
		log:        log.WithComponent("storage"),
		freeSpace:  diskFree,
	}
}

func diskFree(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}

	return usage.Free, nil
}

func (s *FileStorage) Open(size int64) (Image, error) {
	free, err := s.freeSpace(s.stagingDir)
	if err != nil {
		s.log.Warn().Err(err).Str("dir", s.stagingDir).Msg("Could not determine free space")
	} else if uint64(size) > free {
		return nil, fmt.Errorf("%w: need %d bytes, %d free", ErrInsufficientSpace, size, free)
	}

	f, err := os.CreateTemp(s.stagingDir, stagingPattern)
	if err != nil {
		return nil, err
	}

	s.log.Debug().Str("staging", f.Name()).Int64("size", size).Msg("Opened update image")

	return &fileImage{
		file:   f,
		target: s.imagePath,
		size:   size,
		mode:   s.mode,
	}, nil
}

type fileImage struct {
	mu      sync.Mutex
	file    *os.File
	target  string
	size    int64
	written int64
	mode    os.FileMode
	closed  bool
}

func (i *fileImage) Write(p []byte) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return 0, errImageClosed
	}

	n, err := i.file.Write(p)
	i.written += int64(n)

	return n, err
}

func (i *fileImage) Finalize() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return errImageClosed
	}

	if i.written != i.size {
		i.discard()

		return fmt.Errorf("%w: wrote %d of %d", errSizeMismatch, i.written, i.size)
	}

	if err := i.file.Sync(); err != nil {
		i.discard()

		return err
	}

	if err := i.file.Close(); err != nil {
		i.closed = true
		_ = os.Remove(i.file.Name())

		return err
	}

	i.closed = true

	if err := os.Chmod(i.file.Name(), i.mode); err != nil {
		_ = os.Remove(i.file.Name())

		return err
	}

	if err := os.Rename(i.file.Name(), i.target); err != nil {
		_ = os.Remove(i.file.Name())

		return err
	}

	return nil
}

func (i *fileImage) Abort() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return nil
	}

	return i.discard()
}

func (i *fileImage) discard() error {
	i.closed = true

	closeErr := i.file.Close()

	if err := os.Remove(i.file.Name()); err != nil && !os.IsNotExist(err) {
		return err
	}

	return closeErr
}
