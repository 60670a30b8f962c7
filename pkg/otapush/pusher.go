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

// Package otapush is the operator side of the update protocol: it announces
// an image, streams it in raw chunks and finishes the session.
package otapush

import (
	"context"
	"crypto/md5" //nolint:gosec // the node verifies MD5 digests
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/mfreeman451/btradar/pkg/logger"
	"github.com/mfreeman451/btradar/pkg/models"
)

const (
	DefaultChunkSize  = 1024
	DefaultChunkDelay = 100 * time.Millisecond

	directiveEnd    = "END"
	directiveCancel = "CANCEL"
	commandReboot   = "reboot"
	commandStatus   = "status"
)

//go:generate mockgen -destination=mock_otapush.go -package=otapush github.com/mfreeman451/btradar/pkg/otapush Publisher

// Publisher sends a payload to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

type Config struct {
	UpdateTopic  string
	ControlTopic string
	ChunkSize    int
	// ChunkDelay is slept between chunks so a slow node keeps up.
	ChunkDelay time.Duration
}

// Progress is called after every chunk.
type Progress func(sent, total int64)

type Pusher struct {
	publisher Publisher
	config    Config
	progress  Progress
	log       logger.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

type Option func(*Pusher)

func WithProgress(fn Progress) Option {
	return func(p *Pusher) {
		p.progress = fn
	}
}

func NewPusher(publisher Publisher, config Config, log logger.Logger, opts ...Option) *Pusher {
	if config.ChunkSize <= 0 {
		config.ChunkSize = DefaultChunkSize
	}

	p := &Pusher{
		publisher: publisher,
		config:    config,
		log:       log.WithComponent("otapush"),
		sleep:     sleepContext,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Summary describes a completed push.
type Summary struct {
	Size     int64
	Checksum string
	Chunks   int
	Elapsed  time.Duration
}

// Checksum returns the MD5 hex digest of r and the number of bytes read.
func Checksum(r io.Reader) (sum string, size int64, err error) {
	h := md5.New() //nolint:gosec // protocol digest

	size, err = io.Copy(h, r)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %w", errReadImage, err)
	}

	return hex.EncodeToString(h.Sum(nil)), size, nil
}

// PushFile streams the image at path.
func (p *Pusher) PushFile(ctx context.Context, path string) (*Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errOpenImage, err)
	}
	defer f.Close()

	sum, size, err := Checksum(f)
	if err != nil {
		return nil, err
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("%w: %w", errReadImage, err)
	}

	return p.Push(ctx, f, size, sum)
}

// Push announces size and checksum, sends size bytes from r and ends the
// session. A failure after START sends CANCEL so the node does not wait out
// its inactivity timeout.
func (p *Pusher) Push(ctx context.Context, r io.Reader, size int64, checksum string) (*Summary, error) {
	if size <= 0 {
		return nil, errEmptyImage
	}

	start := time.Now()
	directive := "START:" + strconv.FormatInt(size, 10) + ":" + checksum

	if err := p.publish(ctx, p.config.UpdateTopic, []byte(directive)); err != nil {
		return nil, err
	}

	p.log.Info().Int64("size", size).Str("checksum", checksum).Msg("Update announced")

	chunks, err := p.stream(ctx, r, size)
	if err != nil {
		p.abandon()

		return nil, err
	}

	if err := p.publish(ctx, p.config.UpdateTopic, []byte(directiveEnd)); err != nil {
		return nil, err
	}

	summary := &Summary{
		Size:     size,
		Checksum: checksum,
		Chunks:   chunks,
		Elapsed:  time.Since(start),
	}

	p.log.Info().Int("chunks", chunks).Dur("elapsed", summary.Elapsed).Msg("Update sent")

	return summary, nil
}

func (p *Pusher) stream(ctx context.Context, r io.Reader, size int64) (int, error) {
	buf := make([]byte, p.config.ChunkSize)

	var (
		sent   int64
		chunks int
	)

	for sent < size {
		want := int64(len(buf))
		if rest := size - sent; rest < want {
			want = rest
		}

		n, err := io.ReadFull(r, buf[:want])
		if err != nil {
			return chunks, fmt.Errorf("%w after %d bytes: %w", errShortImage, sent+int64(n), err)
		}

		// paho may still hold the payload after Publish returns
		chunk := make([]byte, n)
		copy(chunk, buf[:n])

		if err := p.publish(ctx, p.config.UpdateTopic, chunk); err != nil {
			return chunks, err
		}

		sent += int64(n)
		chunks++

		if p.progress != nil {
			p.progress(sent, size)
		}

		if sent < size && p.config.ChunkDelay > 0 {
			if err := p.sleep(ctx, p.config.ChunkDelay); err != nil {
				return chunks, err
			}
		}
	}

	return chunks, nil
}

// abandon sends CANCEL with a fresh context; the caller's may be done.
func (p *Pusher) abandon() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.Cancel(ctx); err != nil {
		p.log.Warn().Err(err).Msg("Failed to cancel update")
	}
}

// Cancel abandons the node's session in progress.
func (p *Pusher) Cancel(ctx context.Context) error {
	return p.publish(ctx, p.config.UpdateTopic, []byte(directiveCancel))
}

// Reboot asks the node to restart.
func (p *Pusher) Reboot(ctx context.Context) error {
	return p.publish(ctx, p.config.ControlTopic, []byte(commandReboot))
}

// RequestStatus publishes a status request and waits on messages for the
// node's reply on the control topic. Anything else on the channel,
// including the echoed request itself, is skipped.
func (p *Pusher) RequestStatus(ctx context.Context, messages <-chan models.Message) (*models.StatusDocument, error) {
	if err := p.publish(ctx, p.config.ControlTopic, []byte(commandStatus)); err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", errStatusTimeout, ctx.Err())
		case msg, ok := <-messages:
			if !ok {
				return nil, errLinkClosed
			}

			if msg.Topic != p.config.ControlTopic {
				continue
			}

			var doc models.StatusDocument
			if err := json.Unmarshal(msg.Payload, &doc); err != nil || doc.Status == "" {
				continue
			}

			return &doc, nil
		}
	}
}

func (p *Pusher) publish(ctx context.Context, topic string, payload []byte) error {
	if err := p.publisher.Publish(ctx, topic, payload); err != nil {
		return fmt.Errorf("%w to %s: %w", errPublish, topic, err)
	}

	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
