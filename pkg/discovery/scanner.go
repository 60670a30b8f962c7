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

package discovery

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mfreeman451/btradar/pkg/logger"
)

const (
	secondsPlaceholder = "{seconds}"
	scanGrace          = 2 * time.Second
)

var addressPattern = regexp.MustCompile(`(?:[0-9A-Fa-f]{2}[:-]){5}[0-9A-Fa-f]{2}`)

// ExecScanner drives the radio through an external command (bluetoothctl by
// default) and parses addresses from its output, one sighting per match.
type ExecScanner struct {
	command []string
	log     logger.Logger
}

func NewExecScanner(command []string, log logger.Logger) *ExecScanner {
	return &ExecScanner{
		command: command,
		log:     log.WithComponent("radio"),
	}
}

func (s *ExecScanner) Start(ctx context.Context, duration time.Duration, onFound func(string), onStopped func()) error {
	if len(s.command) == 0 || s.command[0] == "" {
		return errEmptyCommand
	}

	args := expandArgs(s.command, duration)

	scanCtx, cancel := context.WithTimeout(ctx, duration+scanGrace)

	cmd := exec.CommandContext(scanCtx, args[0], args[1:]...) //nolint:gosec // command comes from local config

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("%w: %w", ErrScanStart, err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("%w: %w", ErrScanStart, err)
	}

	go func() {
		defer cancel()
		defer onStopped()

		s.readSightings(stdout, onFound)

		if err := cmd.Wait(); err != nil && scanCtx.Err() == nil {
			s.log.Warn().Err(err).Str("command", args[0]).Msg("Scan command exited with error")
		}
	}()

	return nil
}

func (*ExecScanner) readSightings(r io.Reader, onFound func(string)) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()

		// bluetoothctl also prints the local adapter
		if strings.Contains(line, "Controller") {
			continue
		}

		for _, addr := range addressPattern.FindAllString(line, -1) {
			onFound(addr)
		}
	}
}

func expandArgs(command []string, duration time.Duration) []string {
	seconds := strconv.Itoa(int(duration.Round(time.Second) / time.Second))

	args := make([]string, len(command))
	for i, a := range command {
		args[i] = strings.ReplaceAll(a, secondsPlaceholder, seconds)
	}

	return args
}
