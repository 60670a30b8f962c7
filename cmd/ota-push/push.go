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

package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/mfreeman451/btradar/pkg/otapush"
	"github.com/spf13/cobra"
)

var (
	chunkSize  int
	chunkDelay time.Duration
	cancelOnly bool
)

var errImageRequired = errors.New("an image path is required unless --cancel is set")

var pushCmd = &cobra.Command{
	Use:   "push [image]",
	Short: "Stream an update image to the node",
	Long: `Stream an update image to the node.

The image is announced as START:<size>:<md5>, sent in raw chunks with a short
pause between them and closed with END. The node verifies the digest and
restarts into the new image. With --cancel only CANCEL is sent.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPush,
}

func init() {
	pushCmd.Flags().IntVar(&chunkSize, "chunk-size", otapush.DefaultChunkSize, "Bytes per chunk")
	pushCmd.Flags().DurationVar(&chunkDelay, "chunk-delay", otapush.DefaultChunkDelay, "Pause between chunks")
	pushCmd.Flags().BoolVar(&cancelOnly, "cancel", false, "Abandon the session in progress instead of pushing")

	rootCmd.AddCommand(pushCmd)
}

func runPush(cmd *cobra.Command, args []string) error {
	if !cancelOnly && len(args) == 0 {
		return errImageRequired
	}

	log, err := newLogger()
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	link, err := connect(ctx, log)
	if err != nil {
		return err
	}
	defer link.Close()

	if cancelOnly {
		if err := newPusher(link, log).Cancel(ctx); err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), "Update cancelled")

		return nil
	}

	out := cmd.OutOrStdout()
	lastPct := int64(-1)

	pusher := newPusher(link, log, otapush.WithProgress(func(sent, total int64) {
		if pct := sent * 100 / total; pct != lastPct {
			lastPct = pct
			fmt.Fprintf(out, "\rProgress: %3d%% (%d/%d bytes)", pct, sent, total)
		}
	}))

	summary, err := pusher.PushFile(ctx, args[0])
	if err != nil {
		fmt.Fprintln(out)

		return err
	}

	fmt.Fprintf(out, "\nSent %d bytes in %d chunks (md5 %s) in %s\n",
		summary.Size, summary.Chunks, summary.Checksum, summary.Elapsed.Round(time.Millisecond))

	return nil
}
