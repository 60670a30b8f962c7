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
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var rebootCmd = &cobra.Command{
	Use:   "reboot",
	Short: "Ask the node to restart",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		log, err := newLogger()
		if err != nil {
			return err
		}

		link, err := connect(cmd.Context(), log)
		if err != nil {
			return err
		}
		defer link.Close()

		if err := newPusher(link, log).Reboot(cmd.Context()); err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), "Reboot requested")

		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Request the node's status document",
	Long: `Publish a status request on the control channel and print the first
status document the node answers with.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		log, err := newLogger()
		if err != nil {
			return err
		}

		link, err := connect(cmd.Context(), log, controlTopic)
		if err != nil {
			return err
		}
		defer link.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		doc, err := newPusher(link, log).RequestStatus(ctx, link.Messages())
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		fmt.Fprintf(cmd.OutOrStdout(), "uptime: %s\n", (time.Duration(doc.Uptime) * time.Millisecond).Round(time.Second))

		return nil
	},
}

func init() {
	rootCmd.AddCommand(rebootCmd)
	rootCmd.AddCommand(statusCmd)
}
