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

package system

import (
	"os"
	"syscall"

	"github.com/mfreeman451/btradar/pkg/logger"
)

// ExecRebooter restarts the node by re-executing the image at path in place,
// so a freshly committed binary takes over with the same pid and arguments.
type ExecRebooter struct {
	path string
	args []string
	env  func() []string
	exec func(argv0 string, argv, envv []string) error
	log  logger.Logger
}

// NewExecRebooter execs path, falling back to the running executable. The
// update image path is preferred since /proc/self/exe goes stale once the
// file is replaced.
func NewExecRebooter(path string, log logger.Logger) *ExecRebooter {
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			exe = os.Args[0]
		}

		path = exe
	}

	return &ExecRebooter{
		path: path,
		args: os.Args,
		env:  os.Environ,
		exec: syscall.Exec,
		log:  log.WithComponent("reboot"),
	}
}

func (r *ExecRebooter) Reboot() error {
	r.log.Warn().Str("image", r.path).Msg("Restarting")

	return r.exec(r.path, r.args, r.env())
}
