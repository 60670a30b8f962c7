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
	"fmt"
	"net"
	"strings"
)

const addressLen = 6

// NormalizeAddress returns the canonical form of a 48-bit hardware address:
// six upper-case hex octets joined by colons. Colon, hyphen and dotted
// notations are accepted.
func NormalizeAddress(s string) (string, error) {
	hw, err := net.ParseMAC(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("%w %q: %w", ErrInvalidAddress, s, err)
	}

	if len(hw) != addressLen {
		return "", fmt.Errorf("%w %q: want %d octets, got %d", ErrInvalidAddress, s, addressLen, len(hw))
	}

	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", hw[0], hw[1], hw[2], hw[3], hw[4], hw[5]), nil
}
