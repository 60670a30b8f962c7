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

// Package system provides the host capabilities the node consumes: its own
// address, wall clock, resource stats and restart.
package system

import (
	"context"
	"fmt"
	"strings"

	"github.com/mfreeman451/btradar/pkg/discovery"
	"github.com/shirou/gopsutil/v3/net"
)

const loopbackFlag = "loopback"

// interfaceLister is gopsutil's net.InterfacesWithContext.
type interfaceLister func(ctx context.Context) (net.InterfaceStatList, error)

// OwnAddress returns the canonical hardware address of the named interface,
// or of the first non-loopback interface that has one when name is empty.
func OwnAddress(ctx context.Context, name string) (string, error) {
	return ownAddress(ctx, name, net.InterfacesWithContext)
}

func ownAddress(ctx context.Context, name string, list interfaceLister) (string, error) {
	ifaces, err := list(ctx)
	if err != nil {
		return "", fmt.Errorf("listing interfaces: %w", err)
	}

	for _, iface := range ifaces {
		if name != "" && iface.Name != name {
			continue
		}

		if name == "" && (isLoopback(iface) || iface.HardwareAddr == "") {
			continue
		}

		if iface.HardwareAddr == "" {
			return "", fmt.Errorf("%w: %s", errInterfaceAddr, iface.Name)
		}

		return discovery.NormalizeAddress(iface.HardwareAddr)
	}

	if name != "" {
		return "", fmt.Errorf("%w: %s not found", errNoInterface, name)
	}

	return "", errNoInterface
}

func isLoopback(iface net.InterfaceStat) bool {
	for _, f := range iface.Flags {
		if strings.EqualFold(f, loopbackFlag) {
			return true
		}
	}

	return false
}
