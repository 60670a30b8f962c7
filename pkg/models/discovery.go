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

// Package models pkg/models/discovery.go
package models

import (
	"sort"
	"time"
)

// AddressSet is a set of canonical device addresses.
type AddressSet map[string]struct{}

// NewAddressSet builds a set from the given addresses. Callers are expected
// to pass canonical addresses.
func NewAddressSet(addrs ...string) AddressSet {
	s := make(AddressSet, len(addrs))
	for _, a := range addrs {
		s[a] = struct{}{}
	}

	return s
}

// Add inserts addr and reports whether it was not already present.
func (s AddressSet) Add(addr string) bool {
	if _, ok := s[addr]; ok {
		return false
	}

	s[addr] = struct{}{}

	return true
}

func (s AddressSet) Contains(addr string) bool {
	_, ok := s[addr]
	return ok
}

func (s AddressSet) Len() int {
	return len(s)
}

// Equal is set equality; insertion order never matters.
func (s AddressSet) Equal(other AddressSet) bool {
	if len(s) != len(other) {
		return false
	}

	for a := range s {
		if _, ok := other[a]; !ok {
			return false
		}
	}

	return true
}

// Clone returns an independent copy of the set.
func (s AddressSet) Clone() AddressSet {
	c := make(AddressSet, len(s))
	for a := range s {
		c[a] = struct{}{}
	}

	return c
}

// Sorted returns the members in lexicographic order.
func (s AddressSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for a := range s {
		out = append(out, a)
	}

	sort.Strings(out)

	return out
}

// ScanCycle describes one completed discovery cycle.
type ScanCycle struct {
	StartedAt time.Time     `json:"started_at"`
	StoppedAt time.Time     `json:"stopped_at"`
	Duration  time.Duration `json:"duration"`
	Devices   int           `json:"devices"`
}

// ScanStats summarizes recent discovery and publish activity.
type ScanStats struct {
	Cycles          int64            `json:"cycles"`
	AverageDevices  float64          `json:"average_devices"`
	AverageDuration time.Duration    `json:"average_duration"`
	Published       int64            `json:"published"`
	Skipped         map[string]int64 `json:"skipped"`
}
