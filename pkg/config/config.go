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

// Package config loads and validates the node configuration.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
)

// PasswordEnv overrides mqtt.password so the secret can stay out of the file.
const PasswordEnv = "BTRADAR_MQTT_PASSWORD"

// Load reads the node configuration at path, fills defaults and validates it.
func Load(path string) (*NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %w", errReadConfig, path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return cfg, nil
}

// Parse decodes a node configuration document. Unknown keys are rejected so
// a misspelt option fails loudly instead of silently taking its default.
func Parse(data []byte) (*NodeConfig, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var cfg NodeConfig
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", errParseConfig, err)
	}

	if password, ok := os.LookupEnv(PasswordEnv); ok {
		cfg.MQTT.Password = password
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}
