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

import "errors"

var (
	ErrMalformedDirective = errors.New("malformed update directive")
	ErrStorageOpen        = errors.New("failed to open update storage")
	ErrShortWrite         = errors.New("short write to update storage")
	ErrFinalize           = errors.New("failed to finalize update image")
	ErrChecksumMismatch   = errors.New("image checksum mismatch")
	ErrSizeExceeded       = errors.New("chunk exceeds declared image size")
	ErrIncomplete         = errors.New("image ended before declared size")
	ErrInactive           = errors.New("update session inactive")
	ErrAborted            = errors.New("update session aborted")
	ErrReboot             = errors.New("failed to restart into new image")
	ErrInsufficientSpace  = errors.New("insufficient space for update image")
	errImageClosed        = errors.New("update image already closed")
	errSizeMismatch       = errors.New("written size does not match reserved size")
)
