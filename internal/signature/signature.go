// webhookflow is a webhook delivery pipeline.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package signature validates and generates the HMAC-SHA256 signatures
// carried on ingest requests in the X-Signature header.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
)

// ErrMissingSignature is returned when the caller supplied no signature.
var ErrMissingSignature = errors.New("signature: missing")

// ErrInvalidSignature is returned when the supplied signature does not
// match the computed HMAC under the configured secret.
var ErrInvalidSignature = errors.New("signature: invalid")

// Validate computes the HMAC-SHA256 of body under secret and compares it,
// in constant time, against supplied (a lowercase hex digest). supplied
// empty is treated as ErrMissingSignature rather than a mismatch, so
// callers never need to special-case the absent-header path.
func Validate(body []byte, secret, supplied string) error {
	if supplied == "" {
		return ErrMissingSignature
	}
	want := Generate(body, secret)
	if len(supplied) != len(want) || subtle.ConstantTimeCompare([]byte(want), []byte(supplied)) != 1 {
		return ErrInvalidSignature
	}
	return nil
}

// Generate computes the lowercase hex HMAC-SHA256 digest of body under
// secret, for use by Validate and by test/client callers that need to
// sign a request the same way a real sender would.
func Generate(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
