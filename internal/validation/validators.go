/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package validation holds the input-sanitizing helpers shared by every
// untrusted-input boundary: free-text fields (branch names, reasons)
// that flow in from outside this daemon, and the free-text output that
// gets echoed back into structured logs.
package validation

import (
	"fmt"
	"strings"

	apperrors "github.com/forgebase/platform/internal/errors"
)

// sqlInjectionPatterns matches the handful of substrings that show up
// across SQL/script injection attempts against free-text fields.
var sqlInjectionPatterns = []string{
	"union select", "union all select", "drop table", "--", ";--", "';",
	"<script", "</script", "xp_cmdshell", "information_schema",
}

// ValidateStringInput rejects values that are too long, contain control
// characters other than tab/newline/carriage-return, or match a known
// SQL/script injection pattern (case-insensitive).
func ValidateStringInput(field, value string, maxLen int) error {
	if len(value) > maxLen {
		return apperrors.NewValidationError(fmt.Sprintf("%s must be %d characters or less", field, maxLen))
	}
	for _, r := range value {
		if r < 0x20 && r != '\t' && r != '\n' && r != '\r' {
			return apperrors.NewValidationError(fmt.Sprintf("%s contains invalid control characters", field))
		}
	}
	lower := strings.ToLower(value)
	for _, pattern := range sqlInjectionPatterns {
		if strings.Contains(lower, pattern) {
			return apperrors.NewValidationError(fmt.Sprintf("%s contains potentially unsafe characters", field))
		}
	}
	return nil
}

// SanitizeForLogging replaces control characters with '?' and truncates
// to 200 characters (with a trailing "...") so free-text fields can be
// logged safely without corrupting structured log output.
func SanitizeForLogging(input string) string {
	var b strings.Builder
	for _, r := range input {
		if r < 0x20 && r != '\t' && r != '\n' && r != '\r' {
			b.WriteRune('?')
			continue
		}
		b.WriteRune(r)
	}
	sanitized := b.String()
	if len(sanitized) > 200 {
		return sanitized[:197] + "..."
	}
	return sanitized
}
