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

package rbac

import (
	"strings"

	apperrors "github.com/forgebase/platform/internal/errors"
)

// minDelegationReasonLen mirrors the minimum justification length the
// platform has always required on a privileged grant, regardless of
// whether the grant comes from an admission record or a delegation.
const minDelegationReasonLen = 8

// ValidateDelegationReason rejects a delegation reason that is empty,
// whitespace-only, or too short to carry any real justification.
func ValidateDelegationReason(reason string) error {
	trimmed := strings.TrimSpace(reason)
	if trimmed == "" {
		return apperrors.NewValidationError("delegation reason is required")
	}
	if len(trimmed) < minDelegationReasonLen {
		return apperrors.NewValidationError("delegation reason is too short to be a meaningful justification")
	}
	return nil
}
