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

package preview

import (
	"fmt"
	"strings"
)

const maxSlugLen = 48

// Slugify lowercases branch, collapses every run of non-alphanumeric
// characters into a single hyphen, and trims the result (and any
// leading/trailing hyphens left by the collapse) to maxSlugLen.
func Slugify(branch string) string {
	var b strings.Builder
	lastWasHyphen := false
	for _, r := range strings.ToLower(branch) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastWasHyphen = false
		default:
			if !lastWasHyphen && b.Len() > 0 {
				b.WriteByte('-')
				lastWasHyphen = true
			}
		}
	}
	slug := strings.Trim(b.String(), "-")
	if len(slug) > maxSlugLen {
		slug = strings.Trim(slug[:maxSlugLen], "-")
	}
	if slug == "" {
		slug = "preview"
	}
	return slug
}

// suffixed appends a "-n" collision suffix to base, trimming base so
// the result still fits within maxSlugLen.
func suffixed(base string, n int) string {
	suffix := fmt.Sprintf("-%d", n)
	if len(base)+len(suffix) > maxSlugLen {
		base = base[:maxSlugLen-len(suffix)]
	}
	return base + suffix
}
