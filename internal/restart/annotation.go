/*
Copyright 2025.

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

package restart

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

var nonDNSChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

const (
	hashAnnotationPrefix = "config-hash-"
	maxAnnotationKeyLen  = 63
)

// HashAnnotationKey derives the pod-template annotation key used to persist
// a ConfigMap's content hash on a Deployment, scoped under the same prefix
// namespace as rolloutAnnotationKey (e.g. "shipshape.io/restartedAt" yields
// keys under "shipshape.io/").
//
// Kubernetes annotation keys are capped at 63 characters in their "name"
// segment, so names derived from arbitrary ConfigMap names are slugged and,
// when they would overflow, truncated with a collision-resistant sha256
// suffix.
func HashAnnotationKey(rolloutAnnotationKey, configMapName string) string {
	prefix, _, hasPrefix := strings.Cut(rolloutAnnotationKey, "/")

	normalized := strings.Trim(nonDNSChars.ReplaceAllString(configMapName, "-"), "-.")
	if normalized == "" {
		normalized = "configmap"
	}

	name := hashAnnotationPrefix + normalized
	if len(name) > maxAnnotationKeyLen {
		sum := sha256.Sum256([]byte(configMapName))
		suffix := hex.EncodeToString(sum[:])[:10]
		maxPrefixLen := maxAnnotationKeyLen - len(hashAnnotationPrefix) - len("-") - len(suffix)
		if maxPrefixLen < 1 {
			maxPrefixLen = 1
		}
		if maxPrefixLen > len(normalized) {
			maxPrefixLen = len(normalized)
		}
		trimmed := strings.TrimRight(normalized[:maxPrefixLen], "-.")
		if trimmed == "" {
			trimmed = "configmap"
		}
		name = hashAnnotationPrefix + trimmed + "-" + suffix
	}

	if !hasPrefix {
		return name
	}
	return prefix + "/" + name
}
