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

package order

import (
	"crypto/rand"
	"strconv"
	"strings"
	"time"
)

const numberAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NewNumber builds an externally visible order number:
// "VPS-" + base36(unix millis) + "-" + 6 random uppercase alphanumerics.
// The millisecond epoch gives monotonic ordering within a host; the random
// suffix guards against cross-host collisions. Uniqueness is enforced at
// insert, with a retry on conflict.
func NewNumber(now time.Time) string {
	var b strings.Builder
	b.WriteString("VPS-")
	b.WriteString(strings.ToUpper(strconv.FormatInt(now.UnixMilli(), 36)))
	b.WriteByte('-')
	b.WriteString(randomSuffix(6))
	return b.String()
}

func randomSuffix(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the platform is broken; fall back to a
		// time-derived suffix rather than panicking in the order path.
		ms := time.Now().UnixNano()
		for i := range buf {
			buf[i] = numberAlphabet[int(ms>>uint(i*4))%len(numberAlphabet)]
		}
		return string(buf)
	}
	for i := range buf {
		buf[i] = numberAlphabet[int(buf[i])%len(numberAlphabet)]
	}
	return string(buf)
}
