package cache

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"

	"github.com/openparl/flaggate/internal/core"
)

// Fingerprint returns a stable hash of the context fields that can influence
// an evaluation result: subject, session, environment, jurisdiction, and
// roles (order-insensitive). Free-form attributes are included too, keyed by
// sorted attribute name, so custom rules never read through to a result
// computed for a different context.
func Fingerprint(ctx core.Context) string {
	hasher := fnv.New64a()

	write := func(parts ...string) {
		for _, part := range parts {
			hasher.Write([]byte(part))
			hasher.Write([]byte{0})
		}
	}

	write(ctx.SubjectID, ctx.SessionID, ctx.Environment, ctx.Jurisdiction)

	roles := append([]string(nil), ctx.Roles...)
	sort.Strings(roles)
	write(roles...)

	if len(ctx.Attributes) > 0 {
		keys := make([]string, 0, len(ctx.Attributes))
		for key := range ctx.Attributes {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			write(key, fmt.Sprintf("%v", ctx.Attributes[key]))
		}
	}

	return fmt.Sprintf("%016x", hasher.Sum64())
}

func resultKey(flagName string, version int64, fingerprint string) string {
	var b strings.Builder
	b.WriteString(keyPrefix)
	b.WriteString(flagName)
	fmt.Fprintf(&b, ":v%d:", version)
	b.WriteString(fingerprint)
	return b.String()
}
