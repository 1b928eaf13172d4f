package materializer

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"sort"
)

// contentHashPrefix marks keys derived from content rather than an id field.
const contentHashPrefix = "h:"

// identityKey derives the key that, together with the label, identifies an object.
//
// The id field wins when it holds a scalar. Otherwise the policy's fallback
// applies: a hash of the scalar properties, the document path, or nothing.
func (m *Materializer) identityKey(docID, path string, obj map[string]any, props map[string]any) (string, error) {
	if raw, ok := obj[m.policy.IDField]; ok && isScalar(raw) {
		return canonicalText(raw), nil
	}

	switch m.policy.IdentityFallback {
	case FallbackDocumentPath:
		return docID + "#" + path, nil

	case FallbackContentHash:
		if len(props) == 0 {
			return "", ambiguous(docID, path, "no %q field and no scalar properties to hash", m.policy.IDField)
		}
		return contentHashPrefix + contentHash(props), nil

	default:
		return "", ambiguous(docID, path, "no %q field", m.policy.IDField)
	}
}

// contentHash hashes properties independent of their order.
// Format: base64url(sha256(json([[k1,v1],[k2,v2]]))[:12])
func contentHash(props map[string]any) string {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([][2]any, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, [2]any{k, props[k]})
	}

	// props hold only JSON scalars and lists of them, so Marshal cannot fail.
	data, _ := json.Marshal(pairs)
	sum := sha256.Sum256(data)
	return base64.RawURLEncoding.EncodeToString(sum[:12])
}
