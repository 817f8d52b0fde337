package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// HTTPKey derives a deterministic key from the request identity: method,
// path, the JSON body in canonical (sorted-key) form, and an optional
// caller-supplied idempotency header value.
func HTTPKey(method, path string, body []byte, headerValue string) string {
	h := sha256.New()
	h.Write([]byte(strings.ToUpper(method)))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(canonicalJSON(body))
	h.Write([]byte{0})
	h.Write([]byte(headerValue))
	return hex.EncodeToString(h.Sum(nil))
}

// OperationKey derives a key for internal operations from the operation
// name, tenant, and resource identity.
func OperationKey(operation, tenantID, resourceID string) string {
	h := sha256.New()
	h.Write([]byte(operation))
	h.Write([]byte{0})
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	h.Write([]byte(resourceID))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalJSON re-marshals a JSON body so object keys hash in sorted
// order regardless of how the client serialized them. Non-JSON bodies
// hash as-is.
func canonicalJSON(body []byte) []byte {
	if len(body) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return body
	}
	out, err := json.Marshal(v)
	if err != nil {
		return body
	}
	return out
}
