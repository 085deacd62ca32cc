package middleware

import (
	"crypto/subtle"
	"net/http"

	"golang.org/x/crypto/blake2b"
)

// APIKeyHeader carries the shared client key.
const APIKeyHeader = "x-api-key"

// APIKey rejects requests whose x-api-key does not match secret. Both sides are hashed
// first so the comparison runs over equal-length digests.
func APIKey(secret string) func(http.Handler) http.Handler {
	want := blake2b.Sum256([]byte(secret))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(APIKeyHeader)
			if key == "" {
				writeJSONError(w, http.StatusUnauthorized, "missing api key")
				return
			}
			got := blake2b.Sum256([]byte(key))
			if subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
				writeJSONError(w, http.StatusUnauthorized, "invalid api key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
