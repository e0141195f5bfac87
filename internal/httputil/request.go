package httputil

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// maxBodyBytes caps inbound JSON bodies. The largest legitimate payload is a
// final-code submission, which stays well under this.
const maxBodyBytes = 1 << 20

// ParseJSON decodes the request body into dest. The body size is capped
// (requires w for a proper 413 response), and unknown fields are allowed so
// clients can send advisory members the server ignores.
func ParseJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}
