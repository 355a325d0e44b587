// ABOUTME: Derives stable cache keys from a namespace and request arguments
// ABOUTME: Hashes canonical JSON with xxhash so equal arguments always share a key

package fetch

import (
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Key hashes namespace and the JSON encoding of args. Map keys are encoded in
// sorted order, so equal maps produce equal keys.
func Key(namespace string, args any) (uint64, error) {
	encoded, err := json.Marshal(args)
	if err != nil {
		return 0, fmt.Errorf("encoding fetch args for %s: %w", namespace, err)
	}

	d := xxhash.New()
	_, _ = d.WriteString(namespace)
	_, _ = d.Write([]byte{0})
	_, _ = d.Write(encoded)
	return d.Sum64(), nil
}
