package service

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/EntropyParadigm/pure-gopher/internal/federation"
)

// peerPatchFields are the peer fields an admin may edit. Host and port
// identify the peer and are fixed once it is registered.
var peerPatchFields = []string{"name", "description"}

// decodePeerPatch reads a PATCH body into a federation.PeerUpdate. The body
// must be a non-empty JSON object whose keys are all in peerPatchFields. A
// null value is rejected instead of clearing the field.
func decodePeerPatch(body json.RawMessage) (federation.PeerUpdate, *ServiceError) {
	var u federation.PeerUpdate
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		return u, invalidArg("patch: body must be a JSON object")
	}
	if len(fields) == 0 {
		return u, invalidArg("patch: no fields to update")
	}

	// Sorted so the reported field is stable when several are bad.
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, key := range keys {
		if !slices.Contains(peerPatchFields, key) {
			return u, invalidArg(fmt.Sprintf("patch: field %q is read-only or unknown", key))
		}
		var s *string
		if err := json.Unmarshal(fields[key], &s); err != nil || s == nil {
			return u, invalidArg(fmt.Sprintf("patch: %s must be a string", key))
		}
		v := strings.TrimSpace(*s)
		switch key {
		case "name":
			if v == "" {
				return u, invalidArg("patch: name must not be empty")
			}
			u.Name = &v
		case "description":
			u.Description = &v
		}
	}
	return u, nil
}
