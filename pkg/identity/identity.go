// Package identity maps the stable numeric server identities used on the
// wire and in file names to the party IDs expected by the threshold
// signing library.
package identity

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/taurusgroup/multi-party-sig/pkg/party"
)

// PartyID returns the library party ID for a server identity.
func PartyID(id uint16) party.ID {
	return party.ID(strconv.FormatUint(uint64(id), 10))
}

// FromPartyID parses a library party ID back into a server identity.
func FromPartyID(id party.ID) (uint16, error) {
	n, err := strconv.ParseUint(string(id), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid party ID %q: %w", id, err)
	}
	return uint16(n), nil
}

// PartyIDs converts a set of server identities into a sorted party ID
// slice, as required by the signing library.
func PartyIDs(ids []uint16) party.IDSlice {
	ps := make([]party.ID, 0, len(ids))
	for _, id := range ids {
		ps = append(ps, PartyID(id))
	}
	return party.NewIDSlice(ps)
}

// Sorted returns a copy of ids in ascending order.
func Sorted(ids []uint16) []uint16 {
	out := make([]uint16, len(ids))
	copy(out, ids)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Canonical reduces a participant set to its deterministic cache key:
// the ascending identities joined with '-', e.g. "1-3".
// Every member of the set derives the same key.
func Canonical(ids []uint16) string {
	sorted := Sorted(ids)
	parts := make([]string, len(sorted))
	for i, id := range sorted {
		parts[i] = strconv.FormatUint(uint64(id), 10)
	}
	return strings.Join(parts, "-")
}
