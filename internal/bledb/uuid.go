package bledb

import "strings"

// sigBaseSuffix is the Bluetooth SIG base UUID after the 32-bit prefix,
// without dashes.
const sigBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID converts a UUID to its lookup form: lowercase, no dashes,
// braces or 0x prefix. UUIDs built on the Bluetooth SIG base shrink to their
// 16-bit (or 32-bit) short form.
func NormalizeUUID(uuid string) string {
	u := strings.ToLower(strings.TrimSpace(uuid))
	u = strings.TrimPrefix(u, "0x")
	u = strings.NewReplacer("-", "", "{", "", "}", "").Replace(u)

	if len(u) == 32 && strings.HasSuffix(u, sigBaseSuffix) {
		short := u[:8]
		if strings.HasPrefix(short, "0000") {
			return short[4:]
		}
		return short
	}
	return u
}

// NormalizeUUIDs normalizes every UUID in uuids.
func NormalizeUUIDs(uuids []string) []string {
	out := make([]string, 0, len(uuids))
	for _, u := range uuids {
		out = append(out, NormalizeUUID(u))
	}
	return out
}
