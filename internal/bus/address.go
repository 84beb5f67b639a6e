package bus

import (
	"strconv"
	"strings"
)

// UniqueName renders a peer id as its wire address, ":1.<id>".
func UniqueName(id uint64) string {
	return ":1." + strconv.FormatUint(id, 10)
}

// ParseUniqueName extracts the peer id from a unique name. The second
// return is false if s is not of the ":1.<id>" form.
func ParseUniqueName(s string) (uint64, bool) {
	rest, ok := strings.CutPrefix(s, ":1.")
	if !ok || rest == "" {
		return 0, false
	}
	id, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
