package polling

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
)

// ETag derives a weak validator from an investigation id and version.
// Identical inputs always produce identical output; any version change
// produces a different validator.
func ETag(investigationID string, version int64) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s:%d", investigationID, version)
	return fmt.Sprintf(`W/"v%d-%016x"`, version, h.Sum64())
}

// ETagMatches reports whether a client-supplied validator matches the
// current version. Only the version component is compared; malformed
// validators never match, so a bad header costs a full fetch instead of
// risking an incorrect 304.
func ETagMatches(currentVersion int64, clientETag string) bool {
	v, ok := parseETagVersion(clientETag)
	return ok && v == currentVersion
}

func parseETagVersion(etag string) (int64, bool) {
	s := strings.TrimSpace(etag)
	s = strings.TrimPrefix(s, "W/")
	s = strings.Trim(s, `"`)
	if !strings.HasPrefix(s, "v") {
		return 0, false
	}
	body := s[1:]
	dash := strings.IndexByte(body, '-')
	if dash <= 0 {
		return 0, false
	}
	v, err := strconv.ParseInt(body[:dash], 10, 64)
	if err != nil || v < 1 {
		return 0, false
	}
	return v, true
}
