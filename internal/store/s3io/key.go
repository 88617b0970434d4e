// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package s3io

import (
	"fmt"
	"strconv"
	"strings"
)

// Reserved object names under the configured prefix. The meta object
// holds the persisted store parameters, the journal prefix holds the
// dirty block markers.
const (
	metaObjectName = "meta"
	journalPrefix  = "dirty/"
)

// keyWidth returns the smallest number of hex digits encoding the highest
// block index. All block keys are zero padded to this width so that the
// bucket listing is lexicographically ordered by index.
func keyWidth(numBlocks int64) int {
	width := 1
	for max := numBlocks - 1; max > 0xf; max >>= 4 {
		width++
	}
	return width
}

// encodeKey formats the object key for a block index.
func encodeKey(prefix string, width int, idx int64) string {
	return fmt.Sprintf("%s%0*x", prefix, width, idx)
}

// decodeKey parses a bucket key back into a block index. The bool result
// is false for keys which are not block objects, i.e. reserved names,
// foreign keys or keys with an unexpected width.
func decodeKey(prefix string, width int, key string) (int64, bool) {
	name, ok := strings.CutPrefix(key, prefix)
	if !ok {
		return 0, false
	}
	if len(name) != width {
		return 0, false
	}

	idx, err := strconv.ParseInt(name, 16, 64)
	if err != nil || idx < 0 {
		return 0, false
	}

	return idx, true
}
