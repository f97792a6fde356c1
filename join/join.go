// Package join implements the hash-join operator: the engine's one
// adjunct query collaborator. It is intentionally not transactional and
// never touches the WAL — it operates purely in memory over already
// materialized rows (package row).
package join

import (
	"fmt"
	"io"

	"github.com/mhaldane/waldb/row"
)

// HashJoin builds an in-memory map from the string form of each inner
// row's innerKey field to the list of inner rows sharing that key, then
// probes it with each outer row's outerKey field. For every match it
// emits the field-wise merge of the inner row then the outer row (outer
// overrides the inner on a name collision), encoded with row.Encode and
// written to sink separated by a single zero byte. It returns the number
// of rows emitted.
//
// A row missing its key field — inner or outer — is simply skipped, per
// the operator's "KeyMissing" error policy: this is not a fatal
// condition, since rows commonly come from heterogeneous pages.
//
// The separator is not escaped, and encoded rows contain zero bytes of
// their own (in length prefixes and integer values), so the output cannot
// be split on zero bytes: a reader finds each row's end by decoding it.
func HashJoin(inner, outer []*row.Row, innerKey, outerKey string, sink io.Writer, maxBytes int) (int, error) {
	buildTable := make(map[string][]*row.Row, len(inner))
	for _, r := range inner {
		val, ok := r.Get(innerKey)
		if !ok {
			continue // KeyMissing: skip, not fatal
		}
		key := row.KeyString(val)
		buildTable[key] = append(buildTable[key], r)
	}

	emitted := 0
	written := 0
	for _, o := range outer {
		val, ok := o.Get(outerKey)
		if !ok {
			continue
		}
		key := row.KeyString(val)
		bucket, ok := buildTable[key]
		if !ok {
			continue
		}

		for _, ir := range bucket {
			merged := mergeRows(ir, o)
			encoded, err := merged.Encode()
			if err != nil {
				continue // MalformedRow: skip, not fatal
			}

			frame := encoded
			if emitted > 0 {
				frame = append([]byte{0}, encoded...)
			}
			if maxBytes > 0 && written+len(frame) > maxBytes {
				return emitted, nil
			}
			n, err := sink.Write(frame)
			if err != nil {
				return emitted, fmt.Errorf("join: write output: %w", err)
			}
			written += n
			emitted++
		}
	}
	return emitted, nil
}

// mergeRows combines inner then outer fields into one row, with outer's
// values overriding inner's on a name collision.
func mergeRows(inner, outer *row.Row) *row.Row {
	merged := inner.Clone()
	for _, f := range outer.Fields {
		merged.Set(f.Name, f.Value)
	}
	return merged
}
