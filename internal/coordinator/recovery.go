package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strconv"

	"pkt.systems/lakecommit/internal/table"
)

// OffsetsPropertyPrefix prefixes the snapshot property holding the control
// topic offsets a commit covered.
const OffsetsPropertyPrefix = "kafka.connect.control.offsets."

// ErrCorruptOffsets reports a stored offsets property that cannot be
// decoded. The coordinator cannot tell what was applied and stops.
var ErrCorruptOffsets = errors.New("coordinator: corrupt control offsets")

// OffsetsProperty returns the snapshot property for controlTopic.
func OffsetsProperty(controlTopic string) string {
	return OffsetsPropertyPrefix + controlTopic
}

// History is the part of a table the recovery walk needs.
type History interface {
	Ancestors() iter.Seq[table.Snapshot]
}

// LastCommittedOffsets walks from the current snapshot through its parents
// and decodes the first value of property it finds. A table that never
// recorded the property yields an empty map.
func LastCommittedOffsets(h History, property string) (map[int32]int64, error) {
	for snap := range h.Ancestors() {
		raw, ok := snap.Summary[property]
		if !ok {
			continue
		}
		offsets, err := DecodeOffsets(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: snapshot %d: %v", ErrCorruptOffsets, snap.ID, err)
		}
		return offsets, nil
	}
	return map[int32]int64{}, nil
}

// EncodeOffsets renders offsets as {"<partition>": <next offset>}.
func EncodeOffsets(offsets map[int32]int64) (string, error) {
	if offsets == nil {
		offsets = map[int32]int64{}
	}
	data, err := json.Marshal(offsets)
	if err != nil {
		return "", fmt.Errorf("coordinator: encode offsets: %w", err)
	}
	return string(data), nil
}

// DecodeOffsets parses the output of EncodeOffsets.
func DecodeOffsets(raw string) (map[int32]int64, error) {
	var decoded map[string]int64
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, err
	}
	out := make(map[int32]int64, len(decoded))
	for k, v := range decoded {
		p, err := strconv.ParseInt(k, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("partition %q: %w", k, err)
		}
		out[int32(p)] = v
	}
	return out, nil
}
