package event

// rrweb record types that produce large payloads. Full snapshots (type 2)
// serialize the entire DOM; meta and custom records (types 4/5) carry
// plugin blobs of unbounded size.
const (
	rrwebFullSnapshot = 2
	rrwebMeta         = 4
	rrwebCustom       = 5
)

// HasLargeReplayPayload reports whether a session-replay event carries an
// rrweb record that must be shipped in its own batch. The record type is
// read either from the payload itself or from the nested "events" list
// produced by the recorder.
func HasLargeReplayPayload(e Event) bool {
	if e.Payload == nil {
		return false
	}
	if isLargeRecordType(e.Payload["type"]) {
		return true
	}
	records, ok := e.Payload["events"].([]any)
	if !ok {
		return false
	}
	for _, rec := range records {
		m, ok := rec.(map[string]any)
		if !ok {
			continue
		}
		if isLargeRecordType(m["type"]) {
			return true
		}
	}
	return false
}

// isLargeRecordType accepts the numeric representations JSON decoding
// produces for the rrweb type field.
func isLargeRecordType(v any) bool {
	var t int
	switch n := v.(type) {
	case int:
		t = n
	case int64:
		t = int(n)
	case float64:
		t = int(n)
	default:
		return false
	}
	return t == rrwebFullSnapshot || t == rrwebMeta || t == rrwebCustom
}
