package wal

import (
	"encoding/json"
	"hash/crc32"
	"strconv"
)

// CalculateChecksum returns the CRC32-IEEE of the event's seq, type, job id
// and job body. The timestamp and checksum fields are not covered.
func CalculateChecksum(event Event) uint32 {
	h := crc32.NewIEEE()
	h.Write([]byte(strconv.FormatUint(event.Seq, 10)))
	h.Write([]byte(event.Type))
	h.Write([]byte(event.JobID))
	if event.Job != nil {
		// json.Marshal of a types.Job is deterministic (struct field order)
		body, _ := json.Marshal(event.Job)
		h.Write(body)
	}
	return h.Sum32()
}

// VerifyChecksum reports whether the stored checksum matches the contents.
func VerifyChecksum(event Event) bool {
	return event.Checksum == CalculateChecksum(event)
}
