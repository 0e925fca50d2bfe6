package transform

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// raceRecordNamespace scopes the name-based UUIDs of race records.
var raceRecordNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:racing-pipeline:race_records"))

// RaceRecordID derives the surrogate key of one horse's start in one race.
// It is a version 5 UUID over "horse_id|race_id|start_order", so the same
// triple always yields the same key. Missing parts are encoded as empty.
func RaceRecordID(horseID, raceID, startOrder any) string {
	name := strings.Join([]string{keyPart(horseID), keyPart(raceID), keyPart(startOrder)}, "|")
	return uuid.NewSHA1(raceRecordNamespace, []byte(name)).String()
}

func keyPart(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case int64:
		return strconv.FormatInt(x, 10)
	case string:
		return x
	default:
		if n, err := toInt(v); err == nil {
			return strconv.FormatInt(n.(int64), 10)
		}
		s, _ := toText(v)
		str, _ := s.(string)
		return str
	}
}
