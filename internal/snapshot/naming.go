// Package snapshot consolidates shards into master snapshots and cleans
// master snapshots into deduplicated cleaned snapshots.
package snapshot

import (
	"path"
	"strconv"
	"strings"
	"time"
)

const (
	MasterMarker  = "MASTERFILE_"
	CleanedMarker = "CLEANED_"
	ShardMarker   = "shard_"
	Extension     = ".ndjson"
)

// DefaultShardPattern matches the shard names the harvester writes.
const DefaultShardPattern = `^shard_.*\.ndjson$`

// MasterTag derives the logical source tag from an output prefix:
// "horse_data/" becomes "HORSEDATA".
func MasterTag(outputPrefix string) string {
	tag := strings.TrimSuffix(outputPrefix, "/")
	return strings.ToUpper(strings.ReplaceAll(tag, "_", ""))
}

// MasterKey names the master snapshot created at t.
func MasterKey(outputPrefix string, t time.Time) string {
	ts := t.UTC().Format("2006-01-02T15:04:05.000Z")
	ts = strings.NewReplacer(":", "_", ".", "_").Replace(ts)
	return outputPrefix + MasterMarker + MasterTag(outputPrefix) + "_" + ts + Extension
}

// CleanedKey names the cleaned snapshot of a master: the same directory,
// with the file name prefixed by CLEANED_.
func CleanedKey(masterKey string) string {
	dir, name := split(masterKey)
	return dir + CleanedMarker + name
}

// ShardKey names a shard holding ids start to end, fetched at t.
func ShardKey(prefix string, start, end int64, t time.Time) string {
	return prefix + ShardMarker + strconv.FormatInt(start, 10) + "_" + strconv.FormatInt(end, 10) + "_" +
		t.UTC().Format("2006_01_02_15:04:05") + Extension
}

// IsMaster reports whether key names a master snapshot. Cleaned snapshots
// are not masters.
func IsMaster(key string) bool {
	_, name := split(key)
	return strings.HasPrefix(name, MasterMarker) && strings.HasSuffix(name, Extension)
}

// IsCleaned reports whether key names a cleaned snapshot.
func IsCleaned(key string) bool {
	_, name := split(key)
	return strings.HasPrefix(name, CleanedMarker)
}

func split(key string) (dir, name string) {
	dir, name = path.Split(key)
	return dir, name
}
