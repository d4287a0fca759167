package sharding

import (
	"fmt"
	"hash/crc32"
	"strings"
)

// ShardCount is the fixed number of command partitions.
const ShardCount = 1024

// GetShardID calculates the deterministic shard ID for a given entity ID.
func GetShardID(entityID string) int {
	checksum := crc32.ChecksumIEEE([]byte(entityID))
	return int(checksum % ShardCount)
}

var subjectTokenReplacer = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_", "\t", "_")

// SubjectToken makes an entity ID safe to use as a single NATS subject token.
func SubjectToken(entityID string) string {
	return subjectTokenReplacer.Replace(entityID)
}

// GetSubject returns the NATS subject for a given entity type and ID.
// Format: app.command.{shard_id}.{entity_type}.{entity_token}
func GetSubject(entityType, entityID string) string {
	shardID := GetShardID(entityID)
	return fmt.Sprintf("app.command.%d.%s.%s", shardID, entityType, SubjectToken(entityID))
}
