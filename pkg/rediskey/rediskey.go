package rediskey

import (
	"fmt"
	"strings"
)

const (
	SequencePrefix = "seq"
	CachePrefix    = "cache"
)

func NamespaceKey(namespace string, parts ...string) string {
	return fmt.Sprintf("%s:%s", namespace, strings.Join(parts, ":"))
}

// BuildDailySequenceKey returns "seq:{prefix}:{yymmdd}"
func BuildDailySequenceKey(prefix, day string) string {
	return NamespaceKey(SequencePrefix, strings.ToLower(prefix), day)
}

// BuildDropPointsKey returns "cache:drop_points:active"
func BuildDropPointsKey() string {
	return NamespaceKey(CachePrefix, "drop_points", "active")
}
