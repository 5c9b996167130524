package domain

const DefaultStatusKeyPrefix = "blocked:"

// StatusKey returns the cache key holding the block status of ip.
func StatusKey(prefix, ip string) string {
	if prefix == "" {
		prefix = DefaultStatusKeyPrefix
	}
	return prefix + ip
}
