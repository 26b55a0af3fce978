package rediskey

import "fmt"

const (
	SequencePrefix = "seq"
	JobPrefix      = "seq:job"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildJobSequenceKey returns "seq:job:{userID}:{yymmdd}"
func BuildJobSequenceKey(userID, day string) string {
	return NamespaceKey(JobPrefix, NamespaceKey(userID, day))
}
