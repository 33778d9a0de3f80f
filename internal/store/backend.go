package store

import "strings"

const (
	bucketOutbound    = "outbound"
	bucketInbound     = "inbound"
	bucketWithheldIn  = "withheld_in"
	bucketWithheldOut = "withheld_out"
	bucketParked      = "parked"
	bucketProblems    = "problems"
	bucketKeyRequests = "key_requests"
)

// backend is a bucketed byte store. get reports a missing key with ok=false.
type backend interface {
	get(bucket, key string) (value []byte, ok bool, err error)
	put(bucket, key string, value []byte) error
	delete(bucket, key string) error
	// scan returns every entry of bucket whose key starts with prefix.
	scan(bucket, prefix string) (map[string][]byte, error)
	close() error
}

func compositeKey(parts ...string) string { return strings.Join(parts, "|") }
