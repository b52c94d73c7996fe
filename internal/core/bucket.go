package core

import (
	"crypto/md5"
	"encoding/binary"
)

// Bucket deterministically maps a (flag name, subject) pair to an integer in
// [0,100). The same pair always lands in the same bucket, across processes
// and instances, so percentage rollouts are sticky per subject while
// independent flags slice the population differently.
//
// MD5 is used purely as a stable, well-distributed hash, not for security.
func Bucket(flagName, subject string) int {
	sum := md5.Sum([]byte(flagName + ":" + subject))
	return int(binary.BigEndian.Uint64(sum[:8]) % 100)
}

// InRollout reports whether the subject falls inside the given rollout
// percentage for the flag. The 0 and 100 edges short-circuit without hashing.
func InRollout(flagName, subject string, percentage int) bool {
	if percentage <= 0 {
		return false
	}
	if percentage >= 100 {
		return true
	}
	return Bucket(flagName, subject) < percentage
}
