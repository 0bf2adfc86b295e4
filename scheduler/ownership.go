package scheduler

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"os"
)

// WorkerIdentity derives this process's worker id in [0, workerCount) from a
// stable fingerprint of host name, process id, and parent process id. It is
// deterministic for the lifetime of the process and must be computed once at
// startup, never mid-run.
func WorkerIdentity(workerCount int) int {
	if workerCount <= 1 {
		return 0
	}
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	fingerprint := fmt.Sprintf("%s:%d:%d", host, os.Getpid(), os.Getppid())
	return int(hash64(fingerprint) % uint64(workerCount))
}

// Owns reports whether the given worker is responsible for the task. For a
// fixed workerCount exactly one worker id satisfies this for any task id;
// when workerCount changes across a deployment, ownership self-corrects
// within one polling interval once every worker runs with the new value.
func Owns(taskID string, workerID, workerCount int) bool {
	if workerCount <= 1 {
		return workerID == 0
	}
	return int(hash64(taskID)%uint64(workerCount)) == workerID
}

// hash64 folds a SHA-256 digest to 64 bits. Using the full first word rather
// than a single hex digit keeps the partition unbiased for worker counts
// that do not divide the hash space evenly.
func hash64(s string) uint64 {
	sum := sha256.Sum256([]byte(s))
	return binary.BigEndian.Uint64(sum[:8])
}
