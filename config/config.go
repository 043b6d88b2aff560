package config

import (
	"math/rand"
	"time"
)

var Version string

// Conventional prefix under which raw source uploads are stored.
const RawVideoPrefix = "raw-videos/"

// Segment size produced for HLS output
const SegmentSizeSecs = 15

// The maximum allowed input file size
const MaxInputFileSizeBytes = 5 * 1024 * 1024 * 1024 // 5 GiB

// Deadline for a single object store call; retries happen on top of this.
const ObjectStoreTimeout = 30 * time.Second

// Deadline for a single webhook notification attempt
const WebhookTimeout = 10 * time.Second

// The encoder is considered hung when no progress marker arrives within
// this window; after two silent windows it is terminated.
const EncoderHeartbeat = 30 * time.Second

// How long a terminating encoder process gets before escalation
const EncoderKillGrace = 10 * time.Second

func RandomTrailer(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyz0123456789"
	r := rand.New(rand.NewSource(time.Now().UnixNano()))

	res := make([]byte, length)
	for i := 0; i < length; i++ {
		res[i] = charset[r.Intn(len(charset))]
	}
	return string(res)
}
