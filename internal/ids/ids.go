// Package ids allocates trace and span identifiers.
//
// Allocation is purely local: no coordination with a remote service, never
// blocks, and is collision-free under concurrent calls. Trace IDs are UUIDs;
// span IDs are 8 random bytes hex-encoded, which is globally unique enough to
// avoid collisions across concurrently active traces.
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kiseki-ai/kiseki/internal/model"
)

var fallbackSeq atomic.Uint64

// NewTraceID returns a fresh trace identifier.
func NewTraceID() model.TraceID {
	return model.TraceID(uuid.NewString())
}

// NewSpanID returns a fresh span identifier.
func NewSpanID() model.SpanID {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing is effectively fatal elsewhere; here a
		// time+counter ID keeps allocation non-blocking and unique in-process.
		return model.SpanID(strconv.FormatInt(time.Now().UnixNano(), 16) + "-" +
			strconv.FormatUint(fallbackSeq.Add(1), 16))
	}
	return model.SpanID(hex.EncodeToString(b))
}
