package model

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// NewID returns a kind-prefixed, time-ordered id such as "memory_01j9...".
func NewID(k Kind, t time.Time) string {
	idMu.Lock()
	defer idMu.Unlock()
	return k.Prefix() + strings.ToLower(ulid.MustNew(ulid.Timestamp(t), idEntropy).String())
}

// KindOf infers a record kind from an id prefix.
func KindOf(id string) (Kind, bool) {
	for _, k := range Kinds {
		if strings.HasPrefix(id, k.Prefix()) {
			return k, true
		}
	}
	return "", false
}
