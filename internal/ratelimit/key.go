package ratelimit

import (
	"fmt"
	"time"
)

// windowSlot returns the fixed-window slot index for the given time.
func windowSlot(t time.Time, windowSeconds int) int64 {
	return t.Unix() / int64(windowSeconds)
}

// counterKey builds the store key for a client, policy and window slot.
// Counters for different clients, policies and windows never collide.
func counterKey(clientKey, policyID string, slot int64) string {
	return fmt.Sprintf("%s:%s:%d", clientKey, policyID, slot)
}
