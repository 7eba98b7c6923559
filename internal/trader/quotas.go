package trader

import (
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/vyx/signal-engine/pkg/errs"
	"github.com/vyx/signal-engine/pkg/types"
)

// tierUnlimited marks tiers without a per-user cap.
const tierUnlimited int64 = -1

// QuotaManager enforces tier-based limits on concurrently running traders.
// Anonymous and free users cannot start traders at all; pro users get a
// fixed cap; elite is uncapped but still counts against the global limit.
type QuotaManager struct {
	globalSemaphore *semaphore.Weighted
	globalMax       int64

	userSemaphores sync.Map // userID -> *semaphore.Weighted
	tierLimits     map[types.SubscriptionTier]int64

	mu            sync.RWMutex
	userCounts    map[string]int64
	globalCurrent int64
	rejections    int64
}

// NewQuotaManager creates a quota manager with the given global cap.
func NewQuotaManager(globalMax int64) *QuotaManager {
	return &QuotaManager{
		globalSemaphore: semaphore.NewWeighted(globalMax),
		globalMax:       globalMax,
		tierLimits: map[types.SubscriptionTier]int64{
			types.TierAnonymous: 0,
			types.TierFree:      0,
			types.TierPro:       10,
			types.TierElite:     tierUnlimited,
		},
		userCounts: make(map[string]int64),
	}
}

func (q *QuotaManager) limitFor(tier types.SubscriptionTier) (int64, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	limit, known := q.tierLimits[tier]
	return limit, known
}

// Acquire claims one running-trader slot for a user. It either fully
// succeeds or leaves no partial state behind.
func (q *QuotaManager) Acquire(userID string, tier types.SubscriptionTier) error {
	limit, known := q.limitFor(tier)
	if !known {
		q.recordRejection(userID, string(tier), "unknown_tier")
		return &errs.QuotaError{UserID: userID, Tier: string(tier), Reason: "unknown_tier"}
	}

	if limit == 0 {
		q.recordRejection(userID, string(tier), "tier_blocked")
		return &errs.QuotaError{UserID: userID, Tier: string(tier), Reason: "tier_blocked"}
	}

	if limit != tierUnlimited {
		userSem := q.getUserSemaphore(userID, limit)
		if !userSem.TryAcquire(1) {
			q.recordRejection(userID, string(tier), "user_quota_exceeded")
			return &errs.QuotaError{UserID: userID, Tier: string(tier), Limit: limit, Reason: "user_quota_exceeded"}
		}
	}

	if !q.globalSemaphore.TryAcquire(1) {
		if limit != tierUnlimited {
			q.getUserSemaphore(userID, limit).Release(1)
		}
		q.recordRejection(userID, string(tier), "global_quota_exceeded")
		return &errs.QuotaError{UserID: userID, Tier: string(tier), Limit: q.globalMax, Reason: "global_quota_exceeded"}
	}

	q.mu.Lock()
	q.userCounts[userID]++
	q.globalCurrent++
	current := q.userCounts[userID]
	q.mu.Unlock()

	RecordQuotaAcquisition(userID, string(tier))
	UpdateQuotaUsage(userID, string(tier), float64(current))
	if limit > 0 {
		UpdateQuotaLimit(string(tier), float64(limit))
	}

	return nil
}

// Release returns a running-trader slot. A release with no matching
// acquisition is a no-op so error-escalation paths stay safe.
func (q *QuotaManager) Release(userID string, tier types.SubscriptionTier) {
	q.mu.Lock()
	if q.userCounts[userID] <= 0 {
		q.mu.Unlock()
		return
	}
	q.userCounts[userID]--
	q.globalCurrent--
	current := q.userCounts[userID]
	q.mu.Unlock()

	q.globalSemaphore.Release(1)

	limit, _ := q.limitFor(tier)
	if limit > 0 {
		q.getUserSemaphore(userID, limit).Release(1)
	}

	RecordQuotaRelease(userID, string(tier))
	UpdateQuotaUsage(userID, string(tier), float64(current))
}

// Usage returns the current and maximum slots for a user.
func (q *QuotaManager) Usage(userID string, tier types.SubscriptionTier) (current, max int64) {
	q.mu.RLock()
	current = q.userCounts[userID]
	limit := q.tierLimits[tier]
	q.mu.RUnlock()

	if limit == tierUnlimited {
		return current, 0
	}
	return current, limit
}

// Metrics returns quota counters for the metrics endpoint.
func (q *QuotaManager) Metrics() map[string]interface{} {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return map[string]interface{}{
		"global_current":   q.globalCurrent,
		"global_max":       q.globalMax,
		"quota_rejections": q.rejections,
	}
}

// SetTierLimit overrides the limit for a tier (tests and ops tuning).
func (q *QuotaManager) SetTierLimit(tier types.SubscriptionTier, limit int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tierLimits[tier] = limit
}

func (q *QuotaManager) getUserSemaphore(userID string, limit int64) *semaphore.Weighted {
	if sem, ok := q.userSemaphores.Load(userID); ok {
		return sem.(*semaphore.Weighted)
	}

	sem := semaphore.NewWeighted(limit)
	actual, _ := q.userSemaphores.LoadOrStore(userID, sem)
	return actual.(*semaphore.Weighted)
}

func (q *QuotaManager) recordRejection(userID, tier, reason string) {
	q.mu.Lock()
	q.rejections++
	q.mu.Unlock()
	RecordQuotaRejection(userID, tier, reason)
}
