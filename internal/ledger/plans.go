package ledger

import (
	"errors"

	"pulse-bot/internal/models"
)

// BonusPerReferral is credited to an active referrer for every completed payment of a referred user.
const BonusPerReferral = 5

var ErrUnknownPlan = errors.New("unknown plan")

type Feature string

const (
	FeatureUpload Feature = "upload"
	FeatureAsk    Feature = "ask"
)

// Plan is one row of the tariff table. Keys are referenced by payments and must not change.
type Plan struct {
	Key    string
	Days   int
	Price  int
	Tier   models.Tier
	Upload models.Allotment
	Ask    models.Allotment
}

var planTable = []Plan{
	{Key: "1month_basic", Days: 30, Price: 199, Tier: models.TierBasic, Upload: models.Limited(0), Ask: models.Limited(20)},
	{Key: "3months_basic", Days: 90, Price: 499, Tier: models.TierBasic, Upload: models.Limited(0), Ask: models.Limited(60)},
	{Key: "6months_basic", Days: 180, Price: 899, Tier: models.TierBasic, Upload: models.Limited(0), Ask: models.Limited(150)},
	{Key: "12months_basic", Days: 365, Price: 1499, Tier: models.TierBasic, Upload: models.Limited(0), Ask: models.Limited(400)},
	{Key: "1month_premium", Days: 30, Price: 299, Tier: models.TierPremium, Upload: models.Limited(3), Ask: models.Unlimited},
	{Key: "3months_premium", Days: 90, Price: 799, Tier: models.TierPremium, Upload: models.Limited(15), Ask: models.Unlimited},
	{Key: "6months_premium", Days: 180, Price: 1399, Tier: models.TierPremium, Upload: models.Unlimited, Ask: models.Unlimited},
	{Key: "12months_premium", Days: 365, Price: 2499, Tier: models.TierPremium, Upload: models.Unlimited, Ask: models.Unlimited},
}

var plansByKey = func() map[string]Plan {
	m := make(map[string]Plan, len(planTable))
	for _, p := range planTable {
		m[p.Key] = p
	}
	return m
}()

func LookupPlan(key string) (Plan, bool) {
	p, ok := plansByKey[key]
	return p, ok
}

// Plans returns the tariff table in display order.
func Plans() []Plan {
	out := make([]Plan, len(planTable))
	copy(out, planTable)
	return out
}

// grants reports whether a tier unlocks the feature at all.
func grants(tier models.Tier, f Feature) bool {
	switch f {
	case FeatureUpload:
		return tier == models.TierPremium
	case FeatureAsk:
		return tier == models.TierBasic || tier == models.TierPremium
	}
	return false
}
