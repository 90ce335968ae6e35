package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/policy"
	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/userstore"
)

// LoadPlans returns the subscription catalog. When path is empty the
// built-in catalog is used unchanged; otherwise the YAML file's entries
// override the built-in ones tier by tier.
func LoadPlans(path string) (map[userstore.SubscriptionTier]policy.Plan, error) {
	plans := policy.DefaultPlans()
	if path == "" {
		return plans, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plans file: %w", err)
	}
	var overrides map[string]policy.Plan
	if err := yaml.Unmarshal(raw, &overrides); err != nil {
		return nil, fmt.Errorf("parse plans file %s: %w", path, err)
	}

	for name, plan := range overrides {
		tier := userstore.SubscriptionTier(name)
		switch tier {
		case userstore.TierFree, userstore.TierStarter, userstore.TierPro, userstore.TierUnlimited:
			plans[tier] = plan
		default:
			return nil, fmt.Errorf("plans file %s: unknown tier %q", path, name)
		}
	}
	return plans, nil
}
