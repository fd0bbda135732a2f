package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/atmx/rank-engine/internal/model"
)

// Parse decodes a YAML policy table keyed by rank name:
//
//	BRONZE:
//	  conquest: {min_directs: 3, min_lifetime_volume: "1000", min_blocked_balance: "500"}
//	  maintenance: {min_active_directs: 3, min_monthly_volume: "500"}
//	  commission_rates: {n0: "1.05", n1: "0.15", n2: "0", n3: "0"}
//	  max_commission_depth: 1
//
// The maintenance floor is always the conquest floor. The parsed table is
// validated before it is returned.
func Parse(data []byte) (Table, error) {
	var raw map[string]Requirements
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("policy: decode yaml: %w", err)
	}

	t := make(Table, len(raw))
	for name, req := range raw {
		r, err := model.ParseRank(name)
		if err != nil {
			return nil, fmt.Errorf("policy: %w", err)
		}
		req.Rank = r
		req.Maintenance.MinBlockedBalance = req.Conquest.MinBlockedBalance
		t[r] = req
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// LoadFile reads a policy table from path. An empty path yields Default().
func LoadFile(path string) (Table, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}
	return Parse(data)
}
