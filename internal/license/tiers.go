package license

// License tiers.
const (
	TierStarter = "starter"
	TierPro     = "pro"
	TierAgency  = "agency"
)

// Limits are the per-tier feature ceilings handed to client software after
// a successful token validation. MaxDailyActions of -1 means unlimited.
type Limits struct {
	Tier            string   `json:"tier"`
	MaxDailyActions int      `json:"max_daily_actions"`
	Platforms       []string `json:"platforms"`
	MultiAccount    bool     `json:"multi_account"`
	PriorityStatus  bool     `json:"priority_support"`
}

// LimitsFor returns the static ceiling table for a tier. Unknown tiers get
// starter ceilings, never an unlimited default.
func LimitsFor(tier string) Limits {
	switch tier {
	case TierAgency:
		return Limits{
			Tier:            TierAgency,
			MaxDailyActions: -1,
			Platforms:       []string{"windows", "macos", "linux", "cloud"},
			MultiAccount:    true,
			PriorityStatus:  true,
		}
	case TierPro:
		return Limits{
			Tier:            TierPro,
			MaxDailyActions: 500,
			Platforms:       []string{"windows", "macos", "linux"},
			MultiAccount:    true,
			PriorityStatus:  false,
		}
	default:
		return Limits{
			Tier:            TierStarter,
			MaxDailyActions: 100,
			Platforms:       []string{"windows", "macos"},
			MultiAccount:    false,
			PriorityStatus:  false,
		}
	}
}

// MaxDevicesFor returns the default device quota per tier, used when a new
// license is issued without an explicit quota.
func MaxDevicesFor(tier string) int {
	switch tier {
	case TierAgency:
		return 10
	case TierPro:
		return 3
	default:
		return 1
	}
}
