package policy

// Mode defines the policy engine operating mode
type Mode string

const (
	// ModeOff disables policy evaluation entirely
	ModeOff Mode = "off"
	// ModeDryRun evaluates policies but doesn't enforce them (log only)
	ModeDryRun Mode = "dry-run"
	// ModeEnforce evaluates and enforces policies
	ModeEnforce Mode = "enforce"
)

// DecisionQuery is the rule every admission policy bundle must define.
const DecisionQuery = "data.research.admission.decision"

// Config holds policy engine configuration
type Config struct {
	Enabled bool   `mapstructure:"enabled"`
	Mode    Mode   `mapstructure:"mode"`
	Path    string `mapstructure:"path"` // directory of .rego files

	// FailClosed denies every query when policies cannot be loaded or
	// evaluated; otherwise such queries are admitted.
	FailClosed bool `mapstructure:"fail_closed"`

	Environment string `mapstructure:"environment"`
}

// DefaultConfig returns a disabled, fail-open configuration.
func DefaultConfig() Config {
	return Config{
		Mode:        ModeEnforce,
		Path:        "config/opa",
		Environment: "dev",
	}
}
