package store

// Config holds configuration for the Store.
type Config struct {
	// Prefix is the first segment of every key.
	// Default: "ohm"
	Prefix string `yaml:"prefix"`

	// IdxPrefix is the segment under which index and link entries live.
	// Default: "idx"
	IdxPrefix string `yaml:"idxPrefix"`

	// IDPrefix is the segment under which the "increment" id counters live.
	// Default: "id"
	IDPrefix string `yaml:"idPrefix"`

	// IDPattern is the regular expression every entity id must match. It is
	// used for the id property and for link properties of compiled schemas.
	// Default: "^[0-9A-Za-z_-]+$"
	IDPattern string `yaml:"idPattern"`

	// EagerClasses builds every entity class at registration instead of on
	// first use, so descriptor errors surface from Register.
	EagerClasses bool `yaml:"eagerClasses"`

	// LoadConcurrency bounds the parallel loads of List and FindByIndex.
	// Default: 8
	LoadConcurrency int `yaml:"loadConcurrency"`
}

const (
	defaultPrefix    = "ohm"
	defaultIdxPrefix = "idx"
	defaultIDPrefix  = "id"
	defaultIDPattern = "^[0-9A-Za-z_-]+$"
	defaultLoads     = 8
)

// DefaultConfig returns the default key namespace.
func DefaultConfig() Config {
	return Config{
		Prefix:          defaultPrefix,
		IdxPrefix:       defaultIdxPrefix,
		IDPrefix:        defaultIDPrefix,
		IDPattern:       defaultIDPattern,
		LoadConcurrency: defaultLoads,
	}
}

// validate fills unset values with defaults.
func (c *Config) validate() {
	if c.Prefix == "" {
		c.Prefix = defaultPrefix
	}
	if c.IdxPrefix == "" {
		c.IdxPrefix = defaultIdxPrefix
	}
	if c.IDPrefix == "" {
		c.IDPrefix = defaultIDPrefix
	}
	if c.IDPattern == "" {
		c.IDPattern = defaultIDPattern
	}
	if c.LoadConcurrency <= 0 {
		c.LoadConcurrency = defaultLoads
	}
}
