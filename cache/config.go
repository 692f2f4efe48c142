package cache

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/goliatone/go-errors"

	runnable "github.com/goliatone/go-runnable"
)

// Config enables caching of a step or a whole run.
//
// A step is cached when Active is true, when ActiveFunc returns true, or,
// with neither set, when a Store or URI is configured. The key is the step
// identity followed by one key strategy: KeyFields, KeyFunc or KeySchema,
// tried in that order.
type Config struct {
	// Name selects the factory store. Configs sharing a name share a store.
	Name  string `yaml:"name" json:"name"`
	Store Store  `yaml:"-" json:"-"`
	// URI is "memory", a redis:// address or a sqlite:// path.
	URI        string                                      `yaml:"uri" json:"uri"`
	Active     *bool                                       `yaml:"active" json:"active"`
	ActiveFunc func(runnable.State) (bool, error)          `yaml:"-" json:"-"`
	KeyFields  []string                                    `yaml:"key_fields" json:"key_fields"`
	KeyFunc    func(runnable.State) (string, error)        `yaml:"-" json:"-"`
	KeySchema  runnable.Schema                             `yaml:"-" json:"-"`
	TTL        time.Duration                               `yaml:"ttl" json:"ttl"`
	TTLFunc    func(runnable.State) (time.Duration, error) `yaml:"-" json:"-"`
	// Timeout bounds every store call. Zero waits for the store.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	MaxSize int           `yaml:"max_size" json:"max_size"`
}

// Enabled returns a pointer for Config.Active.
func Enabled(v bool) *bool {
	return &v
}

func (c Config) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.TTL, validation.Min(time.Duration(0))),
		validation.Field(&c.Timeout, validation.Min(time.Duration(0))),
		validation.Field(&c.MaxSize, validation.Min(0)),
	)
	if err == nil {
		return nil
	}
	if verrs, ok := err.(validation.Errors); ok {
		return errors.FromOzzoValidation(verrs, "invalid cache config").
			WithTextCode(runnable.CodeConfiguration)
	}
	return configurationFault(err.Error(), nil)
}

// staticallyActive reports whether the config is active without looking at
// state. It is false when activity depends on ActiveFunc.
func (c Config) staticallyActive() bool {
	if c.ActiveFunc != nil {
		return false
	}
	if c.Active != nil {
		return *c.Active
	}
	return c.Store != nil || c.URI != ""
}

func configurationFault(msg string, metadata map[string]any) error {
	return runnable.NewFault(runnable.ErrConfiguration, msg, nil, metadata)
}
