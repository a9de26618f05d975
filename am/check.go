package am

import (
	"github.com/BurntSushi/toml"

	"github.com/teranos/automaton/errors"
)

// CheckResult reports how a config file maps onto Config
type CheckResult struct {
	Path      string
	Undecoded []string // keys present in the file that no setting consumes
}

// CheckFile parses a TOML config file strictly and reports keys that are not recognised.
// A syntax error is returned as an error; unknown keys are not.
func CheckFile(configPath string) (*CheckResult, error) {
	var cfg Config
	meta, err := toml.DecodeFile(configPath, &cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", configPath)
	}

	result := &CheckResult{Path: configPath}
	for _, key := range meta.Undecoded() {
		result.Undecoded = append(result.Undecoded, key.String())
	}

	if err := cfg.Validate(); err != nil {
		return result, errors.WithDetail(err, "file: "+configPath)
	}
	return result, nil
}
