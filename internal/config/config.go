package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/spf13/viper"

	"github.com/canonical/buttersync/internal/estimate"
)

// Options is the fully-resolved configuration for one run: cobra flags
// layered over viper-backed file defaults, with the command line always
// winning.
type Options struct {
	DryRun      bool
	Delete      bool
	EstimateRaw int
	Quiet       bool
	Debug       bool
	LogFile     string
	PartSizeMiB int64
	Exclude     []string
	SSHUser     string
}

// Estimator builds the size-estimation policy this run's --estimate count
// selects.
func (o Options) Estimator() estimate.Estimator {
	return estimate.Estimator{Policy: estimate.FromFlagCount(o.EstimateRaw)}
}

// ExcludeFilters compiles Exclude into regular expressions; a volume
// whose path matches any of them is dropped before planning.
func (o Options) ExcludeFilters() ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(o.Exclude))

	for _, pattern := range o.Exclude {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile --exclude pattern %q: %w", pattern, err)
		}

		out = append(out, re)
	}

	return out, nil
}

// ExcludedByPath reports whether any path of a volume matches one of the
// compiled --exclude patterns.
func ExcludedByPath(paths []string, filters []*regexp.Regexp) bool {
	for _, p := range paths {
		for _, re := range filters {
			if re.MatchString(p) {
				return true
			}
		}
	}

	return false
}

// defaultConfigPath is ~/.config/buttersync/config.yaml.
func defaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}

	return filepath.Join(home, ".config", "buttersync", "config.yaml"), nil
}

// LoadFileDefaults reads part_size, exclude and estimate defaults from a
// viper-backed config file, applying them only where the corresponding
// flag was left at its zero value. path="" uses defaultConfigPath; a
// missing file is not an error, matching viper's own ReadInConfig
// semantics when the config is optional.
func LoadFileDefaults(path string, o *Options) error {
	if path == "" {
		p, err := defaultConfigPath()
		if err != nil {
			return err
		}

		path = p
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	if o.PartSizeMiB == 0 && v.IsSet("part_size") {
		o.PartSizeMiB = v.GetInt64("part_size")
	}

	if len(o.Exclude) == 0 && v.IsSet("exclude") {
		o.Exclude = v.GetStringSlice("exclude")
	}

	if o.EstimateRaw == 0 && v.IsSet("estimate") {
		o.EstimateRaw = v.GetInt("estimate")
	}

	return nil
}
