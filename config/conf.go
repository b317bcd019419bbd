package config

import (
	"os"

	"github.com/go-yaml/yaml"
	"github.com/rs/zerolog/log"
)

type reconcileConfig struct {
	// TolerancePerLine bounds the acceptable rounding residual, in
	// milliunits per allocation line.
	TolerancePerLine int64 `yaml:"tolerance_per_line"`
}

type categorizeConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	Workers             int     `yaml:"workers"`
	TimeoutSeconds      int     `yaml:"timeout_seconds"`
	SignaturePrefix     int     `yaml:"signature_prefix"`
}

// RuleInfo pins a category for expenses whose description contains the
// rule's key, bypassing the classifier.
type RuleInfo struct {
	Category string `yaml:"category"`
}

type MasterConfig struct {
	Reconcile     reconcileConfig       `yaml:"reconcile"`
	Categorize    categorizeConfig      `yaml:"categorize"`
	CategoryRules []map[string]RuleInfo `yaml:"categoryRules"`
}

func InitConfig(file string) *MasterConfig {
	init := MasterConfig{}
	init.getConf(file)
	init.applyDefaults()
	return &init
}

func (c *MasterConfig) getConf(file string) *MasterConfig {
	yamlFile, err := os.ReadFile(file)
	if err != nil {
		log.Warn().Err(err).Msgf("Could not read config file %s, using defaults", file)
		return c
	}
	err = yaml.Unmarshal(yamlFile, c)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse config file")
	}

	return c
}

func (c *MasterConfig) applyDefaults() {
	if c.Reconcile.TolerancePerLine <= 0 {
		c.Reconcile.TolerancePerLine = 1
	}
	if c.Categorize.ConfidenceThreshold <= 0 {
		c.Categorize.ConfidenceThreshold = 0.7
	}
	if c.Categorize.Workers <= 0 {
		c.Categorize.Workers = 4
	}
	if c.Categorize.TimeoutSeconds <= 0 {
		c.Categorize.TimeoutSeconds = 30
	}
}

// Rules flattens the yaml rule list into the substring-to-category map the
// categorizer consumes.
func (c *MasterConfig) Rules() map[string]string {
	rules := make(map[string]string)
	for _, ruleSet := range c.CategoryRules {
		for key, info := range ruleSet {
			rules[key] = info.Category
		}
	}
	return rules
}
