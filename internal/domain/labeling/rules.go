package labeling

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/ehr/consent-engine/internal/platform/fhir"
)

// SensitivityRule labels a resource when any of its clinical codes falls in
// one of the rule's code sets. Codes are written as "<system>#<code>"; the
// system may be a URI, an OID or an alias such as $SNOMED.
type SensitivityRule struct {
	ID       string        `yaml:"id" json:"id"`
	Basis    *fhir.Coding  `yaml:"basis,omitempty" json:"basis,omitempty"`
	CodeSets []CodeSet     `yaml:"codeSets" json:"codeSets"`
	Labels   []fhir.Coding `yaml:"labels" json:"labels"`
}

// CodeSet is a named group of codes within a sensitivity rule.
type CodeSet struct {
	GroupID string   `yaml:"groupId" json:"groupId"`
	Codes   []string `yaml:"codes" json:"codes"`
}

// ConfidentialityRule labels a resource when any of its current security
// labels is listed in Codes.
type ConfidentialityRule struct {
	ID     string        `yaml:"id" json:"id"`
	Basis  *fhir.Coding  `yaml:"basis,omitempty" json:"basis,omitempty"`
	Codes  []string      `yaml:"codes" json:"codes"`
	Labels []fhir.Coding `yaml:"labels" json:"labels"`
}

// Rules is the complete rule configuration of a Labeler.
type Rules struct {
	Sensitivity     []SensitivityRule
	Confidentiality []ConfidentialityRule
}

// RuleSource names where a rule table comes from. Inline takes precedence
// over File.
type RuleSource struct {
	Inline string
	File   string
}

// ParseSensitivityRules decodes a YAML or JSON list of sensitivity rules.
func ParseSensitivityRules(data []byte) ([]SensitivityRule, error) {
	var rules []SensitivityRule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parse sensitivity rules: %w", err)
	}
	return rules, nil
}

// ParseConfidentialityRules decodes a YAML or JSON list of confidentiality rules.
func ParseConfidentialityRules(data []byte) ([]ConfidentialityRule, error) {
	var rules []ConfidentialityRule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parse confidentiality rules: %w", err)
	}
	return rules, nil
}

// LoadRules reads both rule tables. A table that cannot be read or parsed is
// logged and replaced by an empty one.
func LoadRules(sensitivity, confidentiality RuleSource, logger zerolog.Logger) Rules {
	var rules Rules

	if data, err := sensitivity.read(); err != nil {
		logger.Warn().Err(err).Msg("sensitivity rules unavailable, no sensitivity labels will be applied")
	} else if len(data) > 0 {
		if rules.Sensitivity, err = ParseSensitivityRules(data); err != nil {
			logger.Warn().Err(err).Msg("sensitivity rules malformed, no sensitivity labels will be applied")
		}
	}

	if data, err := confidentiality.read(); err != nil {
		logger.Warn().Err(err).Msg("confidentiality rules unavailable, no confidentiality labels will be applied")
	} else if len(data) > 0 {
		if rules.Confidentiality, err = ParseConfidentialityRules(data); err != nil {
			logger.Warn().Err(err).Msg("confidentiality rules malformed, no confidentiality labels will be applied")
		}
	}

	logger.Info().
		Int("sensitivity_rules", len(rules.Sensitivity)).
		Int("confidentiality_rules", len(rules.Confidentiality)).
		Msg("labeling rules loaded")
	return rules
}

func (s RuleSource) read() ([]byte, error) {
	if strings.TrimSpace(s.Inline) != "" {
		return []byte(s.Inline), nil
	}
	if s.File == "" {
		return nil, nil
	}
	data, err := os.ReadFile(s.File)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return []byte(os.ExpandEnv(string(data))), nil
}

// canonicalCode rewrites "<system>#<code>" with the canonical system alias.
func canonicalCode(s string) string {
	i := strings.LastIndex(s, "#")
	if i < 0 {
		return strings.TrimSpace(s)
	}
	return fhir.CanonicalSystem(strings.TrimSpace(s[:i])) + "#" + strings.TrimSpace(s[i+1:])
}
