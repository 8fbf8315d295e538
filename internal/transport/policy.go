package transport

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Reference fields usable to match acknowledgement entries with sent transactions.
const (
	FieldExternalRef = "external_ref"
	FieldName        = "name"
	FieldReference   = "reference"
)

// Policy is the protocol-specific table of acknowledgement codes.
type Policy struct {
	RejectionCodes []string `yaml:"rejection_codes"`
	DuplicateCodes []string `yaml:"duplicate_codes"`
	MatchFields    []string `yaml:"match_fields"`
}

// DefaultPolicy returns the codes known for the current gateway protocol.
func DefaultPolicy() Policy {
	return Policy{
		RejectionCodes: []string{"REJ_SEMAN", "REJ_UNI", "REJ_COH", "REJ_ADR", "REJ_CONT", "REJ_SEMAN_LINE"},
		DuplicateCodes: []string{"REJ_DOUBLON", "DUPLICATE"},
		MatchFields:    []string{FieldExternalRef, FieldName, FieldReference},
	}
}

// LoadPolicy reads a YAML policy file. Empty lists fall back to the defaults.
func LoadPolicy(path string) (Policy, error) {
	policy := DefaultPolicy()
	if strings.TrimSpace(path) == "" {
		return policy, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("transport: read policy: %w", err)
	}
	var file Policy
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Policy{}, fmt.Errorf("transport: decode policy: %w", err)
	}
	if len(file.RejectionCodes) > 0 {
		policy.RejectionCodes = file.RejectionCodes
	}
	if len(file.DuplicateCodes) > 0 {
		policy.DuplicateCodes = file.DuplicateCodes
	}
	if len(file.MatchFields) > 0 {
		for _, f := range file.MatchFields {
			switch f {
			case FieldExternalRef, FieldName, FieldReference:
			default:
				return Policy{}, fmt.Errorf("transport: unknown match field %q", f)
			}
		}
		policy.MatchFields = file.MatchFields
	}
	return policy, nil
}

func (p Policy) isRejection(code string) bool {
	return hasCode(p.RejectionCodes, code)
}

func (p Policy) isDuplicate(code string) bool {
	return hasCode(p.DuplicateCodes, code)
}

func hasCode(codes []string, code string) bool {
	code = strings.ToUpper(strings.TrimSpace(code))
	for _, c := range codes {
		if strings.ToUpper(c) == code {
			return true
		}
	}
	return false
}
