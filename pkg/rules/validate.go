/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package rules

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/fluxgate/webhookd/internal/operr"
)

var validate = validator.New()

// domainOperators are the comparison tokens a domain filter expression may
// use. This is a syntax check only — an intercept.DomainEvaluator is what
// actually evaluates a domain expression against a record.
var domainOperators = []string{"=", "!=", ">", "<", ">=", "<=", "in", "not in", "like"}

// ValidateRule checks struct-level constraints via validator tags and a
// light domain-expression syntax check, returning an operr ConfigError-class
// error, or nil on success.
func ValidateRule(r Rule) error {
	if err := validate.Struct(r); err != nil {
		return operr.ConfigurationError("rule", err.Error())
	}
	if r.DebounceSecs < 0 {
		return operr.ConfigurationError("debounce_secs", "must be non-negative")
	}
	if r.RateLimit < 0 {
		return operr.ConfigurationError("rate_limit", "must be non-negative")
	}
	if r.Domain != "" {
		if err := validateDomainSyntax(r.Domain); err != nil {
			return operr.ConfigurationError("domain", err.Error())
		}
	}
	return nil
}

// validateDomainSyntax performs a minimal sanity check on a domain filter
// expression: it must reference at least one recognized operator and must
// not be unbalanced on parentheses. Full expression evaluation belongs to
// the intercept.DomainEvaluator collaborator, not here.
func validateDomainSyntax(expr string) error {
	depth := 0
	for _, r := range expr {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		}
		if depth < 0 {
			return fmt.Errorf("unbalanced parentheses in domain expression %q", expr)
		}
	}
	if depth != 0 {
		return fmt.Errorf("unbalanced parentheses in domain expression %q", expr)
	}
	lower := strings.ToLower(expr)
	for _, op := range domainOperators {
		if strings.Contains(lower, op) {
			return nil
		}
	}
	return fmt.Errorf("domain expression %q does not contain a recognized operator", expr)
}
