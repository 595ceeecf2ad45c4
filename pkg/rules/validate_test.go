package rules

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestRulesValidate(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Rules Validate Suite")
}

var _ = Describe("ValidateRule", func() {
	baseRule := func() Rule {
		return Rule{
			Model:     "sale.order",
			Operation: OperationWrite,
			Active:    true,
			Priority:  PriorityHigh,
			Category:  CategoryBusiness,
		}
	}

	It("accepts a minimally valid rule", func() {
		Expect(ValidateRule(baseRule())).To(Succeed())
	})

	It("rejects a missing model", func() {
		r := baseRule()
		r.Model = ""
		Expect(ValidateRule(r)).To(HaveOccurred())
	})

	It("rejects an invalid operation", func() {
		r := baseRule()
		r.Operation = "patch"
		Expect(ValidateRule(r)).To(HaveOccurred())
	})

	It("rejects an invalid priority", func() {
		r := baseRule()
		r.Priority = "urgent"
		Expect(ValidateRule(r)).To(HaveOccurred())
	})

	It("rejects an invalid category", func() {
		r := baseRule()
		r.Category = "marketing"
		Expect(ValidateRule(r)).To(HaveOccurred())
	})

	It("rejects a negative debounce window", func() {
		r := baseRule()
		r.DebounceSecs = -1
		Expect(ValidateRule(r)).To(MatchError(ContainSubstring("debounce_secs")))
	})

	It("rejects a negative rate limit", func() {
		r := baseRule()
		r.RateLimit = -5
		Expect(ValidateRule(r)).To(MatchError(ContainSubstring("rate_limit")))
	})

	Describe("domain expression syntax", func() {
		It("accepts a balanced expression with a recognized operator", func() {
			r := baseRule()
			r.Domain = "(state = 'confirmed') and (amount > 100)"
			Expect(ValidateRule(r)).To(Succeed())
		})

		It("rejects unbalanced parentheses", func() {
			r := baseRule()
			r.Domain = "(state = 'confirmed'"
			Expect(ValidateRule(r)).To(MatchError(ContainSubstring("domain")))
		})

		It("rejects an expression with no recognized operator", func() {
			r := baseRule()
			r.Domain = "just some text"
			Expect(ValidateRule(r)).To(MatchError(ContainSubstring("domain")))
		})
	})
})

var _ = Describe("Rule.MatchesChanged", func() {
	It("matches any write when no tracked fields are configured", func() {
		r := Rule{}
		Expect(r.MatchesChanged([]string{"anything"})).To(BeTrue())
	})

	It("matches only when changed fields intersect the tracked set", func() {
		r := Rule{TrackedFields: []string{"state", "amount"}}
		Expect(r.MatchesChanged([]string{"name"})).To(BeFalse())
		Expect(r.MatchesChanged([]string{"name", "amount"})).To(BeTrue())
	})
})
