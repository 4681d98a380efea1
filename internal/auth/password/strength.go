package password

import (
	"fmt"
	"strings"
	"unicode"
)

// Rule identifies a strength check.
type Rule string

const (
	RuleMinLength     Rule = "min_length"
	RuleUppercase     Rule = "uppercase"
	RuleLowercase     Rule = "lowercase"
	RuleNumber        Rule = "number"
	RuleSpecial       Rule = "special"
	RuleCommon        Rule = "common"
	RuleContainsUser  Rule = "contains_username"
	RuleContainsEmail Rule = "contains_email"
	RuleVariety       Rule = "variety"
)

const (
	defaultMinLength   = 12
	minDistinctRunes   = 5
	specialCharacters  = `!@#$%^&*(),.?":{}|<>`
	defaultHistorySize = 5
)

var commonPasswords = []string{
	"password",
	"123456",
	"12345678",
	"qwerty",
	"admin",
	"letmein",
	"welcome",
	"iloveyou",
	"monkey",
	"dragon",
}

// Policy configures strength validation and reuse checks.
type Policy struct {
	MinLength        int
	RequireUppercase bool
	RequireLowercase bool
	RequireNumbers   bool
	RequireSpecial   bool
	HistoryCount     int
}

// DefaultPolicy requires twelve characters from every class and remembers five hashes.
func DefaultPolicy() Policy {
	return Policy{
		MinLength:        defaultMinLength,
		RequireUppercase: true,
		RequireLowercase: true,
		RequireNumbers:   true,
		RequireSpecial:   true,
		HistoryCount:     defaultHistorySize,
	}
}

func (p Policy) withDefaults() Policy {
	if p.MinLength <= 0 {
		p.MinLength = defaultMinLength
	}
	if p.HistoryCount < 0 {
		p.HistoryCount = 0
	}
	return p
}

// Violation describes one failed strength rule.
type Violation struct {
	Rule    Rule   `json:"rule"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	return v.Message
}

// ValidateStrength checks password against the policy and returns every violation found.
// username and email are optional.
func (m *Manager) ValidateStrength(password, username, email string) (bool, []Violation) {
	p := m.policy
	var violations []Violation
	add := func(rule Rule, message string) {
		violations = append(violations, Violation{Rule: rule, Message: message})
	}

	if len([]rune(password)) < p.MinLength {
		add(RuleMinLength, fmt.Sprintf("Password must be at least %d characters", p.MinLength))
	}

	var hasUpper, hasLower, hasDigit, hasSpecial bool
	distinct := make(map[rune]struct{})
	for _, r := range password {
		distinct[r] = struct{}{}
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
		if strings.ContainsRune(specialCharacters, r) {
			hasSpecial = true
		}
	}

	if p.RequireUppercase && !hasUpper {
		add(RuleUppercase, "Password must contain at least one uppercase letter")
	}
	if p.RequireLowercase && !hasLower {
		add(RuleLowercase, "Password must contain at least one lowercase letter")
	}
	if p.RequireNumbers && !hasDigit {
		add(RuleNumber, "Password must contain at least one number")
	}
	if p.RequireSpecial && !hasSpecial {
		add(RuleSpecial, "Password must contain at least one special character")
	}

	lowered := strings.ToLower(password)
	if isCommon(lowered) {
		add(RuleCommon, "Password is too common")
	}

	if name := strings.ToLower(strings.TrimSpace(username)); name != "" && strings.Contains(lowered, name) {
		add(RuleContainsUser, "Password cannot contain username")
	}
	if local := emailLocalPart(email); local != "" && strings.Contains(lowered, local) {
		add(RuleContainsEmail, "Password cannot contain email address")
	}

	if len(distinct) < minDistinctRunes {
		add(RuleVariety, "Password lacks sufficient character variety")
	}

	return len(violations) == 0, violations
}

// isCommon flags denylisted passwords and trivial decorations of them such as
// "password123" or "Welcome!".
func isCommon(lowered string) bool {
	for _, common := range commonPasswords {
		if lowered == common {
			return true
		}
		if strings.HasPrefix(lowered, common) || strings.HasSuffix(lowered, common) {
			rest := strings.TrimSuffix(strings.TrimPrefix(lowered, common), common)
			if len(rest) <= 4 {
				return true
			}
		}
	}
	return false
}

func emailLocalPart(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return ""
	}
	local, _, _ := strings.Cut(email, "@")
	return local
}
