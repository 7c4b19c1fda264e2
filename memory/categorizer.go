package memory

import "strings"

// Categorizer assigns a long-term category to content.
type Categorizer interface {
	Categorize(content string) Category
}

// CategoryRule maps keywords onto a category.
type CategoryRule struct {
	Category Category
	Keywords []string
}

// KeywordCategorizer checks rules in order and returns the first category with
// a keyword present in the lowercased content.
type KeywordCategorizer struct {
	Rules    []CategoryRule
	Fallback Category
}

// DefaultCategorizer returns the standard rule table.
func DefaultCategorizer() *KeywordCategorizer {
	return &KeywordCategorizer{
		Rules: []CategoryRule{
			{CategoryPreference, []string{"prefer", "like", "want", "wish"}},
			{CategoryTask, []string{"task", "todo", "remind", "schedule"}},
			{CategoryFact, []string{"fact", "know", "learn", "information"}},
			{CategoryRelationship, []string{"person", "people", "friend", "family"}},
			{CategoryExperience, []string{"did", "was", "went", "happened"}},
		},
		Fallback: CategoryConversation,
	}
}

func (k *KeywordCategorizer) Categorize(content string) Category {
	lower := strings.ToLower(content)
	for _, rule := range k.Rules {
		if containsAny(lower, rule.Keywords) {
			return rule.Category
		}
	}
	if k.Fallback == "" {
		return CategoryConversation
	}
	return k.Fallback
}
