package analyzer

// stopWords are tokens with no descriptive value in a bio: function words
// plus generic quantifiers, time words, and filler adjectives.
var stopWords = map[string]bool{
	// function words
	"the": true, "and": true, "but": true, "for": true, "with": true,
	"was": true, "were": true, "are": true, "been": true, "being": true,
	"have": true, "has": true, "had": true, "does": true, "did": true,
	"you": true, "your": true, "our": true, "they": true, "them": true,
	"she": true, "his": true, "her": true, "its": true, "who": true,
	"this": true, "that": true, "these": true, "those": true,
	"what": true, "when": true, "where": true, "how": true, "why": true,
	"from": true, "into": true, "over": true, "under": true, "about": true,
	"than": true, "then": true, "there": true, "here": true,
	"will": true, "can": true, "not": true, "just": true,
	// quantifiers
	"all": true, "any": true, "some": true, "most": true, "more": true,
	"much": true, "many": true, "very": true,
	// time words
	"day": true, "days": true, "week": true, "weeks": true,
	"year": true, "years": true, "time": true, "now": true,
	// filler adjectives
	"good": true, "bad": true, "new": true, "old": true, "big": true,
}
