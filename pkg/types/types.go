// Package types defines the core data structures of the Recall memory system:
// conversation records, their session cache projection, emotion metadata and
// the user state documents carried through sync.
package types

// Role identifies who authored a message.
type Role string

// RecordKind distinguishes regular messages from control records.
type RecordKind string

// EmotionCategory is the coarse polarity of an emotion.
type EmotionCategory string

// ContentFormat versions the storage representation of record content.
type ContentFormat int

// Role constants
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Record kind constants
const (
	// KindMessage is a regular conversational message (default).
	KindMessage RecordKind = "message"

	// KindControl marks bookkeeping records whose content may be empty.
	KindControl RecordKind = "control"
)

// Emotion category constants
const (
	EmotionPositive EmotionCategory = "positive"
	EmotionNeutral  EmotionCategory = "neutral"
	EmotionNegative EmotionCategory = "negative"
)

// Content format constants
const (
	// ContentFormatLegacy marks rows written before formats were versioned.
	// Their content may be an encoded payload and is decoded heuristically on read.
	ContentFormatLegacy ContentFormat = 0

	// ContentFormatPlain is plain UTF-8 text. All new writes use it.
	ContentFormatPlain ContentFormat = 1
)

// Milestone categories recognised by the importance engine.
const (
	CategoryFirst       = "first"
	CategoryConfession  = "confession"
	CategoryMilestone   = "milestone"
	CategoryAnniversary = "anniversary"
	CategoryPromise     = "promise"
)

// MilestoneCategories lists every category that earns an importance bonus.
var MilestoneCategories = []string{
	CategoryFirst,
	CategoryConfession,
	CategoryMilestone,
	CategoryAnniversary,
	CategoryPromise,
}

// IsMilestoneCategory reports whether category is one of MilestoneCategories.
func IsMilestoneCategory(category string) bool {
	for _, c := range MilestoneCategories {
		if c == category {
			return true
		}
	}
	return false
}

// IsValid reports whether r is a known role.
func (r Role) IsValid() bool {
	return r == RoleUser || r == RoleAssistant
}

// IsValid reports whether c is a known emotion category.
func (c EmotionCategory) IsValid() bool {
	switch c {
	case EmotionPositive, EmotionNeutral, EmotionNegative:
		return true
	}
	return false
}
