package curriculum

// Deck is one scope of review cards loaded from YAML. Decks form a tree via
// ParentID; a parent deck covers the cards of all its descendants.
type Deck struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	ParentID string `yaml:"parent_id"`
	Position int    `yaml:"position"`
	Language string `yaml:"language"`
	Cards    []Card `yaml:"cards"`
}

// Card is a base-language question/answer pair. Cards may be listed in
// several decks under the same ID.
type Card struct {
	ID       string `yaml:"id"`
	Question string `yaml:"question"`
	Answer   string `yaml:"answer"`
	Manual   bool   `yaml:"manual"`
}
