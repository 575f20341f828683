package model

// ChangeType classifies an item relative to the previous result
type ChangeType string

const (
	ChangeAdded     ChangeType = "added"
	ChangeRemoved   ChangeType = "removed"
	ChangeMoved     ChangeType = "moved"
	ChangeUnchanged ChangeType = "unchanged"
)

// CollectionItem is one extracted item of a named collection
type CollectionItem struct {
	Value     string `json:"value"`
	Type      string `json:"type"`
	Selector  string `json:"selector,omitempty"`
	Attribute string `json:"attribute,omitempty"`
}

// ItemKey is the identity of an item for change detection
type ItemKey struct {
	Value     string
	Type      string
	Selector  string
	Attribute string
}

// Key returns the identity tuple of the item
func (i CollectionItem) Key() ItemKey {
	return ItemKey{Value: i.Value, Type: i.Type, Selector: i.Selector, Attribute: i.Attribute}
}

// ItemWithChange annotates a current item with its change classification
type ItemWithChange struct {
	CollectionItem
	Change        ChangeType `json:"change"`
	CurrentIndex  int        `json:"current_index"`
	PreviousIndex int        `json:"previous_index"`
}
