// Package diff compares ordered item collections of two execution results.
package diff

import "github.com/t77yq/rulewatch/internal/model"

// Changes maps a collection name to its annotated current items
type Changes map[string][]model.ItemWithChange

// CompareItems annotates every item of current against previous.
//
// For the item at index i the first previous item with the same identity is
// looked up: no match means added, a match at i means unchanged, a match
// elsewhere means moved. Items only present in previous are not reported.
func CompareItems(current, previous []model.CollectionItem) []model.ItemWithChange {
	firstIndex := make(map[model.ItemKey]int, len(previous))
	for i := len(previous) - 1; i >= 0; i-- {
		firstIndex[previous[i].Key()] = i
	}

	out := make([]model.ItemWithChange, 0, len(current))
	for i, item := range current {
		annotated := model.ItemWithChange{
			CollectionItem: item,
			CurrentIndex:   i,
			PreviousIndex:  -1,
			Change:         model.ChangeAdded,
		}
		if j, ok := firstIndex[item.Key()]; ok {
			annotated.PreviousIndex = j
			if j == i {
				annotated.Change = model.ChangeUnchanged
			} else {
				annotated.Change = model.ChangeMoved
			}
		}
		out = append(out, annotated)
	}
	return out
}

// Compare annotates every collection of current against the collection of the
// same name in previous. A nil previous result, or one lacking the collection,
// makes every item of that collection added.
func Compare(current, previous *model.Result) Changes {
	changes := make(Changes)
	if current == nil {
		return changes
	}

	for name, items := range current.Collections {
		var prevItems []model.CollectionItem
		if previous != nil {
			prevItems = previous.Collections[name]
		}
		changes[name] = CompareItems(items, prevItems)
	}
	return changes
}

// AllUnchanged reports whether every item of every collection is unchanged
func (c Changes) AllUnchanged() bool {
	for _, items := range c {
		for _, item := range items {
			if item.Change != model.ChangeUnchanged {
				return false
			}
		}
	}
	return true
}

// NoAdditions reports whether no item of any collection is added
func (c Changes) NoAdditions() bool {
	return c.Count(model.ChangeAdded) == 0
}

// Count returns the number of items with the given classification
func (c Changes) Count(change model.ChangeType) int {
	n := 0
	for _, items := range c {
		for _, item := range items {
			if item.Change == change {
				n++
			}
		}
	}
	return n
}
