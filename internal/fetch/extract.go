package fetch

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html/charset"

	"github.com/t77yq/rulewatch/internal/model"
)

const (
	defaultItemType = "text"

	// ExtractionTypeRegex selects raw-body regular expression matching instead
	// of CSS selection. The value is the capture group named by the
	// attribute, else the first capture group, else the whole match.
	ExtractionTypeRegex = "regex"
)

// ValidateExtraction reports whether the extraction's selector compiles
func ValidateExtraction(ext model.Extraction) error {
	if ext.Type == ExtractionTypeRegex {
		_, _, err := compileRegex(ext)
		return err
	}
	_, err := cascadia.Compile(ext.Selector)
	if err != nil {
		return fmt.Errorf("invalid selector: %w", err)
	}
	return nil
}

// Extract applies every extraction of the task to an HTML body. Selectors are
// CSS selectors; an item's value is the named attribute of the matched
// element, or its normalized text when no attribute is given.
func Extract(body []byte, contentType string, extractions map[string]model.Extraction) (*model.FetchResult, error) {
	result := &model.FetchResult{
		Collections: make(map[string][]model.CollectionItem, len(extractions)),
	}

	doc, err := parseDocument(body, contentType)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(extractions))
	for name := range extractions {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ext := extractions[name]

		var items []model.CollectionItem
		if ext.Type == ExtractionTypeRegex {
			items, err = extractRegex(body, ext)
		} else {
			items, err = extractSelection(doc, ext)
		}
		if err != nil {
			return nil, fmt.Errorf("collection %q: %w", name, err)
		}
		result.Collections[name] = items
		result.MatchCount += len(items)
	}

	result.Matched = result.MatchCount > 0
	return result, nil
}

func parseDocument(body []byte, contentType string) (*goquery.Document, error) {
	encoding, _, _ := charset.DetermineEncoding(body, contentType)
	utf8Body, err := encoding.NewDecoder().Bytes(body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode response body: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(utf8Body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}
	return doc, nil
}

func extractSelection(doc *goquery.Document, ext model.Extraction) ([]model.CollectionItem, error) {
	matcher, err := cascadia.Compile(ext.Selector)
	if err != nil {
		return nil, fmt.Errorf("invalid selector: %w", err)
	}

	itemType := ext.Type
	if itemType == "" {
		itemType = defaultItemType
	}

	items := make([]model.CollectionItem, 0)
	doc.FindMatcher(matcher).Each(func(_ int, s *goquery.Selection) {
		var value string
		if ext.Attribute != "" {
			attr, ok := s.Attr(ext.Attribute)
			if !ok {
				return
			}
			value = strings.TrimSpace(attr)
		} else {
			value = strings.Join(strings.Fields(s.Text()), " ")
		}
		if value == "" {
			return
		}
		items = append(items, model.CollectionItem{
			Value:     value,
			Type:      itemType,
			Selector:  ext.Selector,
			Attribute: ext.Attribute,
		})
	})
	return items, nil
}

func compileRegex(ext model.Extraction) (*regexp.Regexp, int, error) {
	re, err := regexp.Compile(ext.Selector)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid selector: %w", err)
	}

	group := 0
	if ext.Attribute != "" {
		group = re.SubexpIndex(ext.Attribute)
		if group < 0 {
			return nil, 0, fmt.Errorf("selector has no capture group %q", ext.Attribute)
		}
	} else if re.NumSubexp() > 0 {
		group = 1
	}
	return re, group, nil
}

func extractRegex(body []byte, ext model.Extraction) ([]model.CollectionItem, error) {
	re, group, err := compileRegex(ext)
	if err != nil {
		return nil, err
	}

	matches := re.FindAllSubmatch(body, -1)
	items := make([]model.CollectionItem, 0, len(matches))
	for _, m := range matches {
		value := strings.TrimSpace(string(m[group]))
		if value == "" {
			continue
		}
		items = append(items, model.CollectionItem{
			Value:     value,
			Type:      ExtractionTypeRegex,
			Selector:  ext.Selector,
			Attribute: ext.Attribute,
		})
	}
	return items, nil
}
