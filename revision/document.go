package revision

import (
	"encoding/json"
	"fmt"
	"sort"
)

const documentVersion = 1

type document struct {
	Version int       `json:"version"`
	Recipes []*Recipe `json:"recipes"`
}

func encodeDocument(recipes map[string]*Recipe) ([]byte, error) {
	keys := make([]string, 0, len(recipes))
	for key := range recipes {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	doc := document{Version: documentVersion, Recipes: make([]*Recipe, 0, len(keys))}
	for _, key := range keys {
		doc.Recipes = append(doc.Recipes, recipes[key])
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode revision store: %w", err)
	}
	return data, nil
}

func decodeDocument(data []byte) ([]*Recipe, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode revision store: %w", err)
	}
	if doc.Version != documentVersion {
		return nil, fmt.Errorf("decode revision store: unsupported document version %d", doc.Version)
	}
	for _, recipe := range doc.Recipes {
		if recipe == nil {
			return nil, fmt.Errorf("decode revision store: null recipe")
		}
		for _, rrev := range recipe.Revisions {
			if rrev == nil {
				return nil, fmt.Errorf("decode revision store: null revision in %s", recipe.Reference)
			}
			if rrev.Assets == nil {
				rrev.Assets = map[string]Asset{}
			}
			if rrev.Packages == nil {
				rrev.Packages = map[string]*Package{}
			}
			for id, group := range rrev.Packages {
				if group == nil {
					return nil, fmt.Errorf("decode revision store: null package %s in %s#%s", id, recipe.Reference, rrev.ID)
				}
				if group.ID == "" {
					group.ID = id
				}
				for _, prev := range group.Revisions {
					if prev == nil {
						return nil, fmt.Errorf("decode revision store: null package revision in %s#%s:%s", recipe.Reference, rrev.ID, id)
					}
					if prev.Assets == nil {
						prev.Assets = map[string]Asset{}
					}
				}
			}
		}
	}
	return doc.Recipes, nil
}
