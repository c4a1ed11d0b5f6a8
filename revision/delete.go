package revision

import (
	"fmt"
	"slices"
	"sort"
)

// Removal is a planned deletion. Levels lists every revision level whose
// remote files must be deleted; the local graph is only spliced by Commit,
// which callers invoke after issuing the remote deletions and before Save.
type Removal struct {
	Levels []Level

	store  *Store
	splice func() error
	done   bool
}

// Commit removes the planned nodes from the in-memory graph.
func (r *Removal) Commit() error {
	if r == nil || r.done {
		return nil
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if err := r.splice(); err != nil {
		return err
	}
	r.done = true
	return nil
}

// DeleteRecipe plans removal of every revision of a recipe.
func (s *Store) DeleteRecipe(cur RecipeCursor) (*Removal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recipe, err := s.recipeLocked(cur.Ref, ReadWrite)
	if err != nil {
		return nil, err
	}
	var levels []Level
	for _, rrev := range recipe.Revisions {
		levels = append(levels, recipeRevisionLevels(cur.Ref, rrev)...)
	}
	key := cur.Ref.String()
	return &Removal{
		Levels: levels,
		store:  s,
		splice: func() error {
			delete(s.recipes, key)
			return nil
		},
	}, nil
}

// DeleteRecipeRevision plans removal of one recipe revision and all of its packages.
func (s *Store) DeleteRecipeRevision(cur RevisionCursor) (*Removal, error) {
	if cur.Level.IsPackage() {
		return nil, fmt.Errorf("delete recipe revision: cursor addresses package %s", cur.Level)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rrev, err := s.recipeRevisionAt(cur)
	if err != nil {
		return nil, err
	}
	return &Removal{
		Levels: recipeRevisionLevels(cur.Level.Ref, rrev),
		store:  s,
		splice: func() error {
			recipe, ok := s.recipes[cur.Level.Ref.String()]
			if !ok {
				return fmt.Errorf("%w: recipe %s", ErrNotFound, cur.Level.Ref)
			}
			i := position(recipe.Revisions, cur.Level.RecipeRevision, cur.Index)
			if i < 0 {
				return fmt.Errorf("%w: recipe revision %s", ErrNotFound, cur.Level)
			}
			recipe.Revisions = slices.Delete(recipe.Revisions, i, i+1)
			return nil
		},
	}, nil
}

// DeletePackages plans removal of the named binary packages of a recipe
// revision, or of all of them when ids is empty.
func (s *Store) DeletePackages(cur RevisionCursor, ids []string) (*Removal, error) {
	if cur.Level.IsPackage() {
		return nil, fmt.Errorf("delete packages: cursor addresses package %s", cur.Level)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rrev, err := s.recipeRevisionAt(cur)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		for id := range rrev.Packages {
			ids = append(ids, id)
		}
		sort.Strings(ids)
	}
	var levels []Level
	for _, id := range ids {
		group, ok := rrev.Packages[id]
		if !ok {
			return nil, fmt.Errorf("%w: package %s#%s:%s", ErrNotFound, cur.Level.Ref, rrev.ID, id)
		}
		levels = append(levels, packageLevels(cur.Level.Ref, rrev.ID, group)...)
	}
	return &Removal{
		Levels: levels,
		store:  s,
		splice: func() error {
			rrev, err := s.recipeRevisionAt(cur)
			if err != nil {
				return err
			}
			for _, id := range ids {
				delete(rrev.Packages, id)
			}
			return nil
		},
	}, nil
}

// DeletePackage plans removal of every revision of one binary package.
func (s *Store) DeletePackage(cur PackageCursor) (*Removal, error) {
	rcur := RevisionCursor{Level: Level{Ref: cur.Level.Ref, RecipeRevision: cur.Level.RecipeRevision}, Index: -1}
	return s.DeletePackages(rcur, []string{cur.Level.Package})
}

// DeletePackageRevision plans removal of one package revision.
func (s *Store) DeletePackageRevision(cur RevisionCursor) (*Removal, error) {
	if !cur.Level.IsPackage() {
		return nil, fmt.Errorf("delete package revision: cursor addresses recipe revision %s", cur.Level)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.revisionLocked(cur); err != nil {
		return nil, err
	}
	return &Removal{
		Levels: []Level{cur.Level},
		store:  s,
		splice: func() error {
			rrev, err := s.recipeRevisionAt(RevisionCursor{Level: Level{Ref: cur.Level.Ref, RecipeRevision: cur.Level.RecipeRevision}, Index: -1})
			if err != nil {
				return err
			}
			group, ok := rrev.Packages[cur.Level.Package]
			if !ok {
				return fmt.Errorf("%w: package %s", ErrNotFound, cur.Level)
			}
			i := position(group.Revisions, cur.Level.PackageRevision, cur.Index)
			if i < 0 {
				return fmt.Errorf("%w: package revision %s", ErrNotFound, cur.Level)
			}
			group.Revisions = slices.Delete(group.Revisions, i, i+1)
			if len(group.Revisions) == 0 {
				delete(rrev.Packages, cur.Level.Package)
			}
			return nil
		},
	}, nil
}

func (s *Store) recipeRevisionAt(cur RevisionCursor) (*RecipeRevision, error) {
	recipe, ok := s.recipes[cur.Level.Ref.String()]
	if !ok {
		return nil, fmt.Errorf("%w: recipe %s", ErrNotFound, cur.Level.Ref)
	}
	i := position(recipe.Revisions, cur.Level.RecipeRevision, cur.Index)
	if i < 0 {
		return nil, fmt.Errorf("%w: recipe revision %s#%s", ErrNotFound, cur.Level.Ref, cur.Level.RecipeRevision)
	}
	return recipe.Revisions[i], nil
}

func recipeRevisionLevels(ref Reference, rrev *RecipeRevision) []Level {
	levels := []Level{{Ref: ref, RecipeRevision: rrev.ID}}
	ids := make([]string, 0, len(rrev.Packages))
	for id := range rrev.Packages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		levels = append(levels, packageLevels(ref, rrev.ID, rrev.Packages[id])...)
	}
	return levels
}

func packageLevels(ref Reference, rrevID string, group *Package) []Level {
	levels := make([]Level, 0, len(group.Revisions))
	for _, prev := range group.Revisions {
		levels = append(levels, Level{Ref: ref, RecipeRevision: rrevID, Package: group.ID, PackageRevision: prev.ID})
	}
	return levels
}
