package revision

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Backend persists the serialized store as a single document.
type Backend interface {
	// Load returns the last stored document, or nil if nothing was ever stored.
	Load(ctx context.Context) ([]byte, error)
	// Store replaces the document atomically.
	Store(ctx context.Context, data []byte) error
}

// Store is the in-memory revision graph backed by a Backend.
//
// The mutex protects the graph only. Callers that resolve a cursor, wait on
// the network and then mutate through it must serialise that sequence
// themselves; mutations re-locate the target by id when its recorded
// position no longer matches.
type Store struct {
	mu      sync.RWMutex
	backend Backend
	recipes map[string]*Recipe
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used to stamp new revisions.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open loads the whole graph from backend.
func Open(ctx context.Context, backend Backend, opts ...Option) (*Store, error) {
	if backend == nil {
		return nil, errors.New("revision: backend required")
	}
	s := &Store{
		backend: backend,
		recipes: make(map[string]*Recipe),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}

	data, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load revision store: %w", err)
	}
	if len(data) == 0 {
		return s, nil
	}
	recipes, err := decodeDocument(data)
	if err != nil {
		return nil, err
	}
	for _, recipe := range recipes {
		s.recipes[recipe.Reference.String()] = recipe
	}
	return s, nil
}

// Save persists the whole graph. A failed save leaves the previous document in place.
func (s *Store) Save(ctx context.Context) error {
	s.mu.RLock()
	data, err := encodeDocument(s.recipes)
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	if err := s.backend.Store(ctx, data); err != nil {
		return fmt.Errorf("save revision store: %w", err)
	}
	return nil
}

// Checkpoint captures the current state of one recipe. The returned function
// restores it, discarding every change made to that recipe since. Callers use
// it to undo a mutation whose Save failed.
func (s *Store) Checkpoint(ref Reference) (restore func()) {
	key := ref.String()
	s.mu.RLock()
	saved, existed := s.recipes[key]
	if existed {
		saved = saved.clone()
	}
	s.mu.RUnlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if existed {
			s.recipes[key] = saved
		} else {
			delete(s.recipes, key)
		}
	}
}

// RecipeCursor addresses a recipe.
type RecipeCursor struct {
	Ref Reference
}

// PackageCursor addresses the revision group of one binary package.
type PackageCursor struct {
	Level Level
}

// RevisionCursor addresses one recipe or package revision. Revision is a copy
// taken at resolution time; Index is its position in the owning sequence.
type RevisionCursor struct {
	Level    Level
	Index    int
	Revision Revision
	Created  bool
}

func (s *Store) lockFor(mode Mode) func() {
	if mode.creates() {
		s.mu.Lock()
		return s.mu.Unlock
	}
	s.mu.RLock()
	return s.mu.RUnlock
}

// ResolveRecipe fails with ErrNotFound unless the recipe has revisions or mode is Create.
func (s *Store) ResolveRecipe(ref Reference, mode Mode) (RecipeCursor, error) {
	if err := ref.Validate(); err != nil {
		return RecipeCursor{}, err
	}
	unlock := s.lockFor(mode)
	defer unlock()

	if _, err := s.recipeLocked(ref, mode); err != nil {
		return RecipeCursor{}, err
	}
	return RecipeCursor{Ref: ref}, nil
}

func (s *Store) recipeLocked(ref Reference, mode Mode) (*Recipe, error) {
	recipe, ok := s.recipes[ref.String()]
	if ok && len(recipe.Revisions) > 0 {
		return recipe, nil
	}
	if !mode.creates() {
		return nil, fmt.Errorf("%w: recipe %s", ErrNotFound, ref)
	}
	if !ok {
		recipe = &Recipe{Reference: ref}
		s.recipes[ref.String()] = recipe
	}
	return recipe, nil
}

// ResolveRecipeRevision resolves rrev, or the latest revision when rrev is Latest.
// Under Create a missing revision is appended.
func (s *Store) ResolveRecipeRevision(ref Reference, rrev string, mode Mode) (RevisionCursor, error) {
	if err := ref.Validate(); err != nil {
		return RevisionCursor{}, err
	}
	if !IsLatest(rrev) {
		if err := ValidateID(rrev); err != nil {
			return RevisionCursor{}, err
		}
	}
	unlock := s.lockFor(mode)
	defer unlock()

	_, index, rev, created, err := s.recipeRevisionLocked(ref, rrev, mode)
	if err != nil {
		return RevisionCursor{}, err
	}
	return RevisionCursor{
		Level:    Level{Ref: ref, RecipeRevision: rev.ID},
		Index:    index,
		Revision: rev.Revision.clone(),
		Created:  created,
	}, nil
}

func (s *Store) recipeRevisionLocked(ref Reference, rrev string, mode Mode) (*Recipe, int, *RecipeRevision, bool, error) {
	recipe, err := s.recipeLocked(ref, mode)
	if err != nil {
		return nil, -1, nil, false, err
	}

	var index int
	if IsLatest(rrev) {
		index, err = LatestIndex(recipe.Revisions)
		rrev = DefaultRevision
	} else {
		index = position(recipe.Revisions, rrev, -1)
	}
	if err == nil && index >= 0 {
		return recipe, index, recipe.Revisions[index], false, nil
	}
	if !mode.creates() {
		return nil, -1, nil, false, fmt.Errorf("%w: recipe revision %s#%s", ErrNotFound, ref, rrev)
	}

	rev := &RecipeRevision{
		Revision: Revision{ID: rrev, Time: s.now(), Assets: map[string]Asset{}},
		Packages: map[string]*Package{},
	}
	recipe.Revisions = append(recipe.Revisions, rev)
	return recipe, len(recipe.Revisions) - 1, rev, true, nil
}

// ResolvePackage resolves the revision group of one binary package. Groups
// are only created through ResolvePackageRevision, so Create is rejected.
func (s *Store) ResolvePackage(ref Reference, rrev, pkg string, mode Mode) (PackageCursor, error) {
	if err := ValidateID(pkg); err != nil {
		return PackageCursor{}, err
	}
	if err := ref.Validate(); err != nil {
		return PackageCursor{}, err
	}
	if mode.creates() {
		return PackageCursor{}, fmt.Errorf("revision: resolve package %s: mode %s not supported", pkg, mode)
	}
	unlock := s.lockFor(mode)
	defer unlock()

	_, rrevID, _, err := s.packageLocked(ref, rrev, pkg, mode)
	if err != nil {
		return PackageCursor{}, err
	}
	return PackageCursor{Level: Level{Ref: ref, RecipeRevision: rrevID, Package: pkg}}, nil
}

func (s *Store) packageLocked(ref Reference, rrev, pkg string, mode Mode) (*RecipeRevision, string, *Package, error) {
	_, _, parent, _, err := s.recipeRevisionLocked(ref, rrev, mode)
	if err != nil {
		return nil, "", nil, err
	}
	group, ok := parent.Packages[pkg]
	if ok && len(group.Revisions) > 0 {
		return parent, parent.ID, group, nil
	}
	if !mode.creates() {
		return nil, "", nil, fmt.Errorf("%w: package %s#%s:%s", ErrNotFound, ref, parent.ID, pkg)
	}
	if !ok {
		if parent.Packages == nil {
			parent.Packages = map[string]*Package{}
		}
		group = &Package{ID: pkg}
		parent.Packages[pkg] = group
	}
	return parent, parent.ID, group, nil
}

// ResolvePackageRevision resolves prev (or the latest) of a binary package.
func (s *Store) ResolvePackageRevision(ref Reference, rrev, pkg, prev string, mode Mode) (RevisionCursor, error) {
	if err := ValidateID(pkg); err != nil {
		return RevisionCursor{}, err
	}
	if !IsLatest(prev) {
		if err := ValidateID(prev); err != nil {
			return RevisionCursor{}, err
		}
	}
	if err := ref.Validate(); err != nil {
		return RevisionCursor{}, err
	}
	unlock := s.lockFor(mode)
	defer unlock()

	_, rrevID, group, err := s.packageLocked(ref, rrev, pkg, mode)
	if err != nil {
		return RevisionCursor{}, err
	}

	var index int
	if IsLatest(prev) {
		index, err = LatestIndex(group.Revisions)
		prev = DefaultRevision
	} else {
		index = position(group.Revisions, prev, -1)
	}
	created := false
	if err != nil || index < 0 {
		if !mode.creates() {
			return RevisionCursor{}, fmt.Errorf("%w: package revision %s#%s:%s#%s", ErrNotFound, ref, rrevID, pkg, prev)
		}
		group.Revisions = append(group.Revisions, &Revision{ID: prev, Time: s.now(), Assets: map[string]Asset{}})
		index = len(group.Revisions) - 1
		created = true
	}

	rev := group.Revisions[index]
	return RevisionCursor{
		Level:    Level{Ref: ref, RecipeRevision: rrevID, Package: pkg, PackageRevision: rev.ID},
		Index:    index,
		Revision: rev.clone(),
		Created:  created,
	}, nil
}

// RecipeRevisions lists the revisions of a recipe, newest first.
func (s *Store) RecipeRevisions(ref Reference) ([]Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recipe, err := s.recipeLocked(ref, ReadOnly)
	if err != nil {
		return nil, err
	}
	infos := make([]Info, 0, len(recipe.Revisions))
	for _, rev := range recipe.Revisions {
		infos = append(infos, rev.Info())
	}
	slices.Reverse(infos)
	return infos, nil
}

// PackageRevisions lists the revisions of a binary package, newest first.
func (s *Store) PackageRevisions(cur PackageCursor) ([]Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, _, group, err := s.packageLocked(cur.Level.Ref, cur.Level.RecipeRevision, cur.Level.Package, ReadOnly)
	if err != nil {
		return nil, err
	}
	infos := make([]Info, 0, len(group.Revisions))
	for _, rev := range group.Revisions {
		infos = append(infos, rev.Info())
	}
	slices.Reverse(infos)
	return infos, nil
}

// PutAsset records an uploaded file on the revision addressed by cur.
func (s *Store) PutAsset(cur RevisionCursor, filename string, asset Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rev, err := s.revisionLocked(cur)
	if err != nil {
		return err
	}
	if rev.Assets == nil {
		rev.Assets = map[string]Asset{}
	}
	rev.Assets[filename] = asset
	return nil
}

// Revision returns a fresh copy of the revision addressed by cur.
func (s *Store) Revision(cur RevisionCursor) (Revision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rev, err := s.revisionLocked(cur)
	if err != nil {
		return Revision{}, err
	}
	return rev.clone(), nil
}

// Rollback drops nodes that cur created if they never received a file.
// It is used after a failed upload so the empty node is not saved later.
func (s *Store) Rollback(cur RevisionCursor) {
	if !cur.Created {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	level := cur.Level
	recipe, ok := s.recipes[level.Ref.String()]
	if !ok {
		return
	}
	rindex := position(recipe.Revisions, level.RecipeRevision, -1)
	if rindex < 0 {
		return
	}
	rrev := recipe.Revisions[rindex]
	if level.IsPackage() {
		if group, ok := rrev.Packages[level.Package]; ok {
			if i := position(group.Revisions, level.PackageRevision, cur.Index); i >= 0 && len(group.Revisions[i].Assets) == 0 {
				group.Revisions = slices.Delete(group.Revisions, i, i+1)
			}
			if len(group.Revisions) == 0 {
				delete(rrev.Packages, level.Package)
			}
		}
	}
	if len(rrev.Assets) == 0 && len(rrev.Packages) == 0 {
		recipe.Revisions = slices.Delete(recipe.Revisions, rindex, rindex+1)
	}
	if len(recipe.Revisions) == 0 {
		delete(s.recipes, level.Ref.String())
	}
}

func (s *Store) revisionLocked(cur RevisionCursor) (*Revision, error) {
	level := cur.Level
	recipe, ok := s.recipes[level.Ref.String()]
	if !ok {
		return nil, fmt.Errorf("%w: recipe %s", ErrNotFound, level.Ref)
	}
	hint := -1
	if !level.IsPackage() {
		hint = cur.Index
	}
	rindex := position(recipe.Revisions, level.RecipeRevision, hint)
	if rindex < 0 {
		return nil, fmt.Errorf("%w: recipe revision %s", ErrNotFound, level)
	}
	rrev := recipe.Revisions[rindex]
	if !level.IsPackage() {
		return &rrev.Revision, nil
	}
	group, ok := rrev.Packages[level.Package]
	if !ok {
		return nil, fmt.Errorf("%w: package %s", ErrNotFound, level)
	}
	pindex := position(group.Revisions, level.PackageRevision, cur.Index)
	if pindex < 0 {
		return nil, fmt.Errorf("%w: package revision %s", ErrNotFound, level)
	}
	return group.Revisions[pindex], nil
}
