package revision

import (
	"errors"
	"fmt"
	"maps"
	"regexp"
	"strings"
	"time"

	packageurl "github.com/package-url/packageurl-go"
)

var (
	// ErrNotFound is returned when a path does not resolve under ReadOnly or ReadWrite.
	ErrNotFound = errors.New("revision: not found")
	// ErrEmpty is returned when latest is requested on a node without revisions.
	ErrEmpty = errors.New("revision: no revisions")
	// ErrInvalidID is returned for revision or binary ids that cannot be stored.
	ErrInvalidID = errors.New("revision: invalid id")
)

// Latest requests the most recent revision instead of an explicit id.
const Latest = "latest"

// DefaultRevision is the id given to a revision created without an explicit id.
const DefaultRevision = "0"

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// IsLatest reports whether id asks for the latest revision.
func IsLatest(id string) bool {
	return id == "" || id == Latest
}

// ValidateID checks that a revision or binary id is safe to embed in asset names.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// Reference identifies a recipe irrespective of revision.
type Reference struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	User    string `json:"user"`
	Channel string `json:"channel"`
}

func (r Reference) String() string {
	return fmt.Sprintf("%s/%s@%s/%s", r.Name, r.Version, r.User, r.Channel)
}

// Validate rejects references with empty or path-breaking components.
func (r Reference) Validate() error {
	for _, part := range []string{r.Name, r.Version, r.User, r.Channel} {
		if part == "" || strings.ContainsAny(part, "/@ ") {
			return fmt.Errorf("%w: reference %q", ErrInvalidID, r.String())
		}
	}
	return nil
}

// PURL renders the reference as a conan Package URL.
func (r Reference) PURL() string {
	qualifiers := packageurl.QualifiersFromMap(map[string]string{
		"user":    r.User,
		"channel": r.Channel,
	})
	return packageurl.NewPackageURL(packageurl.TypeConan, "", r.Name, r.Version, qualifiers, "").ToString()
}

// Asset is one uploaded file as recorded locally.
type Asset struct {
	MD5 string `json:"md5"`
	URL string `json:"url"`
}

// Revision is an immutable snapshot of files at one level.
type Revision struct {
	ID     string           `json:"id"`
	Time   time.Time        `json:"time"`
	Assets map[string]Asset `json:"assets"`
}

func (r Revision) Timestamp() time.Time { return r.Time }

func (r Revision) revisionID() string { return r.ID }

func (r Revision) clone() Revision {
	out := r
	out.Assets = maps.Clone(r.Assets)
	if out.Assets == nil {
		out.Assets = map[string]Asset{}
	}
	return out
}

// Info is the public view of a revision.
func (r Revision) Info() Info {
	return Info{ID: r.ID, Time: r.Time}
}

// RecipeRevision owns the export files and the binary packages built from them.
type RecipeRevision struct {
	Revision
	Packages map[string]*Package `json:"packages"`
}

// Package groups the revisions of one binary configuration.
type Package struct {
	ID        string      `json:"id"`
	Revisions []*Revision `json:"revisions"`
}

// Recipe owns its revisions in insertion order.
type Recipe struct {
	Reference Reference         `json:"reference"`
	Revisions []*RecipeRevision `json:"revisions"`
}

func (r *Recipe) clone() *Recipe {
	out := &Recipe{Reference: r.Reference, Revisions: make([]*RecipeRevision, 0, len(r.Revisions))}
	for _, rrev := range r.Revisions {
		packages := make(map[string]*Package, len(rrev.Packages))
		for id, group := range rrev.Packages {
			revisions := make([]*Revision, 0, len(group.Revisions))
			for _, prev := range group.Revisions {
				copied := prev.clone()
				revisions = append(revisions, &copied)
			}
			packages[id] = &Package{ID: group.ID, Revisions: revisions}
		}
		out.Revisions = append(out.Revisions, &RecipeRevision{Revision: rrev.Revision.clone(), Packages: packages})
	}
	return out
}

// Info is a revision id with its creation time.
type Info struct {
	ID   string    `json:"revision"`
	Time time.Time `json:"time"`
}

// Level is the full path of a revision node. Package is empty for the
// export level of a recipe revision.
type Level struct {
	Ref             Reference
	RecipeRevision  string
	Package         string
	PackageRevision string
}

func (l Level) IsPackage() bool {
	return l.Package != ""
}

// Kind is "export" or "package".
func (l Level) Kind() string {
	if l.IsPackage() {
		return "package"
	}
	return "export"
}

func (l Level) String() string {
	if l.IsPackage() {
		return fmt.Sprintf("%s#%s:%s#%s", l.Ref, l.RecipeRevision, l.Package, l.PackageRevision)
	}
	return fmt.Sprintf("%s#%s", l.Ref, l.RecipeRevision)
}
