// Package adapter serves the Conan protocol on top of the revision store and
// the release reconciler.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/izavyalov-dev/redirectory/captoken"
	"github.com/izavyalov-dev/redirectory/internal/observability"
	"github.com/izavyalov-dev/redirectory/internal/vcs/github"
	"github.com/izavyalov-dev/redirectory/reconcile"
	"github.com/izavyalov-dev/redirectory/revision"
)

var (
	// ErrUnauthorized is returned when GitHub rejects the presented token.
	ErrUnauthorized = errors.New("invalid github token")
	// ErrInvalidRequest is returned for malformed request bodies or filenames.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrPersist wraps failures to save the revision store.
	ErrPersist = errors.New("persist revision store")
)

// GitHub is the per-token client the service drives.
type GitHub interface {
	reconcile.Releases
	GetAuthenticatedUser(ctx context.Context) (github.User, error)
}

// ClientFactory returns a client authenticated with token.
type ClientFactory func(token string) GitHub

// GitHubClients adapts a shared client into a ClientFactory.
func GitHubClients(client *github.Client) ClientFactory {
	return func(token string) GitHub {
		return client.WithToken(token)
	}
}

// Service implements the Conan operations.
type Service struct {
	store   *revision.Store
	clients ClientFactory
	issuer  *captoken.Issuer
	logger  *slog.Logger
	metrics *observability.Metrics
	locks   *keyedMutex

	reconcileOpts []reconcile.Option
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Service) {
		s.metrics = metrics
	}
}

// WithReconcileOptions passes options to every reconciler the service creates.
func WithReconcileOptions(opts ...reconcile.Option) Option {
	return func(s *Service) {
		s.reconcileOpts = append(s.reconcileOpts, opts...)
	}
}

func NewService(store *revision.Store, clients ClientFactory, issuer *captoken.Issuer, opts ...Option) *Service {
	s := &Service{
		store:   store,
		clients: clients,
		issuer:  issuer,
		logger:  observability.NewLogger("adapter"),
		locks:   newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.reconcileOpts = append([]reconcile.Option{reconcile.WithLogger(s.logger), reconcile.WithMetrics(s.metrics)}, s.reconcileOpts...)
	return s
}

func (s *Service) reconciler(creds Credentials) *reconcile.Reconciler {
	return reconcile.New(s.clients(creds.Token), s.reconcileOpts...)
}

// CheckCredentials confirms the token with GitHub and returns the login the
// client claims. A mismatch between the two is logged, not rejected.
func (s *Service) CheckCredentials(ctx context.Context, creds Credentials) (string, error) {
	user, err := s.clients(creds.Token).GetAuthenticatedUser(ctx)
	if err != nil {
		var apiErr *github.APIError
		if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden) {
			return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return "", &reconcile.RemoteError{Op: "get_user", Err: err}
	}
	if user.Login != creds.User {
		observability.WithUser(s.logger, creds.User).Warn("bearer user does not match token owner", "event", "credentials_user_mismatch", "login_hash", observability.HashValue(user.Login))
	}
	return creds.User, nil
}

// RecipeLatest returns the newest recipe revision.
func (s *Service) RecipeLatest(ctx context.Context, ref revision.Reference) (revision.Info, error) {
	if _, err := reconcile.TargetFor(ref); err != nil {
		return revision.Info{}, err
	}
	cur, err := s.store.ResolveRecipeRevision(ref, revision.Latest, revision.ReadOnly)
	if err != nil {
		return revision.Info{}, err
	}
	return cur.Revision.Info(), nil
}

// RecipeRevisions lists recipe revisions, newest first.
func (s *Service) RecipeRevisions(ctx context.Context, ref revision.Reference) ([]revision.Info, error) {
	if _, err := reconcile.TargetFor(ref); err != nil {
		return nil, err
	}
	return s.store.RecipeRevisions(ref)
}

// PackageLatest returns the newest revision of a binary package.
func (s *Service) PackageLatest(ctx context.Context, ref revision.Reference, rrev, pkg string) (revision.Info, error) {
	if _, err := reconcile.TargetFor(ref); err != nil {
		return revision.Info{}, err
	}
	cur, err := s.store.ResolvePackageRevision(ref, rrev, pkg, revision.Latest, revision.ReadOnly)
	if err != nil {
		return revision.Info{}, err
	}
	return cur.Revision.Info(), nil
}

// PackageRevisions lists the revisions of a binary package, newest first.
func (s *Service) PackageRevisions(ctx context.Context, ref revision.Reference, rrev, pkg string) ([]revision.Info, error) {
	if _, err := reconcile.TargetFor(ref); err != nil {
		return nil, err
	}
	cur, err := s.store.ResolvePackage(ref, rrev, pkg, revision.ReadOnly)
	if err != nil {
		return nil, err
	}
	return s.store.PackageRevisions(cur)
}

// Files lists the files recorded at level. Latest is accepted for either revision.
func (s *Service) Files(ctx context.Context, level revision.Level) (map[string]revision.Asset, error) {
	if _, err := reconcile.TargetFor(level.Ref); err != nil {
		return nil, err
	}
	rev, err := s.revisionAt(level)
	if err != nil {
		return nil, err
	}
	return rev.Assets, nil
}

// FileSums returns filename to MD5 for the latest recipe revision, or for the
// latest revision of pkg within it when pkg is set.
func (s *Service) FileSums(ctx context.Context, ref revision.Reference, pkg string) (map[string]string, error) {
	files, err := s.Files(ctx, latestLevel(ref, pkg))
	if err != nil {
		return nil, err
	}
	sums := make(map[string]string, len(files))
	for name, asset := range files {
		sums[name] = asset.MD5
	}
	return sums, nil
}

// DownloadURLs returns filename to permanent download URL, scoped like FileSums.
func (s *Service) DownloadURLs(ctx context.Context, ref revision.Reference, pkg string) (map[string]string, error) {
	files, err := s.Files(ctx, latestLevel(ref, pkg))
	if err != nil {
		return nil, err
	}
	urls := make(map[string]string, len(files))
	for name, asset := range files {
		urls[name] = asset.URL
	}
	return urls, nil
}

func latestLevel(ref revision.Reference, pkg string) revision.Level {
	level := revision.Level{Ref: ref, RecipeRevision: revision.Latest}
	if pkg != "" {
		level.Package = pkg
		level.PackageRevision = revision.Latest
	}
	return level
}

// FileURL returns where to redirect a download of filename at level.
func (s *Service) FileURL(ctx context.Context, level revision.Level, filename string) (string, error) {
	files, err := s.Files(ctx, level)
	if err != nil {
		return "", err
	}
	asset, ok := files[filename]
	if !ok {
		return "", fmt.Errorf("%w: file %s at %s", revision.ErrNotFound, filename, level)
	}
	if asset.URL != "" {
		return asset.URL, nil
	}
	target, err := reconcile.TargetFor(level.Ref)
	if err != nil {
		return "", err
	}
	rev, err := s.revisionAt(level)
	if err != nil {
		return "", err
	}
	resolved := level
	if level.IsPackage() {
		resolved.PackageRevision = rev.ID
	} else {
		resolved.RecipeRevision = rev.ID
	}
	return s.reconciler(Credentials{}).DownloadURL(reconcile.Release{Target: target}, resolved, filename), nil
}

func (s *Service) revisionAt(level revision.Level) (revision.Revision, error) {
	cur, err := s.resolve(level, revision.ReadOnly)
	if err != nil {
		return revision.Revision{}, err
	}
	return s.store.Revision(cur)
}

func (s *Service) resolve(level revision.Level, mode revision.Mode) (revision.RevisionCursor, error) {
	if level.IsPackage() {
		return s.store.ResolvePackageRevision(level.Ref, level.RecipeRevision, level.Package, level.PackageRevision, mode)
	}
	return s.store.ResolveRecipeRevision(level.Ref, level.RecipeRevision, mode)
}

// UploadURLs signs one v1 upload URL per file. v1 clients always upload to
// revision "0". The returned URLs carry the bearer credential and must be
// treated as secrets.
func (s *Service) UploadURLs(ctx context.Context, creds Credentials, baseURL string, ref revision.Reference, pkg string, files map[string]int64) (map[string]string, error) {
	if _, err := reconcile.TargetFor(ref); err != nil {
		return nil, err
	}
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	if pkg != "" {
		if err := revision.ValidateID(pkg); err != nil {
			return nil, err
		}
	}
	level := revision.Level{Ref: ref, RecipeRevision: revision.DefaultRevision}
	if pkg != "" {
		level.Package = pkg
		level.PackageRevision = revision.DefaultRevision
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	base := strings.TrimRight(baseURL, "/")
	urls := make(map[string]string, len(files))
	for _, name := range names {
		size := files[name]
		if err := ValidateFilename(name); err != nil {
			return nil, err
		}
		if size < 0 {
			return nil, fmt.Errorf("%w: negative size for %s", ErrInvalidRequest, name)
		}
		resourcePath := ResourcePath(level, name)
		token, err := s.issuer.Issue(resourcePath, creds.User, size)
		if err != nil {
			return nil, err
		}
		query := url.Values{}
		query.Set("signature", token)
		query.Set("user", creds.User)
		query.Set("auth", creds.Token)
		urls[name] = base + "/v1/files/" + escapePath(resourcePath) + "?" + query.Encode()
	}
	return urls, nil
}

// ResourcePath is the path below /v1/files/ that addresses filename at level.
func ResourcePath(level revision.Level, filename string) string {
	ref := level.Ref
	parts := []string{ref.Name, ref.Version, ref.User, ref.Channel, level.RecipeRevision}
	if level.IsPackage() {
		parts = append(parts, "package", level.Package, level.PackageRevision)
	} else {
		parts = append(parts, "export")
	}
	return strings.Join(append(parts, filename), "/")
}

func escapePath(p string) string {
	segments := strings.Split(p, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return strings.Join(segments, "/")
}

// ValidateFilename rejects names that cannot be a single asset name.
func ValidateFilename(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("%w: filename %q", ErrInvalidRequest, name)
	}
	return nil
}

// PutFile uploads one file to level, creating the release and revisions as
// needed, and records it once the upload succeeded.
func (s *Service) PutFile(ctx context.Context, creds Credentials, level revision.Level, filename string, body io.Reader, size int64) error {
	if err := ValidateFilename(filename); err != nil {
		return err
	}
	target, err := reconcile.TargetFor(level.Ref)
	if err != nil {
		return err
	}
	unlock := s.locks.Lock(level.Ref.String())
	defer unlock()

	restore := s.store.Checkpoint(level.Ref)
	cur, err := s.resolve(level, revision.Create)
	if err != nil {
		return err
	}
	logger := observability.WithReference(s.logger, cur.Level.String())

	rec := s.reconciler(creds)
	release, err := rec.GetRelease(ctx, target, revision.Create)
	if err != nil {
		s.store.Rollback(cur)
		return err
	}
	uploaded, err := rec.PutFile(ctx, release, cur.Level, filename, body, size)
	if err != nil {
		s.store.Rollback(cur)
		logger.Warn("upload failed", "event", "upload_failed", "file", filename, "error", err)
		return err
	}

	if err := s.store.PutAsset(cur, filename, revision.Asset{MD5: uploaded.MD5, URL: uploaded.URL}); err != nil {
		return err
	}
	if err := s.save(ctx); err != nil {
		restore()
		return err
	}
	logger.Info("file uploaded", "event", "file_uploaded", "file", filename, "size", size, "md5", uploaded.MD5)
	return nil
}

// DeleteRecipe removes every revision of ref and its remote files.
func (s *Service) DeleteRecipe(ctx context.Context, creds Credentials, ref revision.Reference) error {
	unlock := s.locks.Lock(ref.String())
	defer unlock()

	cur, err := s.store.ResolveRecipe(ref, revision.ReadWrite)
	if err != nil {
		return err
	}
	removal, err := s.store.DeleteRecipe(cur)
	if err != nil {
		return err
	}
	return s.remove(ctx, creds, ref, removal)
}

// DeleteRecipeRevision removes one recipe revision, its packages and their remote files.
func (s *Service) DeleteRecipeRevision(ctx context.Context, creds Credentials, ref revision.Reference, rrev string) error {
	unlock := s.locks.Lock(ref.String())
	defer unlock()

	cur, err := s.store.ResolveRecipeRevision(ref, rrev, revision.ReadWrite)
	if err != nil {
		return err
	}
	removal, err := s.store.DeleteRecipeRevision(cur)
	if err != nil {
		return err
	}
	return s.remove(ctx, creds, ref, removal)
}

// DeletePackages removes the named binary packages of rrev, or all of them
// when ids is empty.
func (s *Service) DeletePackages(ctx context.Context, creds Credentials, ref revision.Reference, rrev string, ids []string) error {
	unlock := s.locks.Lock(ref.String())
	defer unlock()

	cur, err := s.store.ResolveRecipeRevision(ref, rrev, revision.ReadWrite)
	if err != nil {
		return err
	}
	removal, err := s.store.DeletePackages(cur, ids)
	if err != nil {
		return err
	}
	return s.remove(ctx, creds, ref, removal)
}

// DeletePackage removes every revision of one binary package.
func (s *Service) DeletePackage(ctx context.Context, creds Credentials, ref revision.Reference, rrev, pkg string) error {
	unlock := s.locks.Lock(ref.String())
	defer unlock()

	cur, err := s.store.ResolvePackage(ref, rrev, pkg, revision.ReadWrite)
	if err != nil {
		return err
	}
	removal, err := s.store.DeletePackage(cur)
	if err != nil {
		return err
	}
	return s.remove(ctx, creds, ref, removal)
}

// DeletePackageRevision removes one package revision and its remote files.
func (s *Service) DeletePackageRevision(ctx context.Context, creds Credentials, ref revision.Reference, rrev, pkg, prev string) error {
	unlock := s.locks.Lock(ref.String())
	defer unlock()

	cur, err := s.store.ResolvePackageRevision(ref, rrev, pkg, prev, revision.ReadWrite)
	if err != nil {
		return err
	}
	removal, err := s.store.DeletePackageRevision(cur)
	if err != nil {
		return err
	}
	return s.remove(ctx, creds, ref, removal)
}

// remove deletes the remote files of removal, then splices and saves.
// A missing release means nothing was ever uploaded for these levels.
// When the save fails the splice is undone, so readers keep seeing the
// saved graph even though the remote files are gone.
func (s *Service) remove(ctx context.Context, creds Credentials, ref revision.Reference, removal *revision.Removal) error {
	target, err := reconcile.TargetFor(ref)
	if err != nil {
		return err
	}
	rec := s.reconciler(creds)
	release, err := rec.GetRelease(ctx, target, revision.ReadWrite)
	switch {
	case errors.Is(err, reconcile.ErrReleaseNotFound):
	case err != nil:
		return err
	default:
		if _, err := rec.PurgeLevels(ctx, release, removal.Levels); err != nil {
			return err
		}
	}

	restore := s.store.Checkpoint(ref)
	if err := removal.Commit(); err != nil {
		return err
	}
	if err := s.save(ctx); err != nil {
		restore()
		return err
	}
	observability.WithReference(s.logger, ref.String()).Info("revisions deleted", "event", "revisions_deleted", "levels", len(removal.Levels))
	return nil
}

func (s *Service) save(ctx context.Context) error {
	if err := s.store.Save(ctx); err != nil {
		s.metrics.IncSave("failed")
		s.logger.Error("save failed", "event", "store_save_failed", "error", err)
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	s.metrics.IncSave("ok")
	return nil
}

// VerifyTransfer checks a capability token presented on a v1 file URL and
// returns the credentials it vouches for. auth is honoured only for the user
// the token was issued to.
func (s *Service) VerifyTransfer(signature, user, auth, resourcePath string, size int64) (Credentials, error) {
	claims, err := s.issuer.Verify(signature, resourcePath, size)
	if err != nil {
		s.metrics.IncTokenRejection(rejectionReason(err))
		return Credentials{}, err
	}
	if claims.Username != user {
		s.metrics.IncTokenRejection("user_mismatch")
		return Credentials{}, fmt.Errorf("%w: token issued to another user", captoken.ErrInvalid)
	}
	if auth == "" {
		s.metrics.IncTokenRejection("missing_auth")
		return Credentials{}, ErrMissingCredentials
	}
	return Credentials{User: user, Token: auth}, nil
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, captoken.ErrExpired):
		return "expired"
	case errors.Is(err, captoken.ErrResourceMismatch):
		return "resource_mismatch"
	case errors.Is(err, captoken.ErrSizeMismatch):
		return "size_mismatch"
	default:
		return "invalid"
	}
}
