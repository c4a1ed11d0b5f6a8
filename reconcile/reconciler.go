// Package reconcile maps revision levels onto GitHub releases and their assets.
//
// Every file of one recipe version lives on a single release tagged with the
// version. Files are told apart by an asset-name prefix derived from their
// revision level, so the release can always be re-derived from the reference
// alone and an interrupted upload is recovered by looking the release up again.
package reconcile

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/izavyalov-dev/redirectory/internal/observability"
	"github.com/izavyalov-dev/redirectory/internal/vcs/github"
	"github.com/izavyalov-dev/redirectory/revision"
)

// SupportedUser is the reference user that selects the GitHub backend.
const SupportedUser = "github"

const defaultDownloadBase = "https://github.com"

// Releases is the release store the reconciler drives. *github.Client satisfies it.
type Releases interface {
	GetReleaseByTag(ctx context.Context, owner, repo, tag string) (github.Release, error)
	CreateRelease(ctx context.Context, owner, repo string, payload github.CreateReleaseRequest) (github.Release, error)
	ListReleaseAssets(ctx context.Context, owner, repo string, releaseID int64) ([]github.ReleaseAsset, error)
	UploadReleaseAsset(ctx context.Context, release github.Release, name, contentType string, body io.Reader, size int64) (github.ReleaseAsset, error)
	DeleteReleaseAsset(ctx context.Context, owner, repo string, assetID int64) error
}

// Target names the repository and version a reference is stored under.
type Target struct {
	Owner   string
	Repo    string
	Version string
}

// TargetFor maps name/version@github/owner to owner/name at version.
func TargetFor(ref revision.Reference) (Target, error) {
	if ref.User != SupportedUser {
		return Target{}, fmt.Errorf("%w: user %q", ErrUnsupportedBackend, ref.User)
	}
	if ref.Channel == "" || ref.Name == "" || ref.Version == "" {
		return Target{}, fmt.Errorf("%w: incomplete reference %s", ErrUnsupportedBackend, ref)
	}
	return Target{Owner: ref.Channel, Repo: ref.Name, Version: ref.Version}, nil
}

// Release is a resolved remote release.
type Release struct {
	Target Target
	Remote github.Release
}

// RemoteAsset is a release asset seen through one revision level.
type RemoteAsset struct {
	ID        int64
	Filename  string
	AssetName string
	Size      int64
	Digest    string
	URL       string
}

// Uploaded describes a stored file.
type Uploaded struct {
	Name string
	MD5  string
	URL  string
}

// Reconciler performs release operations for one set of credentials.
type Reconciler struct {
	releases     Releases
	logger       *slog.Logger
	metrics      *observability.Metrics
	downloadBase string
}

// Option configures a Reconciler.
type Option func(*Reconciler)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithMetrics(metrics *observability.Metrics) Option {
	return func(r *Reconciler) {
		r.metrics = metrics
	}
}

// WithDownloadBase overrides the host used to build permanent download URLs.
func WithDownloadBase(base string) Option {
	return func(r *Reconciler) {
		if base != "" {
			r.downloadBase = strings.TrimRight(base, "/")
		}
	}
}

func New(releases Releases, opts ...Option) *Reconciler {
	r := &Reconciler{
		releases:     releases,
		logger:       slog.New(slog.DiscardHandler),
		downloadBase: defaultDownloadBase,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetRelease finds the release tagged with the target version, or v-prefixed
// version. Under Create a missing release is created; lookup always comes
// first so a retry after a partial failure reuses the earlier release.
func (r *Reconciler) GetRelease(ctx context.Context, target Target, mode revision.Mode) (Release, error) {
	release, found, err := r.lookupRelease(ctx, target)
	if err != nil || found {
		return release, err
	}
	if mode != revision.Create {
		return Release{}, fmt.Errorf("%w: %s/%s@%s", ErrReleaseNotFound, target.Owner, target.Repo, target.Version)
	}

	created, err := r.releases.CreateRelease(ctx, target.Owner, target.Repo, github.CreateReleaseRequest{
		TagName: target.Version,
		Name:    target.Version,
	})
	if err != nil {
		// A concurrent request may have created it between lookup and create.
		var apiErr *github.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnprocessableEntity {
			if release, found, lookupErr := r.lookupRelease(ctx, target); lookupErr == nil && found {
				return release, nil
			}
		}
		r.metrics.IncRelease("create_failed")
		return Release{}, r.remoteError("create_release", err)
	}
	r.metrics.IncRelease("created")
	r.logger.Info("release created", "event", "release_created", "owner", target.Owner, "repo", target.Repo, "tag", created.TagName, "release_id", created.ID)
	return Release{Target: target, Remote: created}, nil
}

func (r *Reconciler) lookupRelease(ctx context.Context, target Target) (Release, bool, error) {
	for i, tag := range []string{target.Version, "v" + target.Version} {
		remote, err := r.releases.GetReleaseByTag(ctx, target.Owner, target.Repo, tag)
		if err == nil {
			if i == 0 {
				r.metrics.IncRelease("found")
			} else {
				r.metrics.IncRelease("found_v_prefixed")
			}
			return Release{Target: target, Remote: remote}, true, nil
		}
		if !errors.Is(err, github.ErrNotFound) {
			return Release{}, false, r.remoteError("get_release", err)
		}
	}
	return Release{}, false, nil
}

// AssetPrefix is the asset-name prefix of every file at level.
func AssetPrefix(level revision.Level) string {
	if level.IsPackage() {
		return fmt.Sprintf("%s.package.%s.%s.", level.RecipeRevision, level.Package, level.PackageRevision)
	}
	return level.RecipeRevision + ".export."
}

// AssetName is the release asset name of filename at level.
func AssetName(level revision.Level, filename string) string {
	return AssetPrefix(level) + filename
}

// Assets lists the uploaded files of one level, keyed by filename.
func (r *Reconciler) Assets(ctx context.Context, release Release, level revision.Level) (map[string]RemoteAsset, error) {
	all, err := r.listAssets(ctx, release)
	if err != nil {
		return nil, err
	}
	prefix := AssetPrefix(level)
	out := make(map[string]RemoteAsset)
	for _, asset := range all {
		if !strings.HasPrefix(asset.Name, prefix) || !uploaded(asset) {
			continue
		}
		filename := strings.TrimPrefix(asset.Name, prefix)
		out[filename] = RemoteAsset{
			ID:        asset.ID,
			Filename:  filename,
			AssetName: asset.Name,
			Size:      asset.Size,
			Digest:    asset.Digest,
			URL:       asset.BrowserDownloadURL,
		}
	}
	return out, nil
}

func (r *Reconciler) listAssets(ctx context.Context, release Release) ([]github.ReleaseAsset, error) {
	assets, err := r.releases.ListReleaseAssets(ctx, release.Target.Owner, release.Target.Repo, release.Remote.ID)
	if err != nil {
		return nil, r.remoteError("list_assets", err)
	}
	return assets, nil
}

// Assets in state "starter" are left behind by interrupted uploads.
func uploaded(asset github.ReleaseAsset) bool {
	return asset.State == "" || asset.State == "uploaded"
}

// PutFile streams body to a new asset for filename at level. size must be
// the exact body length. An earlier asset with the same name, complete or
// not, is replaced.
func (r *Reconciler) PutFile(ctx context.Context, release Release, level revision.Level, filename string, body io.Reader, size int64) (Uploaded, error) {
	kind := level.Kind()
	if size < 0 {
		r.metrics.IncUpload(kind, "size_mismatch")
		return Uploaded{}, fmt.Errorf("%w: content length required", ErrSizeMismatch)
	}
	name := AssetName(level, filename)

	existing, err := r.listAssets(ctx, release)
	if err != nil {
		r.metrics.IncUpload(kind, "remote_error")
		return Uploaded{}, err
	}
	for _, asset := range existing {
		if asset.Name != name {
			continue
		}
		if err := r.DeleteAsset(ctx, release, asset.ID); err != nil {
			r.metrics.IncUpload(kind, "remote_error")
			return Uploaded{}, err
		}
		r.logger.Info("replaced stale asset", "event", "asset_replaced", "asset", name, "asset_id", asset.ID, "state", asset.State)
	}

	hasher := md5.New()
	sized := newSizedReader(io.TeeReader(body, hasher), size)
	asset, err := r.releases.UploadReleaseAsset(ctx, release.Remote, name, ContentType(filename), sized, size)
	if sized.err != nil && errors.Is(sized.err, ErrSizeMismatch) {
		r.metrics.IncUpload(kind, "size_mismatch")
		return Uploaded{}, sized.err
	}
	if err != nil {
		r.metrics.IncUpload(kind, "remote_error")
		return Uploaded{}, r.remoteError("upload_asset", err)
	}
	if err := sized.finish(); err != nil {
		// The store accepted a truncated body; drop it so nothing records it.
		if delErr := r.DeleteAsset(ctx, release, asset.ID); delErr != nil {
			r.logger.Warn("failed to remove mismatched asset", "event", "asset_cleanup_failed", "asset", name, "error", delErr)
		}
		r.metrics.IncUpload(kind, "size_mismatch")
		return Uploaded{}, err
	}

	downloadURL := asset.BrowserDownloadURL
	if downloadURL == "" {
		downloadURL = r.DownloadURL(release, level, filename)
	}
	r.metrics.IncUpload(kind, "ok")
	return Uploaded{
		Name: filename,
		MD5:  hex.EncodeToString(hasher.Sum(nil)),
		URL:  downloadURL,
	}, nil
}

// DeleteAsset removes one asset. An asset that is already gone counts as deleted.
func (r *Reconciler) DeleteAsset(ctx context.Context, release Release, assetID int64) error {
	err := r.releases.DeleteReleaseAsset(ctx, release.Target.Owner, release.Target.Repo, assetID)
	if err != nil && !errors.Is(err, github.ErrNotFound) {
		r.metrics.IncAssetDeletion("failed")
		return r.remoteError("delete_asset", err)
	}
	r.metrics.IncAssetDeletion("deleted")
	return nil
}

// PurgeLevels deletes every asset under the given levels, including leftovers
// of interrupted uploads, and returns how many were deleted. It stops at the
// first failure.
func (r *Reconciler) PurgeLevels(ctx context.Context, release Release, levels []revision.Level) (int, error) {
	if len(levels) == 0 {
		return 0, nil
	}
	assets, err := r.listAssets(ctx, release)
	if err != nil {
		return 0, err
	}
	prefixes := make([]string, 0, len(levels))
	for _, level := range levels {
		prefixes = append(prefixes, AssetPrefix(level))
	}

	deleted := 0
	for _, asset := range assets {
		if !hasAnyPrefix(asset.Name, prefixes) {
			continue
		}
		if err := r.DeleteAsset(ctx, release, asset.ID); err != nil {
			return deleted, err
		}
		deleted++
	}
	r.logger.Info("purged release assets", "event", "assets_purged", "owner", release.Target.Owner, "repo", release.Target.Repo, "levels", len(levels), "deleted", deleted)
	return deleted, nil
}

func hasAnyPrefix(name string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// DownloadURL is the permanent browser URL of filename at level.
func (r *Reconciler) DownloadURL(release Release, level revision.Level, filename string) string {
	tag := release.Remote.TagName
	if tag == "" {
		tag = release.Target.Version
	}
	return fmt.Sprintf("%s/%s/%s/releases/download/%s/%s",
		r.downloadBase,
		url.PathEscape(release.Target.Owner),
		url.PathEscape(release.Target.Repo),
		url.PathEscape(tag),
		url.PathEscape(AssetName(level, filename)))
}

func (r *Reconciler) remoteError(op string, err error) error {
	r.metrics.IncRemoteError(op)
	r.logger.Warn("release store call failed", "event", "remote_error", "op", op, "error", err)
	return &RemoteError{Op: op, Err: err}
}
