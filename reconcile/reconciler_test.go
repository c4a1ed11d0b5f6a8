package reconcile

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/izavyalov-dev/redirectory/internal/observability"
	"github.com/izavyalov-dev/redirectory/internal/vcs/github"
	"github.com/izavyalov-dev/redirectory/revision"
)

type fakeReleases struct {
	mu        sync.Mutex
	nextID    int64
	releases  map[string]github.Release
	assets    map[int64][]github.ReleaseAsset
	creates   int
	deletes   []int64
	getErr    error
	raceOnce  bool
	uploadErr error
}

func newFakeReleases() *fakeReleases {
	return &fakeReleases{
		nextID:   100,
		releases: make(map[string]github.Release),
		assets:   make(map[int64][]github.ReleaseAsset),
	}
}

func releaseKey(owner, repo, tag string) string {
	return owner + "/" + repo + "@" + tag
}

func (f *fakeReleases) addRelease(owner, repo, tag string) github.Release {
	f.nextID++
	release := github.Release{ID: f.nextID, TagName: tag}
	f.releases[releaseKey(owner, repo, tag)] = release
	return release
}

func (f *fakeReleases) GetReleaseByTag(ctx context.Context, owner, repo, tag string) (github.Release, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return github.Release{}, f.getErr
	}
	release, ok := f.releases[releaseKey(owner, repo, tag)]
	if !ok {
		return github.Release{}, &github.APIError{StatusCode: http.StatusNotFound, Message: "Not Found"}
	}
	return release, nil
}

func (f *fakeReleases) CreateRelease(ctx context.Context, owner, repo string, payload github.CreateReleaseRequest) (github.Release, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.raceOnce {
		f.raceOnce = false
		f.addRelease(owner, repo, payload.TagName)
		return github.Release{}, &github.APIError{StatusCode: http.StatusUnprocessableEntity, Message: "already_exists"}
	}
	if _, ok := f.releases[releaseKey(owner, repo, payload.TagName)]; ok {
		return github.Release{}, &github.APIError{StatusCode: http.StatusUnprocessableEntity, Message: "already_exists"}
	}
	f.creates++
	return f.addRelease(owner, repo, payload.TagName), nil
}

func (f *fakeReleases) ListReleaseAssets(ctx context.Context, owner, repo string, releaseID int64) ([]github.ReleaseAsset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]github.ReleaseAsset(nil), f.assets[releaseID]...), nil
}

// UploadReleaseAsset behaves like GitHub: the asset exists in state
// "starter" while the body streams and is only marked uploaded on success.
func (f *fakeReleases) UploadReleaseAsset(ctx context.Context, release github.Release, name, contentType string, body io.Reader, size int64) (github.ReleaseAsset, error) {
	f.mu.Lock()
	for _, asset := range f.assets[release.ID] {
		if asset.Name == name {
			f.mu.Unlock()
			return github.ReleaseAsset{}, &github.APIError{StatusCode: http.StatusUnprocessableEntity, Message: "already_exists"}
		}
	}
	f.nextID++
	asset := github.ReleaseAsset{ID: f.nextID, Name: name, ContentType: contentType, State: "starter"}
	f.assets[release.ID] = append(f.assets[release.ID], asset)
	f.mu.Unlock()

	data, err := io.ReadAll(body)
	if err != nil {
		return github.ReleaseAsset{}, err
	}
	if f.uploadErr != nil {
		return github.ReleaseAsset{}, f.uploadErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.assets[release.ID] {
		if f.assets[release.ID][i].ID == asset.ID {
			f.assets[release.ID][i].State = "uploaded"
			f.assets[release.ID][i].Size = int64(len(data))
			f.assets[release.ID][i].BrowserDownloadURL = "https://github.com/dl/" + name
			asset = f.assets[release.ID][i]
		}
	}
	return asset, nil
}

func (f *fakeReleases) DeleteReleaseAsset(ctx context.Context, owner, repo string, assetID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for releaseID, assets := range f.assets {
		for i, asset := range assets {
			if asset.ID == assetID {
				f.assets[releaseID] = append(assets[:i:i], assets[i+1:]...)
				f.deletes = append(f.deletes, assetID)
				return nil
			}
		}
	}
	return &github.APIError{StatusCode: http.StatusNotFound, Message: "Not Found"}
}

func (f *fakeReleases) assetNames(releaseID int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for _, asset := range f.assets[releaseID] {
		names = append(names, asset.Name+":"+asset.State)
	}
	sort.Strings(names)
	return names
}

var testTarget = Target{Owner: "thejohnfreeman", Repo: "zlib", Version: "0.1.2"}

func exportLevel(rrev string) revision.Level {
	return revision.Level{
		Ref:            revision.Reference{Name: "zlib", Version: "0.1.2", User: "github", Channel: "thejohnfreeman"},
		RecipeRevision: rrev,
	}
}

func packageLevel(rrev, pkg, prev string) revision.Level {
	level := exportLevel(rrev)
	level.Package = pkg
	level.PackageRevision = prev
	return level
}

func newTestReconciler(releases Releases) *Reconciler {
	return New(releases, WithMetrics(observability.NewMetrics(prometheus.NewRegistry())))
}

func TestTargetFor(t *testing.T) {
	target, err := TargetFor(revision.Reference{Name: "zlib", Version: "1.2.13", User: "github", Channel: "thejohnfreeman"})
	if err != nil {
		t.Fatalf("target: %v", err)
	}
	if target != (Target{Owner: "thejohnfreeman", Repo: "zlib", Version: "1.2.13"}) {
		t.Fatalf("unexpected target %+v", target)
	}

	_, err = TargetFor(revision.Reference{Name: "zlib", Version: "1.2.13", User: "gitlab", Channel: "acme"})
	if !errors.Is(err, ErrUnsupportedBackend) {
		t.Fatalf("expected ErrUnsupportedBackend, got %v", err)
	}
}

func TestGetReleaseCreatesAtMostOnce(t *testing.T) {
	fake := newFakeReleases()
	r := newTestReconciler(fake)
	ctx := context.Background()

	first, err := r.GetRelease(ctx, testTarget, revision.Create)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := r.GetRelease(ctx, testTarget, revision.Create)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if fake.creates != 1 {
		t.Fatalf("expected one release created, got %d", fake.creates)
	}
	if first.Remote.ID != second.Remote.ID {
		t.Fatalf("expected same release, got %d and %d", first.Remote.ID, second.Remote.ID)
	}
	if first.Remote.TagName != testTarget.Version {
		t.Fatalf("expected tag %q, got %q", testTarget.Version, first.Remote.TagName)
	}
}

func TestGetReleaseFallsBackToVPrefixedTag(t *testing.T) {
	fake := newFakeReleases()
	existing := fake.addRelease(testTarget.Owner, testTarget.Repo, "v"+testTarget.Version)
	r := newTestReconciler(fake)

	release, err := r.GetRelease(context.Background(), testTarget, revision.Create)
	if err != nil {
		t.Fatalf("get release: %v", err)
	}
	if release.Remote.ID != existing.ID {
		t.Fatalf("expected v-prefixed release %d, got %d", existing.ID, release.Remote.ID)
	}
	if fake.creates != 0 {
		t.Fatalf("expected no release created, got %d", fake.creates)
	}
}

func TestGetReleaseWithoutCreate(t *testing.T) {
	fake := newFakeReleases()
	r := newTestReconciler(fake)

	for _, mode := range []revision.Mode{revision.ReadOnly, revision.ReadWrite} {
		if _, err := r.GetRelease(context.Background(), testTarget, mode); !errors.Is(err, ErrReleaseNotFound) {
			t.Fatalf("%s: expected ErrReleaseNotFound, got %v", mode, err)
		}
	}
	if fake.creates != 0 {
		t.Fatalf("expected no release created")
	}
}

func TestGetReleaseReusesConcurrentlyCreatedRelease(t *testing.T) {
	fake := newFakeReleases()
	fake.raceOnce = true
	r := newTestReconciler(fake)

	release, err := r.GetRelease(context.Background(), testTarget, revision.Create)
	if err != nil {
		t.Fatalf("get release: %v", err)
	}
	if release.Remote.TagName != testTarget.Version {
		t.Fatalf("unexpected release %+v", release.Remote)
	}
}

func TestGetReleaseRemoteError(t *testing.T) {
	fake := newFakeReleases()
	fake.getErr = &github.APIError{StatusCode: http.StatusBadGateway, Message: "bad gateway"}
	r := newTestReconciler(fake)

	_, err := r.GetRelease(context.Background(), testTarget, revision.Create)
	var remoteErr *RemoteError
	if !errors.As(err, &remoteErr) || remoteErr.Op != "get_release" {
		t.Fatalf("expected RemoteError get_release, got %v", err)
	}
	if fake.creates != 0 {
		t.Fatalf("must not create a release when lookup fails")
	}
}

func TestRecoveryAfterSizeMismatch(t *testing.T) {
	fake := newFakeReleases()
	ctx := context.Background()
	level := exportLevel("1")

	first := newTestReconciler(fake)
	release, err := first.GetRelease(ctx, testTarget, revision.Create)
	if err != nil {
		t.Fatalf("get release: %v", err)
	}
	_, err = first.PutFile(ctx, release, level, "one.txt", strings.NewReader("111"), 2)
	if !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("expected ErrSizeMismatch, got %v", err)
	}

	// A later request starts from the reference alone.
	second := newTestReconciler(fake)
	for _, name := range []string{"two.txt", "three.txt"} {
		release, err := second.GetRelease(ctx, testTarget, revision.Create)
		if err != nil {
			t.Fatalf("get release for %s: %v", name, err)
		}
		body := strings.Repeat(name[:1], 3)
		uploaded, err := second.PutFile(ctx, release, level, name, strings.NewReader(body), 3)
		if err != nil {
			t.Fatalf("put %s: %v", name, err)
		}
		sum := md5.Sum([]byte(body))
		if uploaded.MD5 != hex.EncodeToString(sum[:]) {
			t.Fatalf("unexpected md5 for %s: %s", name, uploaded.MD5)
		}
	}

	if fake.creates != 1 {
		t.Fatalf("expected exactly one release, got %d", fake.creates)
	}
	assets, err := second.Assets(ctx, release, level)
	if err != nil {
		t.Fatalf("assets: %v", err)
	}
	if len(assets) != 2 {
		t.Fatalf("expected two uploaded assets, got %v", fake.assetNames(release.Remote.ID))
	}
	if assets["two.txt"].ID == assets["three.txt"].ID {
		t.Fatalf("expected distinct assets")
	}
	if _, ok := assets["one.txt"]; ok {
		t.Fatalf("interrupted upload must not be listed")
	}
}

func TestPutFileShortBody(t *testing.T) {
	fake := newFakeReleases()
	r := newTestReconciler(fake)
	ctx := context.Background()
	release, err := r.GetRelease(ctx, testTarget, revision.Create)
	if err != nil {
		t.Fatalf("get release: %v", err)
	}

	_, err = r.PutFile(ctx, release, exportLevel("1"), "conanfile.py", strings.NewReader("ab"), 5)
	if !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("expected ErrSizeMismatch, got %v", err)
	}
}

func TestPutFileReplacesStaleAsset(t *testing.T) {
	fake := newFakeReleases()
	r := newTestReconciler(fake)
	ctx := context.Background()
	release, err := r.GetRelease(ctx, testTarget, revision.Create)
	if err != nil {
		t.Fatalf("get release: %v", err)
	}
	level := exportLevel("1")

	if _, err := r.PutFile(ctx, release, level, "conanfile.py", strings.NewReader("x"), 2); !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("expected ErrSizeMismatch, got %v", err)
	}
	uploaded, err := r.PutFile(ctx, release, level, "conanfile.py", strings.NewReader("xy"), 2)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if uploaded.URL != "https://github.com/dl/1.export.conanfile.py" {
		t.Fatalf("unexpected url %q", uploaded.URL)
	}
	names := fake.assetNames(release.Remote.ID)
	if len(names) != 1 || names[0] != "1.export.conanfile.py:uploaded" {
		t.Fatalf("unexpected assets %v", names)
	}
}

func TestPutFileRemoteError(t *testing.T) {
	fake := newFakeReleases()
	r := newTestReconciler(fake)
	ctx := context.Background()
	release, err := r.GetRelease(ctx, testTarget, revision.Create)
	if err != nil {
		t.Fatalf("get release: %v", err)
	}
	fake.uploadErr = errors.New("connection reset")

	_, err = r.PutFile(ctx, release, exportLevel("1"), "conanfile.py", bytes.NewReader([]byte("abc")), 3)
	var remoteErr *RemoteError
	if !errors.As(err, &remoteErr) || remoteErr.Op != "upload_asset" {
		t.Fatalf("expected RemoteError upload_asset, got %v", err)
	}
}

func TestAssetsScopedToLevel(t *testing.T) {
	fake := newFakeReleases()
	r := newTestReconciler(fake)
	ctx := context.Background()
	release, err := r.GetRelease(ctx, testTarget, revision.Create)
	if err != nil {
		t.Fatalf("get release: %v", err)
	}

	uploads := []struct {
		level revision.Level
		name  string
	}{
		{exportLevel("1"), "conanfile.py"},
		{exportLevel("1"), "conanmanifest.txt"},
		{exportLevel("2"), "conanfile.py"},
		{packageLevel("1", "pkgA", "p1"), "conan_package.tgz"},
		{packageLevel("1", "pkgB", "p1"), "conan_package.tgz"},
	}
	for _, u := range uploads {
		if _, err := r.PutFile(ctx, release, u.level, u.name, strings.NewReader("z"), 1); err != nil {
			t.Fatalf("put %s: %v", u.name, err)
		}
	}

	cases := []struct {
		level revision.Level
		want  []string
	}{
		{exportLevel("1"), []string{"conanfile.py", "conanmanifest.txt"}},
		{exportLevel("2"), []string{"conanfile.py"}},
		{packageLevel("1", "pkgA", "p1"), []string{"conan_package.tgz"}},
		{packageLevel("1", "pkgA", "p2"), nil},
	}
	for _, tc := range cases {
		assets, err := r.Assets(ctx, release, tc.level)
		if err != nil {
			t.Fatalf("assets: %v", err)
		}
		var got []string
		for name := range assets {
			got = append(got, name)
		}
		sort.Strings(got)
		if fmt.Sprint(got) != fmt.Sprint(tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.level, tc.want, got)
		}
	}
}

func TestPurgeLevels(t *testing.T) {
	fake := newFakeReleases()
	r := newTestReconciler(fake)
	ctx := context.Background()
	release, err := r.GetRelease(ctx, testTarget, revision.Create)
	if err != nil {
		t.Fatalf("get release: %v", err)
	}
	for _, level := range []revision.Level{exportLevel("1"), packageLevel("1", "pkgA", "p1"), exportLevel("2")} {
		if _, err := r.PutFile(ctx, release, level, "conanmanifest.txt", strings.NewReader("m"), 1); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	// Orphan of an interrupted upload.
	if _, err := r.PutFile(ctx, release, packageLevel("1", "pkgA", "p1"), "conan_package.tgz", strings.NewReader("m"), 4); !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("expected ErrSizeMismatch, got %v", err)
	}

	deleted, err := r.PurgeLevels(ctx, release, []revision.Level{exportLevel("1"), packageLevel("1", "pkgA", "p1")})
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if deleted != 3 {
		t.Fatalf("expected 3 deletions, got %d", deleted)
	}
	names := fake.assetNames(release.Remote.ID)
	if len(names) != 1 || names[0] != "2.export.conanmanifest.txt:uploaded" {
		t.Fatalf("unexpected remaining assets %v", names)
	}
}

func TestDeleteAssetAlreadyGone(t *testing.T) {
	fake := newFakeReleases()
	r := newTestReconciler(fake)
	if err := r.DeleteAsset(context.Background(), Release{Target: testTarget}, 9999); err != nil {
		t.Fatalf("expected missing asset to count as deleted, got %v", err)
	}
}

func TestAssetNames(t *testing.T) {
	if got := AssetName(exportLevel("abc"), "conanfile.py"); got != "abc.export.conanfile.py" {
		t.Fatalf("unexpected export name %q", got)
	}
	if got := AssetName(packageLevel("abc", "f00d", "p9"), "conaninfo.txt"); got != "abc.package.f00d.p9.conaninfo.txt" {
		t.Fatalf("unexpected package name %q", got)
	}
}

func TestDownloadURL(t *testing.T) {
	r := New(newFakeReleases())
	release := Release{Target: testTarget, Remote: github.Release{TagName: "v0.1.2"}}
	got := r.DownloadURL(release, exportLevel("1"), "conanfile.py")
	want := "https://github.com/thejohnfreeman/zlib/releases/download/v0.1.2/1.export.conanfile.py"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestContentType(t *testing.T) {
	cases := map[string]string{
		"conanmanifest.txt": "text/plain",
		"conanfile.py":      "text/x-python",
		"conan_export.tgz":  "application/gzip",
		"conan_package.TGZ": "application/gzip",
		"conaninfo":         "application/octet-stream",
		"data.bin":          "application/octet-stream",
	}
	for name, want := range cases {
		if got := ContentType(name); got != want {
			t.Fatalf("%s: expected %q, got %q", name, want, got)
		}
	}
}
