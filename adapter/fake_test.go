package adapter

import (
	"context"
	"io"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/izavyalov-dev/redirectory/captoken"
	"github.com/izavyalov-dev/redirectory/internal/vcs/github"
	"github.com/izavyalov-dev/redirectory/revision"
)

type memoryBackend struct {
	mu   sync.Mutex
	data []byte
	err  error
}

func (m *memoryBackend) Load(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data, nil
}

func (m *memoryBackend) Store(ctx context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.data = append([]byte(nil), data...)
	return nil
}

// fakeGitHub keeps releases and assets in memory and records which tokens
// were used.
type fakeGitHub struct {
	mu       sync.Mutex
	nextID   int64
	releases map[string]github.Release
	assets   map[int64][]github.ReleaseAsset
	bodies   map[int64][]byte
	tokens   map[string]string
}

func newFakeGitHub() *fakeGitHub {
	return &fakeGitHub{
		releases: make(map[string]github.Release),
		assets:   make(map[int64][]github.ReleaseAsset),
		bodies:   make(map[int64][]byte),
		tokens:   map[string]string{"tok-alice": "alice"},
	}
}

func (f *fakeGitHub) factory() ClientFactory {
	return func(token string) GitHub {
		return &fakeClient{fake: f, token: token}
	}
}

func (f *fakeGitHub) assetNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for _, assets := range f.assets {
		for _, asset := range assets {
			names = append(names, asset.Name)
		}
	}
	sort.Strings(names)
	return names
}

type fakeClient struct {
	fake  *fakeGitHub
	token string
}

func (c *fakeClient) authorize() error {
	if _, ok := c.fake.tokens[c.token]; !ok {
		return &github.APIError{StatusCode: http.StatusUnauthorized, Message: "Bad credentials"}
	}
	return nil
}

func (c *fakeClient) GetAuthenticatedUser(ctx context.Context) (github.User, error) {
	if err := c.authorize(); err != nil {
		return github.User{}, err
	}
	return github.User{ID: 1, Login: c.fake.tokens[c.token]}, nil
}

func (c *fakeClient) GetReleaseByTag(ctx context.Context, owner, repo, tag string) (github.Release, error) {
	c.fake.mu.Lock()
	defer c.fake.mu.Unlock()
	release, ok := c.fake.releases[owner+"/"+repo+"@"+tag]
	if !ok {
		return github.Release{}, &github.APIError{StatusCode: http.StatusNotFound, Message: "Not Found"}
	}
	return release, nil
}

func (c *fakeClient) CreateRelease(ctx context.Context, owner, repo string, payload github.CreateReleaseRequest) (github.Release, error) {
	if err := c.authorize(); err != nil {
		return github.Release{}, err
	}
	c.fake.mu.Lock()
	defer c.fake.mu.Unlock()
	c.fake.nextID++
	release := github.Release{ID: c.fake.nextID, TagName: payload.TagName, Name: payload.Name}
	c.fake.releases[owner+"/"+repo+"@"+payload.TagName] = release
	return release, nil
}

func (c *fakeClient) ListReleaseAssets(ctx context.Context, owner, repo string, releaseID int64) ([]github.ReleaseAsset, error) {
	c.fake.mu.Lock()
	defer c.fake.mu.Unlock()
	return append([]github.ReleaseAsset(nil), c.fake.assets[releaseID]...), nil
}

func (c *fakeClient) UploadReleaseAsset(ctx context.Context, release github.Release, name, contentType string, body io.Reader, size int64) (github.ReleaseAsset, error) {
	if err := c.authorize(); err != nil {
		return github.ReleaseAsset{}, err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return github.ReleaseAsset{}, err
	}
	c.fake.mu.Lock()
	defer c.fake.mu.Unlock()
	c.fake.nextID++
	asset := github.ReleaseAsset{
		ID:                 c.fake.nextID,
		Name:               name,
		ContentType:        contentType,
		State:              "uploaded",
		Size:               int64(len(data)),
		BrowserDownloadURL: "https://github.com/alice/zlib/releases/download/" + release.TagName + "/" + name,
	}
	c.fake.assets[release.ID] = append(c.fake.assets[release.ID], asset)
	c.fake.bodies[asset.ID] = data
	return asset, nil
}

func (c *fakeClient) DeleteReleaseAsset(ctx context.Context, owner, repo string, assetID int64) error {
	if err := c.authorize(); err != nil {
		return err
	}
	c.fake.mu.Lock()
	defer c.fake.mu.Unlock()
	for releaseID, assets := range c.fake.assets {
		for i, asset := range assets {
			if asset.ID == assetID {
				c.fake.assets[releaseID] = append(assets[:i:i], assets[i+1:]...)
				delete(c.fake.bodies, assetID)
				return nil
			}
		}
	}
	return &github.APIError{StatusCode: http.StatusNotFound, Message: "Not Found"}
}

var (
	testRef   = revision.Reference{Name: "zlib", Version: "1.2.13", User: "github", Channel: "alice"}
	testCreds = Credentials{User: "alice", Token: "tok-alice"}
)

type fixture struct {
	service *Service
	store   *revision.Store
	backend *memoryBackend
	github  *fakeGitHub
	issuer  *captoken.Issuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	backend := &memoryBackend{}
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		now = now.Add(time.Second)
		return now
	}
	store, err := revision.Open(context.Background(), backend, revision.WithClock(clock))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	issuer, err := captoken.NewIssuer([]byte("test-secret"))
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	fake := newFakeGitHub()
	return &fixture{
		service: NewService(store, fake.factory(), issuer),
		store:   store,
		backend: backend,
		github:  fake,
		issuer:  issuer,
	}
}
