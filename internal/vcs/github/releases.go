package github

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const assetsPerPage = 100

// Release is a GitHub release.
type Release struct {
	ID        int64     `json:"id"`
	TagName   string    `json:"tag_name"`
	Name      string    `json:"name"`
	Draft     bool      `json:"draft"`
	UploadURL string    `json:"upload_url"`
	HTMLURL   string    `json:"html_url"`
	CreatedAt time.Time `json:"created_at"`
}

// ReleaseAsset is one file attached to a release.
type ReleaseAsset struct {
	ID                 int64  `json:"id"`
	Name               string `json:"name"`
	ContentType        string `json:"content_type"`
	State              string `json:"state"`
	Size               int64  `json:"size"`
	Digest             string `json:"digest"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

// User is the authenticated account.
type User struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
}

// CreateReleaseRequest describes a release payload.
type CreateReleaseRequest struct {
	TagName string `json:"tag_name"`
	Name    string `json:"name,omitempty"`
	Body    string `json:"body,omitempty"`
}

// GetReleaseByTag returns the release for tag. A missing release yields an
// error matching ErrNotFound.
func (c *Client) GetReleaseByTag(ctx context.Context, owner, repo, tag string) (Release, error) {
	path := fmt.Sprintf("/repos/%s/%s/releases/tags/%s", url.PathEscape(owner), url.PathEscape(repo), url.PathEscape(tag))
	var resp Release
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return Release{}, err
	}
	return resp, nil
}

func (c *Client) CreateRelease(ctx context.Context, owner, repo string, payload CreateReleaseRequest) (Release, error) {
	path := fmt.Sprintf("/repos/%s/%s/releases", url.PathEscape(owner), url.PathEscape(repo))
	var resp Release
	if err := c.doJSON(ctx, http.MethodPost, path, payload, &resp); err != nil {
		return Release{}, err
	}
	return resp, nil
}

// ListReleaseAssets returns every asset of a release, following pagination.
func (c *Client) ListReleaseAssets(ctx context.Context, owner, repo string, releaseID int64) ([]ReleaseAsset, error) {
	var assets []ReleaseAsset
	for page := 1; ; page++ {
		path := fmt.Sprintf("/repos/%s/%s/releases/%d/assets?per_page=%d&page=%d",
			url.PathEscape(owner), url.PathEscape(repo), releaseID, assetsPerPage, page)
		var batch []ReleaseAsset
		if err := c.doJSON(ctx, http.MethodGet, path, nil, &batch); err != nil {
			return nil, err
		}
		assets = append(assets, batch...)
		if len(batch) < assetsPerPage {
			return assets, nil
		}
	}
}

// UploadReleaseAsset streams body as a new asset named name. size must be
// the exact body length; GitHub rejects uploads without a Content-Length.
func (c *Client) UploadReleaseAsset(ctx context.Context, release Release, name, contentType string, body io.Reader, size int64) (ReleaseAsset, error) {
	target, err := uploadURL(release.UploadURL, name)
	if err != nil {
		return ReleaseAsset{}, err
	}
	if size == 0 {
		body = http.NoBody
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, body)
	if err != nil {
		return ReleaseAsset{}, err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", contentType)

	var resp ReleaseAsset
	if err := c.do(req, &resp); err != nil {
		return ReleaseAsset{}, err
	}
	return resp, nil
}

func (c *Client) DeleteReleaseAsset(ctx context.Context, owner, repo string, assetID int64) error {
	path := fmt.Sprintf("/repos/%s/%s/releases/assets/%d", url.PathEscape(owner), url.PathEscape(repo), assetID)
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

// GetAuthenticatedUser returns the account that owns the client token.
func (c *Client) GetAuthenticatedUser(ctx context.Context) (User, error) {
	var resp User
	if err := c.doJSON(ctx, http.MethodGet, "/user", nil, &resp); err != nil {
		return User{}, err
	}
	return resp, nil
}

// uploadURL expands the RFC 6570 template GitHub returns in upload_url,
// e.g. https://uploads.github.com/repos/o/r/releases/1/assets{?name,label}.
func uploadURL(template, name string) (string, error) {
	if template == "" {
		return "", fmt.Errorf("release has no upload url")
	}
	if i := strings.IndexByte(template, '{'); i >= 0 {
		template = template[:i]
	}
	u, err := url.Parse(template)
	if err != nil {
		return "", fmt.Errorf("parse upload url: %w", err)
	}
	q := u.Query()
	q.Set("name", name)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
