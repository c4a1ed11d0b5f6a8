// Package protocol holds the Conan REST payloads served by the adapter.
package protocol

import "time"

// TimeLayout renders revision times with fixed nanosecond precision.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// CapabilitiesHeader advertises server features on /v1/ping.
const CapabilitiesHeader = "X-Conan-Server-Capabilities"

// Capabilities is the value sent in CapabilitiesHeader.
const Capabilities = "complex_search,revisions"

// FormatTime renders t in UTC using TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// RevisionInfo is returned by the latest endpoints.
type RevisionInfo struct {
	Revision string `json:"revision"`
	Time     string `json:"time"`
}

func NewRevisionInfo(id string, t time.Time) RevisionInfo {
	return RevisionInfo{Revision: id, Time: FormatTime(t)}
}

// RecipeRevisions lists recipe revisions, newest first.
type RecipeRevisions struct {
	Reference string         `json:"reference"`
	Revisions []RevisionInfo `json:"revisions"`
}

// PackageRevisions lists package revisions, newest first.
type PackageRevisions struct {
	PackageReference string         `json:"package_reference"`
	Revisions        []RevisionInfo `json:"revisions"`
}

// FileEntry is empty; the v2 files listing only carries names.
type FileEntry struct{}

// Files is the v2 file listing of one revision.
type Files struct {
	Files map[string]FileEntry `json:"files"`
}

// FileSums maps filename to MD5 hex digest (v1 recipe and package digests).
type FileSums map[string]string

// FileURLs maps filename to a download or upload URL.
type FileURLs map[string]string

// UploadRequest maps filename to declared size (v1 upload_urls body).
type UploadRequest map[string]int64

// DeletePackagesRequest is the body of POST /v1/conans/{ref}/packages/delete.
// An empty list deletes every package of the latest recipe revision.
type DeletePackagesRequest struct {
	PackageIDs []string `json:"package_ids"`
}

// Error is the JSON body of failed requests.
type Error struct {
	Error string `json:"error"`
}
