package adapter

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/izavyalov-dev/redirectory/captoken"
	"github.com/izavyalov-dev/redirectory/internal/observability"
	"github.com/izavyalov-dev/redirectory/internal/vcs/github"
	"github.com/izavyalov-dev/redirectory/protocol"
	"github.com/izavyalov-dev/redirectory/reconcile"
	"github.com/izavyalov-dev/redirectory/revision"
)

const (
	refPath      = "{name}/{version}/{user}/{channel}"
	maxBodyBytes = 1 << 20
)

// HandlerOption configures the HTTP handler.
type HandlerOption func(*handler)

// WithPublicURL fixes the scheme and host used in signed upload URLs.
// Without it they are derived from each request.
func WithPublicURL(publicURL string) HandlerOption {
	return func(h *handler) {
		h.publicURL = strings.TrimRight(publicURL, "/")
	}
}

// WithHealth adds upstream state to /healthz.
func WithHealth(states func() map[string]string) HandlerOption {
	return func(h *handler) {
		h.health = states
	}
}

type handler struct {
	service   *Service
	logger    *slog.Logger
	publicURL string
	health    func() map[string]string
}

// NewHTTPHandler wires the Conan v1 and v2 endpoints, metrics and health.
func NewHTTPHandler(service *Service, logger *slog.Logger, opts ...HandlerOption) http.Handler {
	if logger == nil {
		logger = observability.NewLogger("adapter.http")
	}
	h := &handler{service: service, logger: logger}
	for _, opt := range opts {
		opt(h)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", observability.MetricsHandler())
	mux.HandleFunc("GET /healthz", h.healthz)
	mux.HandleFunc("GET /v1/ping", h.ping)
	mux.HandleFunc("/", h.notImplemented)

	for _, api := range []string{"v1", "v2"} {
		prefix := "/" + api + "/conans/" + refPath
		mux.HandleFunc("GET /"+api+"/users/authenticate", h.authenticate)
		mux.HandleFunc("GET /"+api+"/users/check_credentials", h.checkCredentials)

		mux.HandleFunc("DELETE "+prefix, h.deleteRecipe)
		mux.HandleFunc("GET "+prefix+"/latest", h.recipeLatest)
		mux.HandleFunc("GET "+prefix+"/revisions", h.recipeRevisions)
		mux.HandleFunc("DELETE "+prefix+"/revisions/{rrev}", h.deleteRecipeRevision)
		mux.HandleFunc("GET "+prefix+"/revisions/{rrev}/files", h.files)
		mux.HandleFunc("GET "+prefix+"/revisions/{rrev}/files/{filename}", h.getFile)
		mux.HandleFunc("PUT "+prefix+"/revisions/{rrev}/files/{filename}", h.putFile)
		mux.HandleFunc("DELETE "+prefix+"/revisions/{rrev}/packages", h.deleteAllPackages)
		mux.HandleFunc("DELETE "+prefix+"/revisions/{rrev}/packages/{pkg}", h.deletePackage)
		mux.HandleFunc("GET "+prefix+"/revisions/{rrev}/packages/{pkg}/latest", h.packageLatest)
		mux.HandleFunc("GET "+prefix+"/revisions/{rrev}/packages/{pkg}/revisions", h.packageRevisions)
		mux.HandleFunc("DELETE "+prefix+"/revisions/{rrev}/packages/{pkg}/revisions/{prev}", h.deletePackageRevision)
		mux.HandleFunc("GET "+prefix+"/revisions/{rrev}/packages/{pkg}/revisions/{prev}/files", h.files)
		mux.HandleFunc("GET "+prefix+"/revisions/{rrev}/packages/{pkg}/revisions/{prev}/files/{filename}", h.getFile)
		mux.HandleFunc("PUT "+prefix+"/revisions/{rrev}/packages/{pkg}/revisions/{prev}/files/{filename}", h.putFile)
	}

	v1 := "/v1/conans/" + refPath
	mux.HandleFunc("GET "+v1, h.fileSums)
	mux.HandleFunc("GET "+v1+"/download_urls", h.downloadURLs)
	mux.HandleFunc("POST "+v1+"/upload_urls", h.uploadURLs)
	mux.HandleFunc("GET "+v1+"/packages/{pkg}", h.fileSums)
	mux.HandleFunc("GET "+v1+"/packages/{pkg}/download_urls", h.downloadURLs)
	mux.HandleFunc("POST "+v1+"/packages/{pkg}/upload_urls", h.uploadURLs)
	mux.HandleFunc("POST "+v1+"/packages/delete", h.deletePackagesV1)
	mux.HandleFunc("GET /v1/conans/search", h.notImplemented)
	mux.HandleFunc("GET "+v1+"/search", h.notImplemented)

	files := "/v1/files/" + refPath + "/{rrev}"
	mux.HandleFunc("GET "+files+"/export/{filename}", h.getFile)
	mux.HandleFunc("PUT "+files+"/export/{filename}", h.putTransfer)
	mux.HandleFunc("GET "+files+"/package/{pkg}/{prev}/{filename}", h.getFile)
	mux.HandleFunc("PUT "+files+"/package/{pkg}/{prev}/{filename}", h.putTransfer)

	return h.withRequestID(mux)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (h *handler) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", requestID)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		observability.WithRequest(h.logger, requestID).Info("request handled",
			"event", "http_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	states := map[string]string{}
	if h.health != nil {
		states = h.health()
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "upstreams": states})
}

func (h *handler) ping(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(protocol.CapabilitiesHeader, protocol.Capabilities)
	w.WriteHeader(http.StatusOK)
}

func (h *handler) notImplemented(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNotImplemented)
}

// authenticate hands the Basic credential back; Conan then sends it as the bearer token.
func (h *handler) authenticate(w http.ResponseWriter, r *http.Request) {
	token, err := ParseBasic(r.Header.Get("Authorization"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeText(w, http.StatusOK, token)
}

func (h *handler) checkCredentials(w http.ResponseWriter, r *http.Request) {
	creds, ok := h.bearer(w, r)
	if !ok {
		return
	}
	if client := r.Header.Get("X-Client-Id"); client != "" && client != creds.User {
		observability.WithUser(h.logger, creds.User).Warn("bearer user does not match client id", "event", "client_id_mismatch")
	}
	user, err := h.service.CheckCredentials(r.Context(), creds)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeText(w, http.StatusOK, user)
}

func (h *handler) recipeLatest(w http.ResponseWriter, r *http.Request) {
	info, err := h.service.RecipeLatest(r.Context(), refFrom(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.NewRevisionInfo(info.ID, info.Time))
}

func (h *handler) recipeRevisions(w http.ResponseWriter, r *http.Request) {
	ref := refFrom(r)
	infos, err := h.service.RecipeRevisions(r.Context(), ref)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.RecipeRevisions{Reference: ref.String(), Revisions: revisionInfos(infos)})
}

func (h *handler) packageLatest(w http.ResponseWriter, r *http.Request) {
	info, err := h.service.PackageLatest(r.Context(), refFrom(r), r.PathValue("rrev"), r.PathValue("pkg"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.NewRevisionInfo(info.ID, info.Time))
}

func (h *handler) packageRevisions(w http.ResponseWriter, r *http.Request) {
	level := levelFrom(r)
	infos, err := h.service.PackageRevisions(r.Context(), level.Ref, level.RecipeRevision, level.Package)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.PackageRevisions{
		PackageReference: level.Ref.String() + "#" + level.RecipeRevision + ":" + level.Package,
		Revisions:        revisionInfos(infos),
	})
}

func revisionInfos(infos []revision.Info) []protocol.RevisionInfo {
	out := make([]protocol.RevisionInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, protocol.NewRevisionInfo(info.ID, info.Time))
	}
	return out
}

func (h *handler) files(w http.ResponseWriter, r *http.Request) {
	assets, err := h.service.Files(r.Context(), levelFrom(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := protocol.Files{Files: make(map[string]protocol.FileEntry, len(assets))}
	for name := range assets {
		resp.Files[name] = protocol.FileEntry{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) getFile(w http.ResponseWriter, r *http.Request) {
	target, err := h.service.FileURL(r.Context(), levelFrom(r), r.PathValue("filename"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

func (h *handler) putFile(w http.ResponseWriter, r *http.Request) {
	creds, ok := h.bearer(w, r)
	if !ok {
		return
	}
	h.upload(w, r, creds)
}

// putTransfer accepts v1 uploads authorized either by an Authorization
// header or by the capability token in the query string.
func (h *handler) putTransfer(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "" {
		h.putFile(w, r)
		return
	}
	query := r.URL.Query()
	level := levelFrom(r)
	resourcePath := ResourcePath(level, r.PathValue("filename"))
	creds, err := h.service.VerifyTransfer(query.Get("signature"), query.Get("user"), query.Get("auth"), resourcePath, r.ContentLength)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.upload(w, r, creds)
}

func (h *handler) upload(w http.ResponseWriter, r *http.Request, creds Credentials) {
	if r.ContentLength < 0 {
		h.fail(w, r, reconcile.ErrSizeMismatch)
		return
	}
	err := h.service.PutFile(r.Context(), creds, levelFrom(r), r.PathValue("filename"), r.Body, r.ContentLength)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *handler) fileSums(w http.ResponseWriter, r *http.Request) {
	sums, err := h.service.FileSums(r.Context(), refFrom(r), r.PathValue("pkg"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.FileSums(sums))
}

func (h *handler) downloadURLs(w http.ResponseWriter, r *http.Request) {
	urls, err := h.service.DownloadURLs(r.Context(), refFrom(r), r.PathValue("pkg"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.FileURLs(urls))
}

func (h *handler) uploadURLs(w http.ResponseWriter, r *http.Request) {
	creds, ok := h.bearer(w, r)
	if !ok {
		return
	}
	var req protocol.UploadRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, errors.Join(ErrInvalidRequest, err))
		return
	}
	urls, err := h.service.UploadURLs(r.Context(), creds, h.baseURL(r), refFrom(r), r.PathValue("pkg"), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.FileURLs(urls))
}

func (h *handler) deleteRecipe(w http.ResponseWriter, r *http.Request) {
	creds, ok := h.bearer(w, r)
	if !ok {
		return
	}
	h.done(w, r, h.service.DeleteRecipe(r.Context(), creds, refFrom(r)))
}

func (h *handler) deleteRecipeRevision(w http.ResponseWriter, r *http.Request) {
	creds, ok := h.bearer(w, r)
	if !ok {
		return
	}
	h.done(w, r, h.service.DeleteRecipeRevision(r.Context(), creds, refFrom(r), r.PathValue("rrev")))
}

func (h *handler) deleteAllPackages(w http.ResponseWriter, r *http.Request) {
	creds, ok := h.bearer(w, r)
	if !ok {
		return
	}
	h.done(w, r, h.service.DeletePackages(r.Context(), creds, refFrom(r), r.PathValue("rrev"), nil))
}

func (h *handler) deletePackagesV1(w http.ResponseWriter, r *http.Request) {
	creds, ok := h.bearer(w, r)
	if !ok {
		return
	}
	var req protocol.DeletePackagesRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, errors.Join(ErrInvalidRequest, err))
		return
	}
	h.done(w, r, h.service.DeletePackages(r.Context(), creds, refFrom(r), revision.Latest, req.PackageIDs))
}

func (h *handler) deletePackage(w http.ResponseWriter, r *http.Request) {
	creds, ok := h.bearer(w, r)
	if !ok {
		return
	}
	h.done(w, r, h.service.DeletePackage(r.Context(), creds, refFrom(r), r.PathValue("rrev"), r.PathValue("pkg")))
}

func (h *handler) deletePackageRevision(w http.ResponseWriter, r *http.Request) {
	creds, ok := h.bearer(w, r)
	if !ok {
		return
	}
	level := levelFrom(r)
	h.done(w, r, h.service.DeletePackageRevision(r.Context(), creds, level.Ref, level.RecipeRevision, level.Package, level.PackageRevision))
}

func (h *handler) done(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *handler) bearer(w http.ResponseWriter, r *http.Request) (Credentials, bool) {
	creds, err := ParseBearer(r.Header.Get("Authorization"))
	if err != nil {
		h.fail(w, r, err)
		return Credentials{}, false
	}
	return creds, true
}

func (h *handler) baseURL(r *http.Request) string {
	if h.publicURL != "" {
		return h.publicURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if forwarded := r.Header.Get("X-Forwarded-Proto"); forwarded != "" {
		scheme = forwarded
	}
	return scheme + "://" + r.Host
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "event", "request_failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeError(w, status, err)
}

func statusFor(err error) int {
	var remoteErr *reconcile.RemoteError
	var apiErr *github.APIError
	switch {
	case errors.Is(err, revision.ErrNotFound),
		errors.Is(err, revision.ErrEmpty),
		errors.Is(err, reconcile.ErrReleaseNotFound):
		return http.StatusNotFound
	case errors.Is(err, reconcile.ErrUnsupportedBackend):
		return http.StatusForbidden
	case errors.Is(err, revision.ErrInvalidID),
		errors.Is(err, ErrInvalidRequest),
		errors.Is(err, reconcile.ErrSizeMismatch):
		return http.StatusBadRequest
	case errors.Is(err, ErrMissingCredentials),
		errors.Is(err, ErrMalformedCredentials),
		errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, captoken.ErrExpired),
		errors.Is(err, captoken.ErrResourceMismatch),
		errors.Is(err, captoken.ErrSizeMismatch),
		errors.Is(err, captoken.ErrInvalid):
		return http.StatusForbidden
	case errors.Is(err, github.ErrUpstreamDown):
		return http.StatusServiceUnavailable
	case errors.As(err, &remoteErr):
		if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden) {
			return apiErr.StatusCode
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func refFrom(r *http.Request) revision.Reference {
	return revision.Reference{
		Name:    r.PathValue("name"),
		Version: r.PathValue("version"),
		User:    r.PathValue("user"),
		Channel: r.PathValue("channel"),
	}
}

func levelFrom(r *http.Request) revision.Level {
	return revision.Level{
		Ref:             refFrom(r),
		RecipeRevision:  r.PathValue("rrev"),
		Package:         r.PathValue("pkg"),
		PackageRevision: r.PathValue("prev"),
	}
}

func decodeJSON(r *http.Request, target any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, protocol.Error{Error: err.Error()})
}
