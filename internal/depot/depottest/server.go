// Package depottest provides an in-memory depot for tests.
package depottest

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/mirrorctl/depotsync/internal/artifact"
	"github.com/mirrorctl/depotsync/internal/depot"
)

const defaultPageSize = 50

// Request is a request received by Server.
type Request struct {
	Method string
	Path   string
	Query  string
}

// Package is an artifact stored in Server.
type Package struct {
	Ident    depot.PackageIdent
	Content  []byte
	Checksum string
	Channels []string

	// hidden is the number of metadata reads that still miss the package.
	hidden int
}

type failure struct {
	status int
	drop   bool
}

// Server is a fake depot holding keys and packages of any origin.
//
// It implements the subset of the depot API used by depotsync, including
// paginated channel listings and a configurable indexing lag after uploads.
type Server struct {
	server *httptest.Server

	// PageSize is the number of catalog entries per page.
	PageSize int
	// UploadLag is the number of metadata reads that miss a freshly uploaded package.
	UploadLag int
	// Token, if set, is required as bearer token on every request.
	Token string

	mu       sync.Mutex
	keys     []depot.Key
	keyData  map[string][]byte
	packages []*Package
	requests []Request
	failures map[string]failure
}

// NewServer starts a new Server.
func NewServer() *Server {
	s := &Server{
		PageSize: defaultPageSize,
		keyData:  make(map[string][]byte),
		failures: make(map[string]failure),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/depot/origins/{origin}/keys", s.handleListKeys)
	mux.HandleFunc("GET /v1/depot/origins/{origin}/keys/{revision}", s.handleGetKey)
	mux.HandleFunc("POST /v1/depot/origins/{origin}/keys/{revision}", s.handlePostKey)
	mux.HandleFunc("GET /v1/depot/channels/{origin}/{channel}/pkgs", s.handleListPackages)
	mux.HandleFunc("GET /v1/depot/channels/{origin}/{channel}/pkgs/{name}/{version}", s.handleMetadata)
	mux.HandleFunc("GET /v1/depot/channels/{origin}/{channel}/pkgs/{name}/{version}/{release}", s.handleMetadata)
	mux.HandleFunc("PUT /v1/depot/channels/{origin}/{channel}/pkgs/{name}/{version}/{release}/promote", s.handlePromote)
	mux.HandleFunc("GET /v1/depot/pkgs/{origin}/{name}/{version}/{release}/download", s.handleDownload)
	mux.HandleFunc("POST /v1/depot/pkgs/{origin}/{name}/{version}/{release}", s.handleUpload)

	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, Request{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery})
		f, failing := s.failures[r.Method+" "+r.URL.Path]
		s.mu.Unlock()

		if s.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.Token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if failing {
			if f.drop {
				dropConnection(w)
				return
			}
			http.Error(w, "injected failure", f.status)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	return s
}

// URL returns the base URL of the server.
func (s *Server) URL() string {
	return s.server.URL
}

// Close shuts down the server.
func (s *Server) Close() {
	s.server.Close()
}

// AddKey stores a key revision of origin.
func (s *Server) AddKey(origin, revision string, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addKeyLocked(origin, revision, content)
}

func (s *Server) addKeyLocked(origin, revision string, content []byte) {
	id := origin + "/" + revision
	if _, ok := s.keyData[id]; !ok {
		s.keys = append(s.keys, depot.Key{
			Origin:   origin,
			Revision: revision,
			Location: "/origins/" + origin + "/keys/" + revision,
		})
	}
	s.keyData[id] = append([]byte(nil), content...)
}

// Keys returns the keys of origin.
func (s *Server) Keys(origin string) []depot.Key {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []depot.Key
	for _, k := range s.keys {
		if k.Origin == origin {
			keys = append(keys, k)
		}
	}
	return keys
}

// KeyContent returns the content of a key revision.
func (s *Server) KeyContent(origin, revision string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.keyData[origin+"/"+revision]
	return data, ok
}

// AddPackage stores an artifact of origin/name/version/release visible in channels.
func (s *Server) AddPackage(origin, name, version, release string, content []byte, channels ...string) *Package {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := &Package{
		Ident:    depot.PackageIdent{Origin: origin, Name: name, Version: version, Release: release},
		Content:  append([]byte(nil), content...),
		Checksum: artifact.Checksum(content),
		Channels: append([]string(nil), channels...),
	}
	s.packages = append(s.packages, p)
	return p
}

// Package returns a copy of a stored artifact.
func (s *Server) Package(origin, name, version, release string) (Package, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.findLocked(origin, name, version, release)
	if p == nil {
		return Package{}, false
	}
	c := *p
	c.Channels = append([]string(nil), p.Channels...)
	return c, true
}

// Packages returns the idents of every stored artifact of origin.
func (s *Server) Packages(origin string) []depot.PackageIdent {
	s.mu.Lock()
	defer s.mu.Unlock()

	var idents []depot.PackageIdent
	for _, p := range s.packages {
		if p.Ident.Origin == origin {
			idents = append(idents, p.Ident)
		}
	}
	return idents
}

// SetChecksum overrides the checksum reported in the metadata of an artifact.
func (s *Server) SetChecksum(origin, name, version, release, checksum string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.findLocked(origin, name, version, release); p != nil {
		p.Checksum = checksum
	}
}

// Fail makes requests for method and path answer with status.
func (s *Server) Fail(method, path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method+" "+path] = failure{status: status}
}

// Drop makes requests for method and path fail at the transport level.
func (s *Server) Drop(method, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method+" "+path] = failure{drop: true}
}

// Restore removes an injected failure for method and path.
func (s *Server) Restore(method, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, method+" "+path)
}

// Requests returns every request received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// CountRequests counts requests of method whose path starts with prefix.
func (s *Server) CountRequests(method, prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	for _, r := range s.requests {
		if r.Method == method && strings.HasPrefix(r.Path, prefix) {
			n++
		}
	}
	return n
}

func (s *Server) findLocked(origin, name, version, release string) *Package {
	for _, p := range s.packages {
		id := p.Ident
		if id.Origin == origin && id.Name == name && id.Version == version && id.Release == release {
			return p
		}
	}
	return nil
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Keys(r.PathValue("origin")))
}

func (s *Server) handleGetKey(w http.ResponseWriter, r *http.Request) {
	data, ok := s.KeyContent(r.PathValue("origin"), r.PathValue("revision"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write(data)
}

func (s *Server) handlePostKey(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.addKeyLocked(r.PathValue("origin"), r.PathValue("revision"), data)
	s.mu.Unlock()
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleListPackages(w http.ResponseWriter, r *http.Request) {
	start, err := strconv.Atoi(r.URL.Query().Get("range"))
	if err != nil || start < 0 {
		http.Error(w, "bad range", http.StatusBadRequest)
		return
	}
	origin, channel := r.PathValue("origin"), r.PathValue("channel")

	s.mu.Lock()
	var all []depot.PackageIdent
	for _, p := range s.packages {
		if p.Ident.Origin == origin && slices.Contains(p.Channels, channel) {
			all = append(all, p.Ident)
		}
	}
	pageSize := s.PageSize
	s.mu.Unlock()

	end := min(start+pageSize, len(all))
	var data []depot.PackageIdent
	if start < end {
		data = all[start:end]
	}
	status := http.StatusOK
	if end < len(all) {
		status = http.StatusPartialContent
	}
	writeJSON(w, status, map[string]any{
		"range_start": start,
		"range_end":   end - 1,
		"total_count": len(all),
		"data":        nonNil(data),
	})
}

// handleMetadata resolves "latest" to the most recently added match.
func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	origin, channel := r.PathValue("origin"), r.PathValue("channel")
	name, version, release := r.PathValue("name"), r.PathValue("version"), r.PathValue("release")
	if release == "" {
		release = depot.Latest
	}

	s.mu.Lock()
	var found *Package
	for _, p := range s.packages {
		id := p.Ident
		if id.Origin != origin || id.Name != name || !slices.Contains(p.Channels, channel) {
			continue
		}
		if version != depot.Latest && id.Version != version {
			continue
		}
		if version != depot.Latest && release != depot.Latest && id.Release != release {
			continue
		}
		found = p
	}
	var meta *depot.PackageMetadata
	if found != nil {
		if found.hidden > 0 {
			found.hidden--
		} else {
			meta = &depot.PackageMetadata{
				Ident:    found.Ident,
				Checksum: found.Checksum,
				Channels: append([]string(nil), found.Channels...),
			}
		}
	}
	s.mu.Unlock()

	if meta == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.findLocked(r.PathValue("origin"), r.PathValue("name"), r.PathValue("version"), r.PathValue("release"))
	if p == nil {
		http.NotFound(w, r)
		return
	}
	if channel := r.PathValue("channel"); !slices.Contains(p.Channels, channel) {
		p.Channels = append(p.Channels, channel)
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	p, ok := s.Package(r.PathValue("origin"), r.PathValue("name"), r.PathValue("version"), r.PathValue("release"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(p.Content)))
	w.Write(p.Content)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	var body bytes.Buffer
	info, err := artifact.CopyWithChecksum(&body, r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := artifact.Verify(info, r.URL.Query().Get("checksum")); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	origin, name, version, release := r.PathValue("origin"), r.PathValue("name"), r.PathValue("version"), r.PathValue("release")

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findLocked(origin, name, version, release) != nil {
		http.Error(w, "conflict", http.StatusConflict)
		return
	}
	s.packages = append(s.packages, &Package{
		Ident:    depot.PackageIdent{Origin: origin, Name: name, Version: version, Release: release},
		Content:  body.Bytes(),
		Checksum: info.Checksum,
		Channels: []string{depot.UnstableChannel},
		hidden:   s.UploadLag,
	})
	w.WriteHeader(http.StatusCreated)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func nonNil(data []depot.PackageIdent) []depot.PackageIdent {
	if data == nil {
		return []depot.PackageIdent{}
	}
	return data
}

// dropConnection closes the connection without writing a response.
func dropConnection(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		panic("depottest: response writer does not support hijacking")
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		panic(err)
	}
	conn.Close()
}
