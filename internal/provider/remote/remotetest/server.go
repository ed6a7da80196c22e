// Package remotetest provides an in-memory PostgREST stand-in for tests. It
// understands the filters the remote provider sends and applies the same merge
// rules as the server-side trigger installed by remote.ApplySchema.
package remotetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/njoerd114/watchledger/internal/model"
)

// Table is the only table the server exposes.
const Table = "watch_history"

// Key is the API key the server accepts.
const Key = "test-service-key"

type row struct {
	ID         string `json:"id"`
	LastSeenAt int64  `json:"last_seen_at"`
	Title      string `json:"title"`
	ViewCount  *int   `json:"view_count"`
}

// Server is a fake PostgREST endpoint backed by a map.
type Server struct {
	srv *httptest.Server

	mu        sync.Mutex
	rows      map[string]model.WatchRecord
	failures  []int
	anonymous bool
	calls     map[string]int
}

// New starts a server and stops it when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		rows:  make(map[string]model.WatchRecord),
		calls: make(map[string]int),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

// Endpoint is the base URL to configure the remote provider with.
func (s *Server) Endpoint() string {
	return s.srv.URL + "/rest/v1"
}

// Close stops the server early, making every later request fail at the
// transport level.
func (s *Server) Close() {
	s.srv.Close()
}

// Seed stores recs as-is, bypassing merge rules.
func (s *Server) Seed(recs ...model.WatchRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range recs {
		s.rows[r.ID] = r
	}
}

// Records returns a snapshot of every row, newest first.
func (s *Server) Records() []model.WatchRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked()
}

// Record returns the row with the given id.
func (s *Server) Record(id string) (model.WatchRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	return r, ok
}

// FailNext makes the next n requests fail with status.
func (s *Server) FailNext(n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for range n {
		s.failures = append(s.failures, status)
	}
}

// AllowAnonymousReads disables the credential check for GET requests, which
// mimics a table without row-level security.
func (s *Server) AllowAnonymousReads(allow bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anonymous = allow
}

// Calls returns how many requests with the given method reached the handler,
// failed ones included.
func (s *Server) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls[r.Method]++

	if len(s.failures) > 0 {
		status := s.failures[0]
		s.failures = s.failures[1:]
		writeError(w, status, "injected failure")
		return
	}

	if r.URL.Path != "/rest/v1/"+Table {
		writeError(w, http.StatusNotFound, fmt.Sprintf("relation %q does not exist", strings.TrimPrefix(r.URL.Path, "/rest/v1/")))
		return
	}

	authed := r.Header.Get("apikey") == Key && r.Header.Get("Authorization") == "Bearer "+Key
	if !authed && !(s.anonymous && r.Method == http.MethodGet) {
		writeError(w, http.StatusUnauthorized, "invalid API key")
		return
	}

	switch r.Method {
	case http.MethodGet, http.MethodHead:
		s.handleRead(w, r)
	case http.MethodPost:
		s.handleUpsert(w, r)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	matched, err := s.filterLocked(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	total := len(matched)

	offset, _ := strconv.Atoi(q.Get("offset"))
	limit := -1
	if v := q.Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	if offset > len(matched) {
		offset = len(matched)
	}
	matched = matched[offset:]
	if limit >= 0 && limit < len(matched) {
		matched = matched[:limit]
	}

	if strings.Contains(r.Header.Get("Prefer"), "count=exact") {
		if len(matched) == 0 {
			w.Header().Set("Content-Range", fmt.Sprintf("*/%d", total))
		} else {
			w.Header().Set("Content-Range", fmt.Sprintf("%d-%d/%d", offset, offset+len(matched)-1, total))
		}
	}

	out := make([]row, 0, len(matched))
	for _, rec := range matched {
		n := rec.ViewCount
		out = append(out, row{ID: rec.ID, LastSeenAt: rec.LastSeenAt, Title: rec.Title, ViewCount: &n})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_ = json.NewEncoder(w).Encode(out)
	}
}

func (s *Server) handleUpsert(w http.ResponseWriter, r *http.Request) {
	var rows []row
	if err := json.NewDecoder(r.Body).Decode(&rows); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	merge := strings.Contains(r.Header.Get("Prefer"), "resolution=merge-duplicates")

	seen := make(map[string]bool, len(rows))
	for _, in := range rows {
		if !model.ValidID(in.ID) || in.Title == "" || in.LastSeenAt <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("row %q violates check constraint", in.ID))
			return
		}
		if seen[in.ID] {
			writeError(w, http.StatusInternalServerError, "ON CONFLICT DO UPDATE command cannot affect row a second time")
			return
		}
		seen[in.ID] = true
		if _, exists := s.rows[in.ID]; exists && !merge {
			writeError(w, http.StatusConflict, "duplicate key value violates unique constraint")
			return
		}
	}

	for _, in := range rows {
		views := 1
		if in.ViewCount != nil {
			views = *in.ViewCount
		}
		next := model.WatchRecord{ID: in.ID, LastSeenAt: in.LastSeenAt, Title: in.Title, ViewCount: views}
		if old, ok := s.rows[in.ID]; ok {
			next.LastSeenAt = max(old.LastSeenAt, next.LastSeenAt)
			next.ViewCount = max(old.ViewCount, next.ViewCount)
		}
		s.rows[in.ID] = next
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if len(q) == 0 {
		writeError(w, http.StatusBadRequest, "DELETE requires a WHERE clause")
		return
	}
	matched, err := s.filterLocked(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	for _, rec := range matched {
		delete(s.rows, rec.ID)
	}
	w.WriteHeader(http.StatusNoContent)
}

// filterLocked applies the id, last_seen_at and or filters and returns the
// matches newest first.
func (s *Server) filterLocked(q map[string][]string) ([]model.WatchRecord, error) {
	var keep []func(model.WatchRecord) bool

	for _, v := range q["id"] {
		switch {
		case strings.HasPrefix(v, "eq."):
			want := strings.TrimPrefix(v, "eq.")
			keep = append(keep, func(r model.WatchRecord) bool { return r.ID == want })
		case strings.HasPrefix(v, "in.(") && strings.HasSuffix(v, ")"):
			set := make(map[string]bool)
			for _, id := range strings.Split(strings.TrimSuffix(strings.TrimPrefix(v, "in.("), ")"), ",") {
				set[id] = true
			}
			keep = append(keep, func(r model.WatchRecord) bool { return set[r.ID] })
		case v == "not.is.null":
		default:
			return nil, fmt.Errorf("unsupported id filter %q", v)
		}
	}

	for _, v := range q["last_seen_at"] {
		op, num, ok := strings.Cut(v, ".")
		n, err := strconv.ParseInt(num, 10, 64)
		if !ok || err != nil {
			return nil, fmt.Errorf("unsupported last_seen_at filter %q", v)
		}
		switch op {
		case "gte":
			keep = append(keep, func(r model.WatchRecord) bool { return r.LastSeenAt >= n })
		case "lte":
			keep = append(keep, func(r model.WatchRecord) bool { return r.LastSeenAt <= n })
		default:
			return nil, fmt.Errorf("unsupported last_seen_at operator %q", op)
		}
	}

	if v := q["or"]; len(v) > 0 {
		pattern, err := parseIlike(v[0])
		if err != nil {
			return nil, err
		}
		re := likeRegexp(pattern)
		keep = append(keep, func(r model.WatchRecord) bool {
			return re.MatchString(r.ID) || re.MatchString(r.Title)
		})
	}

	var out []model.WatchRecord
next:
	for _, r := range s.sortedLocked() {
		for _, k := range keep {
			if !k(r) {
				continue next
			}
		}
		out = append(out, r)
	}
	return out, nil
}

// parseIlike extracts the LIKE pattern from (id.ilike."*p*",title.ilike."*p*")
// with the PostgREST quoting removed. The surrounding wildcards are dropped.
func parseIlike(v string) (string, error) {
	const prefix = `(id.ilike."*`
	if !strings.HasPrefix(v, prefix) {
		return "", fmt.Errorf("unsupported or filter %q", v)
	}
	var b strings.Builder
	rest := v[len(prefix):]
	for i := 0; i < len(rest); i++ {
		switch c := rest[i]; {
		case c == '\\' && i+1 < len(rest):
			i++
			b.WriteByte(rest[i])
		case c == '*' && i+1 < len(rest) && rest[i+1] == '"':
			return b.String(), nil
		default:
			b.WriteByte(c)
		}
	}
	return "", fmt.Errorf("unterminated or filter %q", v)
}

// likeRegexp compiles a case-insensitive substring match for a LIKE pattern:
// '%' and '*' match any run, '_' one character, and '\\' escapes the next one.
func likeRegexp(pattern string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString(`(?is)`)
	rs := []rune(pattern)
	for i := 0; i < len(rs); i++ {
		switch c := rs[i]; {
		case c == '\\' && i+1 < len(rs):
			i++
			b.WriteString(regexp.QuoteMeta(string(rs[i])))
		case c == '%' || c == '*':
			b.WriteString(`.*`)
		case c == '_':
			b.WriteString(`.`)
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	return regexp.MustCompile(b.String())
}

func (s *Server) sortedLocked() []model.WatchRecord {
	out := make([]model.WatchRecord, 0, len(s.rows))
	for _, r := range s.rows {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeenAt != out[j].LastSeenAt {
			return out[i].LastSeenAt > out[j].LastSeenAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": msg})
}
