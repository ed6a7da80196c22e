package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/njoerd114/watchledger/internal/model"
)

// PostgREST query constants.
const (
	selectColumns = "id,last_seen_at,title,view_count"
	orderNewest   = "last_seen_at.desc,id.asc"

	preferUpsert = "resolution=merge-duplicates,return=minimal"
	preferCount  = "count=exact"
)

// row is the JSON shape of one table row. view_count is a pointer because
// rows written by older clients may carry null.
type row struct {
	ID         string `json:"id"`
	LastSeenAt int64  `json:"last_seen_at"`
	Title      string `json:"title"`
	ViewCount  *int   `json:"view_count"`
}

func rowToRecord(r row) model.WatchRecord {
	rec := model.WatchRecord{
		ID:         r.ID,
		LastSeenAt: r.LastSeenAt,
		Title:      r.Title,
	}
	if r.ViewCount != nil {
		rec.ViewCount = *r.ViewCount
	}
	return model.Normalize(rec)
}

func recordToRow(rec model.WatchRecord) row {
	n := rec.ViewCount
	return row{ID: rec.ID, LastSeenAt: rec.LastSeenAt, Title: rec.Title, ViewCount: &n}
}

func decodeRows(body []byte) ([]model.WatchRecord, error) {
	var rows []row
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decoding rows: %w", err)
	}
	recs := make([]model.WatchRecord, 0, len(rows))
	for _, r := range rows {
		recs = append(recs, rowToRecord(r))
	}
	return recs, nil
}

func encodeRows(recs []model.WatchRecord) (io.Reader, error) {
	rows := make([]row, 0, len(recs))
	for _, rec := range recs {
		rows = append(rows, recordToRow(rec))
	}
	b, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("encoding rows: %w", err)
	}
	return bytes.NewReader(b), nil
}

// inFilter renders an id=in.(...) filter value. Identifiers are validated
// before they reach here, so they never contain separators.
func inFilter(ids []string) string {
	return "in.(" + strings.Join(ids, ",") + ")"
}

var (
	// likeEscaper makes LIKE metacharacters literal. PostgREST turns every
	// '*' into '%' and offers no escape for it, so a literal '*' can only be
	// matched as a single-character wildcard.
	likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`, `*`, `_`)
	// quoteEscaper escapes a value placed inside PostgREST double quotes.
	quoteEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)
)

// ilikeOr renders the case-insensitive substring filter over id and title.
// Double quotes protect commas and parentheses in the query.
func ilikeOr(query string) string {
	q := quoteEscaper.Replace(likeEscaper.Replace(query))
	return fmt.Sprintf(`(id.ilike."*%s*",title.ilike."*%s*")`, q, q)
}

// parseContentRange extracts the total from a header such as "0-24/3573" or
// "*/0".
func parseContentRange(h string) (int, error) {
	i := strings.LastIndexByte(h, '/')
	if i < 0 || i == len(h)-1 {
		return 0, fmt.Errorf("malformed Content-Range %q", h)
	}
	total := h[i+1:]
	if total == "*" {
		return 0, fmt.Errorf("Content-Range %q carries no total", h)
	}
	n, err := strconv.Atoi(total)
	if err != nil {
		return 0, fmt.Errorf("malformed Content-Range %q: %w", h, err)
	}
	return n, nil
}
