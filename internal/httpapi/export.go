package httpapi

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strings"

	"github.com/leadengine/searchengine/internal/store"
	"github.com/leadengine/searchengine/internal/tasks"
)

// utf8BOM precedes the CSV body so Excel on Windows detects UTF-8 rather
// than falling back to the system codepage (§6 CSV export requirement).
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

var csvHeader = []string{
	"first_name", "last_name", "title", "company", "city", "state", "country",
	"email", "phone", "linkedin_url", "verified", "verification_score",
	"verification_source", "carrier",
}

// ExportCSV handles GET /v1/search/{token}/export.csv (§6 exportCsv
// operation), streaming every result row as a BOM-prefixed CSV (cells are
// quoted only when they contain a comma, quote or line break) with US phone
// numbers normalized to bare digits.
func (h *searchHandler) ExportCSV(w http.ResponseWriter, r *http.Request) {
	row, ok := h.lookupOwnedTask(w, r)
	if !ok {
		return
	}
	if row.Status != tasks.StatusCompleted && row.Status != tasks.StatusStopped {
		writeError(w, http.StatusConflict, "not_ready", "task has not reached a terminal, result-bearing state")
		return
	}

	filename := fmt.Sprintf("search-%s.csv", row.Token)
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(utf8BOM)

	cw := csv.NewWriter(w)
	cw.UseCRLF = true
	_ = cw.Write(csvHeader)

	const pageSize = 200
	page := 1
	for {
		rows, total, err := h.st.ListResults(r.Context(), row.ID, page, pageSize)
		if err != nil || len(rows) == 0 {
			break
		}
		for _, result := range rows {
			_ = cw.Write(resultToCSVRow(result))
		}
		if page*pageSize >= total {
			break
		}
		page++
	}
	cw.Flush()
}

func resultToCSVRow(r store.ResultRow) []string {
	return []string{
		r.FirstName,
		r.LastName,
		r.Title,
		r.Company,
		r.City,
		r.State,
		r.Country,
		r.Email,
		normalizeUSPhone(r.Phone),
		r.LinkedInURL,
		boolToYesNo(r.Verified),
		fmt.Sprintf("%d", r.VerificationScore),
		r.VerificationSource,
		r.Carrier,
	}
}

// normalizeUSPhone strips everything but digits and drops a leading "1"
// country code, matching the spec's digit-normalized US phone requirement.
func normalizeUSPhone(raw string) string {
	var b strings.Builder
	for _, c := range raw {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}
	digits := b.String()
	if len(digits) == 11 && digits[0] == '1' {
		digits = digits[1:]
	}
	return digits
}

func boolToYesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
