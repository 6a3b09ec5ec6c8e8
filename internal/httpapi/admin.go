package httpapi

import (
	"encoding/csv"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/examattempts/engine/internal/rbac"
)

func itoa(n int) string     { return strconv.Itoa(n) }
func ftoa(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

func (s *Server) calculateRankingsHandler(w http.ResponseWriter, r *http.Request) {
	examID := chi.URLParam(r, "examId")
	rows, err := s.ranking.Recalculate(r.Context(), examID)
	if err != nil {
		fail(w, s.log, classify(err))
		return
	}
	if err := s.ranking.Fill(r.Context(), examID, rows, s.cfg.RankingCacheTTL); err != nil {
		s.log.Warn("ranking cache fill failed after admin recalculation")
	}
	ok(w, map[string]any{"rankings": rows})
}

func (s *Server) adminRankingsHandler(w http.ResponseWriter, r *http.Request) {
	examID := chi.URLParam(r, "examId")
	rows, err := s.ranking.Recalculate(r.Context(), examID)
	if err != nil {
		fail(w, s.log, classify(err))
		return
	}
	ok(w, map[string]any{"rankings": rows})
}

func (s *Server) exportRankingsHandler(w http.ResponseWriter, r *http.Request) {
	examID := chi.URLParam(r, "examId")
	rows, err := s.ranking.Recalculate(r.Context(), examID)
	if err != nil {
		fail(w, s.log, classify(err))
		return
	}

	format := r.URL.Query().Get("format")
	if format == "csv" {
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", "attachment; filename=rankings-"+examID+".csv")
		cw := csv.NewWriter(w)
		_ = cw.Write([]string{"rank", "attemptId", "userId", "finalScore", "percentile"})
		for _, row := range rows {
			_ = cw.Write([]string{
				itoa(row.Rank), row.AttemptID, row.UserID,
				ftoa(row.FinalScore), ftoa(row.Percentile),
			})
		}
		cw.Flush()
		return
	}
	ok(w, map[string]any{"rankings": rows})
}

func (s *Server) studentResultHandler(w http.ResponseWriter, r *http.Request) {
	attemptID := chi.URLParam(r, "attemptId")
	a, err := s.attempts.Get(r.Context(), attemptID)
	if err != nil {
		fail(w, s.log, classify(err))
		return
	}
	ok(w, a)
}

func (s *Server) examResultsHandler(w http.ResponseWriter, r *http.Request) {
	examID := chi.URLParam(r, "examId")
	items, err := s.attempts.ListCompletedByExam(r.Context(), examID)
	if err != nil {
		fail(w, s.log, classify(err))
		return
	}
	ok(w, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) recalculateHandler(w http.ResponseWriter, r *http.Request) {
	p, _ := rbac.FromContext(r.Context())
	attemptID := chi.URLParam(r, "attemptId")
	if err := s.admin.Recalculate(r.Context(), attemptID, p.UserID); err != nil {
		fail(w, s.log, classify(err))
		return
	}
	ok(w, map[string]any{"recalculated": true})
}

func (s *Server) forceStatusHandler(w http.ResponseWriter, r *http.Request) {
	p, _ := rbac.FromContext(r.Context())
	attemptID := chi.URLParam(r, "attemptId")
	if err := s.admin.ForceComplete(r.Context(), attemptID, p.UserID); err != nil {
		fail(w, s.log, classify(err))
		return
	}
	ok(w, map[string]any{"completed": true})
}

func (s *Server) deleteAttemptHandler(w http.ResponseWriter, r *http.Request) {
	p, _ := rbac.FromContext(r.Context())
	attemptID := chi.URLParam(r, "attemptId")
	if err := s.admin.Delete(r.Context(), attemptID, p.UserID); err != nil {
		fail(w, s.log, classify(err))
		return
	}
	ok(w, map[string]any{"deleted": true})
}
