package search

import (
	"strings"

	"github.com/hyperjump/tansaku/internal/models"
)

// ProcessQuery applies the engine's defaults to query and validates it.
func (e *Engine) ProcessQuery(query *models.SearchQuery) error {
	query.Text = strings.TrimSpace(query.Text)
	if query.K <= 0 {
		query.K = e.cfg.Search.DefaultK
	}
	if query.K > e.cfg.Search.MaxK {
		query.K = e.cfg.Search.MaxK
	}
	if query.PruningFactor <= 0 {
		query.PruningFactor = e.cfg.Search.DefaultPruningFactor
	}
	return query.Validate()
}
