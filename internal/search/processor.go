package search

import (
	"slices"

	"github.com/hyperjump/kensaku/internal/config"
	"github.com/hyperjump/kensaku/internal/models"
	"github.com/hyperjump/kensaku/internal/vector"
	kerr "github.com/hyperjump/kensaku/pkg/errors"
	"github.com/hyperjump/kensaku/pkg/utils"
)

// ProcessQuery validates the query and applies the configured top-k default and cap.
func ProcessQuery(query *models.CodeQuery, cfg config.SearchConfig) error {
	if err := query.ValidateWithLimits(cfg.DefaultTopK, cfg.MaxTopK); err != nil {
		return kerr.Wrap(err, kerr.CodeRequestInvalidInput, "invalid query")
	}
	return nil
}

// queryFilter restricts the index search to the query's scope and kinds.
func queryFilter(query *models.CodeQuery) vector.Filter {
	if len(query.ProjectScope) == 0 && len(query.Kinds) == 0 {
		return nil
	}
	return func(path string, kind models.SpanKind) bool {
		return matches(query, path, kind)
	}
}

func matches(query *models.CodeQuery, path string, kind models.SpanKind) bool {
	if len(query.Kinds) > 0 && !slices.Contains(query.Kinds, kind) {
		return false
	}
	return utils.InAnyScope(path, query.ProjectScope)
}
