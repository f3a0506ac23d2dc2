package engine

import "github.com/ainexllc/ainexsuite-sub009/internal/entity"

// View is the derived view-model handed to the presentation layer.
// Pinned is always complete; Others is the current pagination window
// over the remaining sorted results. TotalCount counts all non-pinned
// matches regardless of the window.
type View struct {
	Pinned        []entity.Entity `json:"pinned"`
	Others        []entity.Entity `json:"others"`
	HasMore       bool            `json:"hasMore"`
	IsLoadingMore bool            `json:"isLoadingMore"`
	TotalCount    int             `json:"totalCount"`
	Trashed       []entity.Entity `json:"trashed"`
	Stats         Stats           `json:"stats"`
	Loading       bool            `json:"loading"`
}
