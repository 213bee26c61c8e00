package pagination

const (
	DefaultLimit = 20
	MaxLimit     = 250
)

type Pagination struct {
	Limit  int `form:"limit"`
	Offset int `form:"offset"`
}

type PageInfo struct {
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	NextOffset int  `json:"next_offset,omitempty"`
	HasMore    bool `json:"has_more"`
}

// Normalize clamps Limit into [1, MaxLimit] and Offset to >= 0.
func (p Pagination) Normalize() Pagination {
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// FetchLimit asks the store for one extra row so HasMore can be computed.
func (p Pagination) FetchLimit() int {
	return p.Normalize().Limit + 1
}

// BuildPageInfo trims data fetched with FetchLimit back to the page size.
func BuildPageInfo[T any](data []T, p Pagination) ([]T, PageInfo) {
	p = p.Normalize()
	info := PageInfo{Limit: p.Limit, Offset: p.Offset}

	if len(data) > p.Limit {
		data = data[:p.Limit]
		info.HasMore = true
		info.NextOffset = p.Offset + p.Limit
	}
	return data, info
}
