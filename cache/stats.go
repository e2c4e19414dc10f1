package cache

// TypeStatistic aggregates the tracked resources of one Type.
type TypeStatistic struct {
	Count        int
	Size         int64
	LiveSize     int64
	DecodedSize  int64
	EncodedSize  int64
	OverheadSize int64
}

func (s *TypeStatistic) add(e *entry) {
	r := e.res
	s.Count++
	s.Size += e.size
	if e.live {
		s.LiveSize += e.size
	}
	s.DecodedSize += r.DecodedSize()
	s.EncodedSize += r.EncodedSize()
	s.OverheadSize += r.OverheadSize()
}

// Statistics is a per-type snapshot for diagnostics export.
type Statistics struct {
	Images      TypeStatistic
	StyleSheets TypeStatistic
	Scripts     TypeStatistic
	Fonts       TypeStatistic
	Other       TypeStatistic
}

// ByType returns the statistic for t.
func (s *Statistics) ByType(t Type) *TypeStatistic {
	switch t {
	case TypeImage:
		return &s.Images
	case TypeStyleSheet:
		return &s.StyleSheets
	case TypeScript:
		return &s.Scripts
	case TypeFont:
		return &s.Fonts
	default:
		return &s.Other
	}
}

// Statistics walks every entry; it is O(n) and meant for diagnostics only.
func (c *Cache) Statistics() Statistics {
	var s Statistics
	for _, m := range c.partitions {
		for _, e := range m {
			s.ByType(e.res.Type()).add(e)
		}
	}
	return s
}
