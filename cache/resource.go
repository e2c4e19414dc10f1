package cache

// Type classifies a resource for statistics.
type Type int

const (
	TypeOther Type = iota
	TypeImage
	TypeStyleSheet
	TypeScript
	TypeFont
)

func (t Type) String() string {
	switch t {
	case TypeImage:
		return "image"
	case TypeStyleSheet:
		return "stylesheet"
	case TypeScript:
		return "script"
	case TypeFont:
		return "font"
	default:
		return "other"
	}
}

// UpdateReason tells UpdateDecodedResource why the decoded payload changed.
type UpdateReason int

const (
	// UpdateForSize: the decoded payload was produced, resized or destroyed.
	UpdateForSize UpdateReason = iota
	// UpdateForAccess: the decoded payload was used; stamps the access time.
	UpdateForAccess
)

// Resource is a fetched resource owned by some other subsystem (a fetcher).
// The cache only tracks it; it never fetches, decodes or frees anything.
//
// Implementations must be comparable (normally a pointer type): the cache
// keys entries by resource identity.
//
// All methods are called on the cache's goroutine and must be O(1).
// Size must equal EncodedSize + DecodedSize + OverheadSize at all times, and
// every change to it must be reported through Cache.Update.
type Resource interface {
	// URL and PartitionKey place the resource in the cache.
	URL() string
	PartitionKey() string
	Type() Type

	Size() int64
	EncodedSize() int64
	DecodedSize() int64
	OverheadSize() int64

	// IsLoaded reports whether loading finished; only loaded resources
	// have their decoded payload pruned.
	IsLoaded() bool
	// HasClients reports whether consumers other than the cache hold the resource.
	HasClients() bool
	// IsUnusedPreload is true for speculative preloads no consumer asked for yet.
	IsUnusedPreload() bool

	// Prune destroys the decoded payload in place. The resource stays valid:
	// encoded data and metadata survive. Prune may call back into the cache.
	Prune()
}
