package model

// BundleMetadata describes a loaded bundle.
type BundleMetadata struct {
	ID         string
	CreateTime SnapshotVersion
	Version    int
}

// NamedQuery is a query stored by a bundle under a name.
type NamedQuery struct {
	Name     string
	Query    Query
	ReadTime SnapshotVersion
}
