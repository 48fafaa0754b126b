package model

// PublishMetadata is the JSON metadata block of a publish request,
// sent length-prefixed ahead of the archive bytes.
type PublishMetadata struct {
	Name          string              `json:"name"`
	Vers          string              `json:"vers"`
	Deps          []PublishDependency `json:"deps"`
	Features      map[string][]string `json:"features"`
	Description   string              `json:"description"`
	Documentation string              `json:"documentation"`
	Homepage      string              `json:"homepage"`
	Readme        string              `json:"readme"`
	Repository    string              `json:"repository"`
	License       string              `json:"license"`
	Keywords      []string            `json:"keywords"`
	Links         string              `json:"links"`
}

// PublishDependency is one declared dependency in a publish request.
type PublishDependency struct {
	Name            string   `json:"name"`
	VersionReq      string   `json:"version_req"`
	Features        []string `json:"features"`
	Optional        bool     `json:"optional"`
	DefaultFeatures bool     `json:"default_features"`
	Target          string   `json:"target"`
	Kind            string   `json:"kind"`
}

// IndexDependency converts a declared dependency into its index form.
func (d PublishDependency) IndexDependency() IndexDependency {
	return IndexDependency{
		Name:            d.Name,
		Req:             d.VersionReq,
		Features:        d.Features,
		Optional:        d.Optional,
		DefaultFeatures: d.DefaultFeatures,
		Target:          d.Target,
		Kind:            d.Kind,
	}
}

// PublishResponse is the success body of a publish request.
type PublishResponse struct {
	Cksum string `json:"cksum"`
}

// SearchResult is one crate entry in a search response.
type SearchResult struct {
	Name        string `json:"name"`
	MaxVersion  string `json:"max_version"`
	Description string `json:"description"`
	Downloads   int64  `json:"downloads"`
}

// SearchResponse is the body of a search request.
type SearchResponse struct {
	Crates []SearchResult `json:"crates"`
	Meta   SearchMeta     `json:"meta"`
}

// SearchMeta carries the total match count for a search.
type SearchMeta struct {
	Total int64 `json:"total"`
}

// CrateInfo is the body of a crate info request: metadata plus the
// version list from the index.
type CrateInfo struct {
	Name          string        `json:"name"`
	Description   string        `json:"description,omitempty"`
	Documentation string        `json:"documentation,omitempty"`
	Repository    string        `json:"repository,omitempty"`
	Downloads     int64         `json:"downloads"`
	ReadmeHTML    string        `json:"readme_html,omitempty"`
	Versions      []VersionInfo `json:"versions"`
}

// VersionInfo is one version entry in a crate info response.
type VersionInfo struct {
	Vers   string `json:"vers"`
	Cksum  string `json:"cksum"`
	Yanked bool   `json:"yanked"`
}

// OwnersResponse lists the users allowed to manage a crate.
type OwnersResponse struct {
	Users []OwnerInfo `json:"users"`
}

// OwnerInfo is one owner entry.
type OwnerInfo struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
}

// OKResponse is the generic success body for yank and unyank requests.
type OKResponse struct {
	OK bool `json:"ok"`
}

// ErrorResponse is the error body format expected by registry clients.
type ErrorResponse struct {
	Errors []ErrorDetail `json:"errors"`
}

// ErrorDetail is one entry of an ErrorResponse.
type ErrorDetail struct {
	Detail string `json:"detail"`
}
