package loader

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// Startup query parameters.
const (
	ParamFileID      = "fileId"
	ParamProjectID   = "projectId"
	ParamProjectFile = "project_file"
)

// fragmentProjectPattern recovers a project id from a fragment URL such as
// https://cdn.example/x/scratch_777.sb3.
var fragmentProjectPattern = regexp.MustCompile(`scratch_(\d+)\.sb3`)

// Kind names the startup source that resolved a load.
type Kind string

const (
	KindFragment    Kind = "fragment"
	KindProjectFile Kind = "project_file"
	KindCatalog     Kind = "catalog"
)

// Startup is the page location the application was opened with.
type Startup struct {
	Fragment string // without the leading '#'
	Query    url.Values

	// KnownProjectID is used when the query carries fileId but no projectId.
	KnownProjectID string
}

// ParseStartupURL splits a page URL into its startup inputs.
func ParseStartupURL(raw string) (Startup, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Startup{}, fmt.Errorf("invalid startup URL: %w", err)
	}
	frag := u.Fragment
	if u.RawFragment != "" {
		frag = u.RawFragment
	}
	return Startup{Fragment: frag, Query: u.Query()}, nil
}

// FragmentURL returns the external project URL carried by the fragment.
func (s Startup) FragmentURL() (string, bool) {
	f := strings.TrimPrefix(s.Fragment, "#")
	if strings.HasPrefix(f, "http://") || strings.HasPrefix(f, "https://") {
		return f, true
	}
	return "", false
}

// ProjectFileURL returns the project_file query parameter.
func (s Startup) ProjectFileURL() (string, bool) {
	v := strings.TrimSpace(s.Query.Get(ParamProjectFile))
	return v, v != ""
}

// FileID returns the numeric fileId query parameter. Non-numeric and
// non-positive values are treated as absent.
func (s Startup) FileID() (int64, bool) {
	raw := strings.TrimSpace(s.Query.Get(ParamFileID))
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// ProjectID resolves the client project id to pair with fileId: the query
// parameter, then KnownProjectID, then the scratch_<digits>.sb3 pattern in
// the fragment.
func (s Startup) ProjectID() (string, bool) {
	if v := strings.TrimSpace(s.Query.Get(ParamProjectID)); v != "" {
		return v, true
	}
	if s.KnownProjectID != "" {
		return s.KnownProjectID, true
	}
	if m := fragmentProjectPattern.FindStringSubmatch(s.Fragment); m != nil {
		return m[1], true
	}
	return "", false
}
