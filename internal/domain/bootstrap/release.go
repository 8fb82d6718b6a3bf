package bootstrap

import "strings"

// Component names of the two provisioned processes.
const (
	ComponentAssistant = "assistant"
	ComponentGateway   = "gateway"
)

// Artifact is one downloadable archive of a release.
type Artifact struct {
	// Name is the published asset name, e.g. "assistant-1.4.0.tar.gz".
	Name string
	// URL is the download location of the payload.
	URL string
	// Size is the advertised payload size in bytes, zero when unknown.
	Size int64
}

// Release is an immutable publication resolved fresh on every bootstrap.
type Release struct {
	// Tag identifies the release, e.g. "v1.4.0".
	Tag string
	// Artifacts are kept in the order the release index returned them.
	Artifacts []Artifact
}

// MatchPrefix returns every artifact whose name starts with prefix, in release order.
func (r *Release) MatchPrefix(prefix string) []Artifact {
	if r == nil {
		return nil
	}

	matches := make([]Artifact, 0, 1)

	for _, artifact := range r.Artifacts {
		if strings.HasPrefix(artifact.Name, prefix) {
			matches = append(matches, artifact)
		}
	}

	return matches
}

// Lookup returns the artifact with exactly the given name.
func (r *Release) Lookup(name string) (Artifact, bool) {
	if r == nil {
		return Artifact{}, false
	}

	for _, artifact := range r.Artifacts {
		if artifact.Name == name {
			return artifact, true
		}
	}

	return Artifact{}, false
}

// Component is a provisioned artifact ready to be launched.
type Component struct {
	// Name is ComponentAssistant or ComponentGateway.
	Name string
	// Root is the component directory inside the installation root.
	Root string
	// EntryPoint is the absolute path of the script executed through the runtime.
	EntryPoint string
}

// Rebase returns a copy of the component with Root and EntryPoint moved from
// the staging directory to the committed installation root.
func (c *Component) Rebase(from, to string) *Component {
	rebased := *c
	rebased.Root = to + strings.TrimPrefix(c.Root, from)
	rebased.EntryPoint = to + strings.TrimPrefix(c.EntryPoint, from)

	return &rebased
}
