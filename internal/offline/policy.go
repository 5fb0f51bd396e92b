package offline

import (
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/tphakala/offlinecache/internal/errors"
	"github.com/tphakala/offlinecache/internal/network"
)

// Outcome is the result of one intercepted fetch. Exactly one applies.
type Outcome string

const (
	// OutcomeBypass means the request was not intercepted.
	OutcomeBypass Outcome = "bypass"
	// OutcomeCacheHit returns the stored response.
	OutcomeCacheHit Outcome = "cache_hit"
	// OutcomeNetworkStored returns a valid network response; a copy is stored.
	OutcomeNetworkStored Outcome = "network_stored"
	// OutcomeNetworkPassthrough returns a network response that is not stored.
	OutcomeNetworkPassthrough Outcome = "network_passthrough"
	// OutcomeOfflineFallback returns the cached default document.
	OutcomeOfflineFallback Outcome = "offline_fallback"
	// OutcomeOfflineNone means the network failed and there is no fallback.
	OutcomeOfflineNone Outcome = "offline_none"
)

// Intercepted reports whether the worker answered the request.
func (o Outcome) Intercepted() bool {
	return o != OutcomeBypass
}

// IsIgnoredScheme reports whether u uses a scheme the worker never intercepts.
func IsIgnoredScheme(u *url.URL, schemes []string) bool {
	if u == nil {
		return false
	}
	return slices.ContainsFunc(schemes, func(s string) bool {
		return strings.EqualFold(strings.TrimSuffix(s, ":"), u.Scheme)
	})
}

// IsCacheable reports whether a network response may be written to the
// cache: status 200, same origin, not the result of a redirect.
func IsCacheable(resp *network.Response) bool {
	return resp != nil &&
		resp.Status == http.StatusOK &&
		resp.Type == network.ResponseTypeBasic &&
		!resp.Redirected
}

// ClassifyFetch decides the outcome of a request that reached the network
// stage. hit short-circuits everything else.
func ClassifyFetch(hit bool, resp *network.Response, netErr error, dest network.Destination) Outcome {
	switch {
	case hit:
		return OutcomeCacheHit
	case netErr != nil || resp == nil:
		if dest == network.DestinationDocument {
			return OutcomeOfflineFallback
		}
		return OutcomeOfflineNone
	case IsCacheable(resp):
		return OutcomeNetworkStored
	default:
		return OutcomeNetworkPassthrough
	}
}

// StaleGenerations returns every name other than current, in order.
func StaleGenerations(names []string, current string) []string {
	stale := make([]string, 0, len(names))
	for _, n := range names {
		if n != current {
			stale = append(stale, n)
		}
	}
	return stale
}

// ResolveManifest resolves manifest entries against scope. Duplicates after
// resolution are kept once, in first-seen order.
func ResolveManifest(scope *url.URL, manifest []string) ([]*url.URL, error) {
	if scope == nil || !scope.IsAbs() {
		return nil, errors.Newf("scope must be an absolute URL").
			Component("offline").
			Category(errors.CategoryConfiguration).
			Build()
	}
	seen := make(map[string]struct{}, len(manifest))
	out := make([]*url.URL, 0, len(manifest))
	for _, entry := range manifest {
		ref, err := url.Parse(entry)
		if err != nil {
			return nil, errors.New(err).
				Component("offline").
				Category(errors.CategoryConfiguration).
				Context("manifest_entry", entry).
				Build()
		}
		u := scope.ResolveReference(ref)
		u.Fragment = ""
		u.RawFragment = ""
		if _, dup := seen[u.String()]; dup {
			continue
		}
		seen[u.String()] = struct{}{}
		out = append(out, u)
	}
	return out, nil
}
