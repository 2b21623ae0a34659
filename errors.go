package agos

import (
	"fmt"
	"time"
)

// ErrComm reports message bus or ACL protocol misuse: sending to an
// unregistered agent, double registration, and the like.
type ErrComm struct {
	Agent   string
	Message string
}

func (e *ErrComm) Error() string {
	return fmt.Sprintf("agent %s: %s", e.Agent, e.Message)
}

// ErrCollect reports a data collection failure: API timeout, bad
// response, or parse failure for one external source.
type ErrCollect struct {
	Source  string
	Message string
}

func (e *ErrCollect) Error() string {
	return fmt.Sprintf("%s: %s", e.Source, e.Message)
}

// ErrRoute reports a route computation failure.
type ErrRoute struct {
	Kind    RouteErrKind
	Message string
}

// RouteErrKind discriminates route failures.
type RouteErrKind string

const (
	// NoPathFound means the search exhausted the frontier without
	// reaching the goal.
	NoPathFound RouteErrKind = "no_path_found"
	// InvalidLocation means a start or end point could not be matched
	// to the road graph.
	InvalidLocation RouteErrKind = "invalid_location"
)

func (e *ErrRoute) Error() string {
	return fmt.Sprintf("route: %s: %s", e.Kind, e.Message)
}

// ErrGraph reports a road graph failure: graph not loaded, or an edge
// update that could not be applied.
type ErrGraph struct {
	Op      string // "load", "update", "snapshot", "restore"
	Message string
}

func (e *ErrGraph) Error() string {
	return fmt.Sprintf("graph %s: %s", e.Op, e.Message)
}

// ErrGeo reports a geospatial failure: raster load or coordinate
// transform.
type ErrGeo struct {
	Message string
}

func (e *ErrGeo) Error() string {
	return "geo: " + e.Message
}

// ErrConfig reports an invalid or missing configuration value.
// Configuration errors are fatal at startup.
type ErrConfig struct {
	Key     string
	Message string
}

func (e *ErrConfig) Error() string {
	if e.Key == "" {
		return "config: " + e.Message
	}
	return fmt.Sprintf("config %s: %s", e.Key, e.Message)
}

// ErrStore reports an observation store failure. Store errors are
// absorbed by callers (persistence is an optional collaborator).
type ErrStore struct {
	Op      string
	Message string
}

func (e *ErrStore) Error() string {
	return fmt.Sprintf("store %s: %s", e.Op, e.Message)
}

// ErrLLM reports an LLM provider failure. The facade absorbs these and
// returns empty structured results; callers never crash on LLM failure.
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP is a non-2xx response from an external HTTP API. RetryAfter
// carries the wait the server requested via its Retry-After header,
// zero when the response had none.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}
