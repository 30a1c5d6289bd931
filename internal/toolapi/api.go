// Package toolapi is the tool-facing surface of the state query layer.
// Every entry point returns a Response and never panics or propagates an
// error: tool handlers feed LLM conversations, and a raised error there
// kills the turn instead of producing a self-describing failure message.
package toolapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/KohlJary/statebus/internal/construct"
	"github.com/KohlJary/statebus/internal/query"
)

// discoveryLimit is the default capability-search depth for ask_state.
const discoveryLimit = 5

// Response is the uniform tool envelope.
type Response struct {
	Success bool   `json:"success"`
	Result  string `json:"result,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Router is the slice of the dispatch bus the API needs.
type Router interface {
	Query(ctx context.Context, q query.StateQuery) (query.QueryResult, error)
	SourceIDs() []string
}

// Discoverer is the slice of the capability registry the API needs.
type Discoverer interface {
	FindCapabilities(ctx context.Context, text string, limit int, sourceFilter string, tagFilter []string) []query.CapabilityMatch
	ListAll(ctx context.Context) (map[string][]query.CapabilityMatch, error)
}

// QueryBuilder is the slice of the query constructor the API needs.
type QueryBuilder interface {
	Construct(ctx context.Context, intent string, matches []query.CapabilityMatch, sources []string) construct.Result
}

// API exposes the tool entry points. registry and builder may be nil;
// the corresponding entry points degrade instead of failing.
type API struct {
	router   Router
	registry Discoverer
	builder  QueryBuilder
	logger   *slog.Logger
}

// New wires the entry points.
func New(router Router, registry Discoverer, builder QueryBuilder, logger *slog.Logger) *API {
	return &API{router: router, registry: registry, builder: builder, logger: logger}
}

// ExecuteStateQuery runs a structured query and renders the result.
func (a *API) ExecuteStateQuery(ctx context.Context, q query.StateQuery) (resp Response) {
	defer a.recoverInto(&resp, "state query")

	result, err := a.router.Query(ctx, q)
	if err != nil {
		return failedResponse(err)
	}
	return Response{
		Success: true,
		Result:  FormatResult(result),
		Data:    result,
	}
}

// ExecuteDiscoverCapabilities searches the capability index. source narrows
// the search to one source's metrics; tags keeps only matches carrying at
// least one of the given tags. Both are optional. Discovery is advisory: an
// unavailable registry yields an empty (not failed) response.
func (a *API) ExecuteDiscoverCapabilities(ctx context.Context, text string, limit int, source string, tags []string) (resp Response) {
	defer a.recoverInto(&resp, "capability discovery")

	if a.registry == nil {
		return Response{Success: true, Result: "Capability discovery is not available."}
	}
	if limit <= 0 {
		limit = discoveryLimit
	}
	matches := a.registry.FindCapabilities(ctx, text, limit, source, tags)
	return Response{
		Success: true,
		Result:  FormatMatches(matches),
		Data:    matches,
	}
}

// ExecuteListCapabilities lists every registered capability grouped by source.
func (a *API) ExecuteListCapabilities(ctx context.Context) (resp Response) {
	defer a.recoverInto(&resp, "capability listing")

	if a.registry == nil {
		return Response{Success: true, Result: "Capability discovery is not available."}
	}
	bySource, err := a.registry.ListAll(ctx)
	if err != nil {
		return Response{
			Success: false,
			Result:  "Query failed: capability index unavailable",
			Error:   err.Error(),
		}
	}
	return Response{
		Success: true,
		Result:  FormatCapabilityList(bySource),
		Data:    bySource,
	}
}

// ExecuteAskState answers a natural-language question: discover candidate
// capabilities, construct a structured query, dispatch it, render the answer.
func (a *API) ExecuteAskState(ctx context.Context, question string) (resp Response) {
	defer a.recoverInto(&resp, "ask state")

	var matches []query.CapabilityMatch
	if a.registry != nil {
		matches = a.registry.FindCapabilities(ctx, question, discoveryLimit, "", nil)
	}

	if a.builder == nil {
		return Response{
			Success: false,
			Result:  "Query failed: no query constructor configured",
			Error:   "query construction unavailable",
		}
	}

	built := a.builder.Construct(ctx, question, matches, a.router.SourceIDs())
	if !built.OK() {
		available := strings.Join(a.router.SourceIDs(), ", ")
		msg := fmt.Sprintf("Couldn't determine which source answers %q. Available sources: %s.", question, available)
		return Response{Success: false, Result: msg, Error: msg}
	}

	result, err := a.router.Query(ctx, *built.Query)
	if err != nil {
		return failedResponse(err)
	}

	return Response{
		Success: true,
		Result:  FormatResult(result),
		Data: map[string]any{
			"result":        result,
			"confidence":    built.Confidence,
			"fallback_used": built.FallbackUsed,
		},
	}
}

// failedResponse maps taxonomy errors onto caller-actionable messages.
func failedResponse(err error) Response {
	var msg string

	var notFound *query.SourceNotFoundError
	var invalid *query.ValidationError
	var execFailed *query.ExecutionError
	switch {
	case errors.As(err, &notFound):
		msg = fmt.Sprintf("Unknown source '%s'. Available: %s",
			notFound.Source, strings.Join(notFound.Available, ", "))
	case errors.As(err, &invalid):
		msg = strings.Join(invalid.Problems, "; ")
	case errors.As(err, &execFailed):
		msg = fmt.Sprintf("Source '%s' failed: %v", execFailed.Source, execFailed.Err)
	default:
		msg = err.Error()
	}

	return Response{
		Success: false,
		Result:  "Query failed: " + msg,
		Error:   msg,
	}
}

// recoverInto converts a panic anywhere below an entry point into a failed
// Response.
func (a *API) recoverInto(resp *Response, op string) {
	if r := recover(); r != nil {
		a.logger.Error("toolapi: recovered panic", "op", op, "panic", r)
		*resp = Response{
			Success: false,
			Result:  "Query failed: internal error",
			Error:   fmt.Sprintf("internal error in %s: %v", op, r),
		}
	}
}

// sortedSources returns map keys in stable order for rendering.
func sortedSources[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
