// Package discovery introspects the API surface of a binder through the
// reserved monitor API.
package discovery

import (
	"context"
	"errors"
	"fmt"

	"afb-client/internal/protocol"
	"afb-client/internal/rpc"
	"afb-client/internal/value"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	// MonitorAPI is the reserved introspection API, never listed.
	MonitorAPI = "monitor"
	monitorGet = MonitorAPI + "/get"
	infoVerb   = "info"

	// maxInfoCalls bounds concurrent <api>/info calls.
	maxInfoCalls = 8
)

var (
	ErrCallFailed = errors.New("introspection call failed")
	ErrSchema     = errors.New("unexpected introspection schema")
)

// Caller issues one verb call.
type Caller interface {
	Call(ctx context.Context, verb string, args any, opts ...rpc.CallOption) (protocol.Reply, error)
}

// Verb describes one documented path of an API.
type Verb struct {
	Verb        string `json:"verb"`
	Query       string `json:"query"`
	Description string `json:"description"`
}

// API describes one API from the full schema.
type API struct {
	API         string `json:"api"`
	Title       string `json:"title"`
	Version     string `json:"version"`
	Description string `json:"description"`
	Verbs       []Verb `json:"verbs"`
}

// APIInfo pairs an API name with its info verb response.
type APIInfo struct {
	API  string      `json:"api"`
	Info value.Value `json:"info"`
}

// InfoResult is the joined outcome of ListAPIInfos. Missing names the APIs
// whose info call returned no response and were left out of Infos.
type InfoResult struct {
	Infos   []APIInfo `json:"infos"`
	Missing []string  `json:"missing,omitempty"`
}

type Client struct {
	caller Caller
	logger zerolog.Logger
}

func New(caller Caller, logger zerolog.Logger) *Client {
	return &Client{
		caller: caller,
		logger: logger.With().Str("component", "discovery").Logger(),
	}
}

// ListAPINames returns the API names known to the binder in the order the
// monitor reports them.
func (c *Client) ListAPINames(ctx context.Context) ([]string, error) {
	apis, err := c.monitor(ctx, false)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, apis.Len())
	for _, name := range apis.Keys() {
		if name != MonitorAPI {
			names = append(names, name)
		}
	}
	return names, nil
}

// Discover fetches the full schema and shapes it into API descriptors. Any
// missing field fails the whole call.
func (c *Client) Discover(ctx context.Context) ([]API, error) {
	apis, err := c.monitor(ctx, true)
	if err != nil {
		return nil, err
	}

	out := make([]API, 0, apis.Len())
	for _, name := range apis.Keys() {
		if name == MonitorAPI {
			continue
		}
		schema, _ := apis.Get(name)
		api, err := shapeAPI(name, schema)
		if err != nil {
			return nil, err
		}
		out = append(out, api)
	}
	return out, nil
}

// ListAPIInfos calls <api>/info on every listed API concurrently. Any call
// error fails the whole join; a call without response only omits its API.
func (c *Client) ListAPIInfos(ctx context.Context) (InfoResult, error) {
	names, err := c.ListAPINames(ctx)
	if err != nil {
		return InfoResult{}, err
	}

	slots := make([]*APIInfo, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxInfoCalls)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			reply, err := c.caller.Call(gctx, name+"/"+infoVerb, value.EmptyObject())
			if err != nil {
				return fmt.Errorf("%s/%s: %w", name, infoVerb, err)
			}
			if reply.HasResponse {
				slots[i] = &APIInfo{API: name, Info: reply.Response}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return InfoResult{}, err
	}

	res := InfoResult{Infos: make([]APIInfo, 0, len(names))}
	for i, slot := range slots {
		if slot == nil {
			res.Missing = append(res.Missing, names[i])
			continue
		}
		res.Infos = append(res.Infos, *slot)
	}
	if len(res.Missing) > 0 {
		c.logger.Debug().Strs("apis", res.Missing).Msg("info verb returned no response")
	}
	return res, nil
}

// monitor calls monitor/get and returns its "apis" object.
func (c *Client) monitor(ctx context.Context, full bool) (value.Value, error) {
	args := value.ObjectValue(value.Pair{Key: "apis", Value: value.BoolValue(full)})
	reply, err := c.caller.Call(ctx, monitorGet, args)
	if err != nil {
		return value.Value{}, err
	}
	if reply.IsError() {
		return value.Value{}, fmt.Errorf("%w: %s: %s", ErrCallFailed, reply.Request.Status, reply.Request.Info)
	}
	apis, err := reply.Response.Path("apis")
	if err != nil {
		return value.Value{}, fmt.Errorf("%w: %w", ErrSchema, err)
	}
	if apis.Kind() != value.Object {
		return value.Value{}, fmt.Errorf("%w: apis is %s", ErrSchema, apis.Kind())
	}
	return apis, nil
}

func shapeAPI(name string, schema value.Value) (API, error) {
	api := API{API: name}
	var err error
	if api.Title, err = stringAt(schema, "info", "title"); err != nil {
		return API{}, fmt.Errorf("api %s: %w", name, err)
	}
	if api.Version, err = stringAt(schema, "info", "version"); err != nil {
		return API{}, fmt.Errorf("api %s: %w", name, err)
	}
	if api.Description, err = stringAt(schema, "info", "description"); err != nil {
		return API{}, fmt.Errorf("api %s: %w", name, err)
	}

	paths, err := schema.Path("paths")
	if err != nil {
		return API{}, fmt.Errorf("%w: api %s: %w", ErrSchema, name, err)
	}
	if paths.Kind() != value.Object {
		return API{}, fmt.Errorf("%w: api %s: paths is %s", ErrSchema, name, paths.Kind())
	}
	api.Verbs = make([]Verb, 0, paths.Len())
	for _, path := range paths.Keys() {
		op, _ := paths.Get(path)
		desc, err := stringAt(op, "get", "responses", "200", "description")
		if err != nil {
			return API{}, fmt.Errorf("api %s path %s: %w", name, path, err)
		}
		api.Verbs = append(api.Verbs, Verb{Verb: path, Description: desc})
	}
	return api, nil
}

func stringAt(v value.Value, keys ...string) (string, error) {
	m, err := v.Path(keys...)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSchema, err)
	}
	return m.Text(), nil
}
