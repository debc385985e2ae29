package router

import (
	"context"
	"net/http"

	"github.com/julienschmidt/httprouter"
)

// Param is a single named path parameter, e.g. the "code" in /confirm/:code.
type Param struct {
	Key   string
	Value string
}

// Params is the set of named parameters matched for a request.
type Params []Param

// Get returns the value of the named parameter, or "" if not present.
func (p Params) Get(name string) string {
	for _, param := range p {
		if param.Key == name {
			return param.Value
		}
	}
	return ""
}

type Router struct {
	*httprouter.Router
}

func (r *Router) Get(path string, handler http.Handler) {
	r.Handler("GET", path, handler)
}

func (r *Router) Post(path string, handler http.Handler) {
	r.Handler("POST", path, handler)
}

func New() *Router {
	return &Router{httprouter.New()}
}

// HttpRouterNamedParams adapts httprouter's context-stashed params to Params.
type HttpRouterNamedParams struct{}

func (np *HttpRouterNamedParams) Get(ctx context.Context) Params {
	pms, _ := ctx.Value(httprouter.ParamsKey).(httprouter.Params)

	params := make(Params, 0, len(pms))
	for _, v := range pms {
		params = append(params, Param{Key: v.Key, Value: v.Value})
	}

	return params
}

func NewHttpRouterNamedParams() *HttpRouterNamedParams {
	return &HttpRouterNamedParams{}
}
