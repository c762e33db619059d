package web

import (
	"context"
	"io"
	"net/http"
	"sort"

	"github.com/a-h/templ"
	"github.com/go-chi/chi/v5"
)

type Route struct {
	Method string
	Path   string
}

// RoutesList renders the registered routes as a page of links.
func RoutesList(routes []Route) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if _, err := io.WriteString(w, `<!DOCTYPE html><html lang="en"><head><meta charset="UTF-8"><title>HealthGuard</title></head><body><h1>HealthGuard</h1><ul>`); err != nil {
			return err
		}
		for _, route := range routes {
			var item string
			if route.Method == http.MethodGet {
				item = `<li><code>GET</code> <a href="` + templ.EscapeString(route.Path) + `">` + templ.EscapeString(route.Path) + `</a></li>`
			} else {
				item = `<li><code>` + templ.EscapeString(route.Method) + `</code> ` + templ.EscapeString(route.Path) + `</li>`
			}
			if _, err := io.WriteString(w, item); err != nil {
				return err
			}
		}
		_, err := io.WriteString(w, `</ul></body></html>`)
		return err
	})
}

// Index serves the list of routes registered on r at request time.
func Index(r chi.Routes) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var routes []Route
		err := chi.Walk(r, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
			routes = append(routes, Route{Method: method, Path: route})
			return nil
		})
		if err != nil {
			http.Error(w, "Failed to list routes", http.StatusInternalServerError)
			return
		}
		sort.Slice(routes, func(i, j int) bool {
			if routes[i].Path != routes[j].Path {
				return routes[i].Path < routes[j].Path
			}
			return routes[i].Method < routes[j].Method
		})
		templ.Handler(RoutesList(routes)).ServeHTTP(w, req)
	})
}
