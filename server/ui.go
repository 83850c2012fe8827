package server

import (
	"embed"
	"io/fs"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"
)

//go:embed webui/*
var uiFS embed.FS

// RegisterWebUI serves the customer tracking page under prefix and the
// shareable /track/{tracking} link that opens it on one delivery.
func (a *App) RegisterWebUI(prefix string) {
	if prefix == "" {
		prefix = "/ui/"
	}
	page := strings.TrimSuffix(prefix, "/") + "/"

	assets, err := fs.Sub(uiFS, "webui")
	if err != nil {
		panic(err)
	}
	index, err := fs.ReadFile(assets, "index.html")
	if err != nil {
		panic(err)
	}

	toPage := func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, page, http.StatusFound)
	}
	a.Router.HandleFunc("/", toPage).Methods(http.MethodGet)
	a.Router.HandleFunc(strings.TrimSuffix(page, "/"), toPage).Methods(http.MethodGet)

	a.Router.HandleFunc("/track/{tracking}", func(w http.ResponseWriter, r *http.Request) {
		q := url.Values{"tracking": {mux.Vars(r)["tracking"]}}
		http.Redirect(w, r, page+"?"+q.Encode(), http.StatusFound)
	}).Methods(http.MethodGet)

	// revalidated on every load so a redeploy reaches long-lived tabs
	a.Router.HandleFunc(page, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = w.Write(index)
	}).Methods(http.MethodGet)

	a.Router.PathPrefix(page).Handler(http.StripPrefix(page, http.FileServer(http.FS(assets))))
}
