package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/drpcorg/blockdoc/page"
)

func AddCorsHeaders(f func(w http.ResponseWriter, req *http.Request)) func(w http.ResponseWriter, req *http.Request) {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		w.Header().Set("Access-Control-Max-Age", "86400")
		f(w, req)
	}
}

type blockRequest struct {
	Type    *page.BlockType `json:"type"`
	Content *string         `json:"content"`
	After   string          `json:"after"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, ErrNoPage):
		return http.StatusConflict
	case errors.Is(err, page.ErrBlockNotFound), errors.Is(err, ErrNoBlock):
		return http.StatusNotFound
	case errors.Is(err, page.ErrUnknownBlockType), errors.Is(err, ErrBadArgs):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func BlocksHandler(repl *REPL) func(w http.ResponseWriter, req *http.Request) {
	return func(w http.ResponseWriter, req *http.Request) {
		switch method := req.Method; method {
		case "OPTIONS":
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST")
			w.WriteHeader(http.StatusNoContent)
		case "GET":
			p, err := repl.page()
			if err != nil {
				http.Error(w, err.Error(), httpStatus(err))
				return
			}
			writeJSON(w, http.StatusOK, p.Blocks())
		case "POST":
			p, err := repl.page()
			if err != nil {
				http.Error(w, err.Error(), httpStatus(err))
				return
			}
			var breq blockRequest
			if err := json.NewDecoder(req.Body).Decode(&breq); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			bt, content := page.Paragraph, ""
			if breq.Type != nil {
				bt = *breq.Type
			}
			if breq.Content != nil {
				content = *breq.Content
			}
			var id string
			if breq.After != "" {
				id, err = p.InsertBlockAfter(breq.After, bt, content)
			} else {
				id, err = p.AppendBlock(bt, content)
			}
			if err != nil {
				http.Error(w, err.Error(), httpStatus(err))
				return
			}
			writeJSON(w, http.StatusCreated, page.Block{ID: id, Type: bt, Content: content})
		default:
			http.Error(w, fmt.Sprintf("Unsupported method %s", req.Method), http.StatusMethodNotAllowed)
		}
	}
}

func BlockHandler(repl *REPL) func(w http.ResponseWriter, req *http.Request) {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method == "OPTIONS" {
			w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, DELETE")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		p, err := repl.page()
		if err != nil {
			http.Error(w, err.Error(), httpStatus(err))
			return
		}
		id := mux.Vars(req)["id"]
		switch method := req.Method; method {
		case "GET":
			b, ok := p.Block(id)
			if !ok {
				http.Error(w, page.ErrBlockNotFound.Error(), http.StatusNotFound)
				return
			}
			writeJSON(w, http.StatusOK, b)
		case "PUT":
			var breq blockRequest
			if err := json.NewDecoder(req.Body).Decode(&breq); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if breq.Type != nil {
				err = p.UpdateBlockType(id, *breq.Type)
			}
			if err == nil && breq.Content != nil {
				err = p.UpdateBlockContent(id, *breq.Content)
			}
			if err != nil {
				http.Error(w, err.Error(), httpStatus(err))
				return
			}
			b, _ := p.Block(id)
			writeJSON(w, http.StatusOK, b)
		case "DELETE":
			if err := p.DeleteBlock(id); err != nil {
				http.Error(w, err.Error(), httpStatus(err))
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, fmt.Sprintf("Unsupported method %s", req.Method), http.StatusMethodNotAllowed)
		}
	}
}

func PresenceHandler(repl *REPL) func(w http.ResponseWriter, req *http.Request) {
	return func(w http.ResponseWriter, req *http.Request) {
		if repl.Session == nil {
			http.Error(w, ErrNoPage.Error(), http.StatusConflict)
			return
		}
		// JSON object keys must be strings
		states := make(map[string]any)
		for id, st := range repl.Session.Presence().GetStates() {
			states[fmt.Sprint(id)] = st
		}
		writeJSON(w, http.StatusOK, states)
	}
}

func (repl *REPL) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/blocks", AddCorsHeaders(BlocksHandler(repl)))
	r.HandleFunc("/blocks/{id}", AddCorsHeaders(BlockHandler(repl)))
	r.HandleFunc("/presence", AddCorsHeaders(PresenceHandler(repl))).Methods(http.MethodGet)
	return r
}

// CommandServe exposes the open page over HTTP on addr.
func (repl *REPL) CommandServe(arg string) error {
	addr, _ := cut(arg)
	if addr == "" {
		return ErrBadArgs
	}
	if repl.srv != nil {
		return fmt.Errorf("already serving on %s", repl.srv.Addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	repl.srv = &http.Server{Addr: ln.Addr().String(), Handler: repl.Router()}
	go func(srv *http.Server) {
		_ = srv.Serve(ln)
	}(repl.srv)
	repl.printf("serving on http://%s\n", repl.srv.Addr)
	return nil
}
