// Echobackend is a small HTTP server to run behind the proxy while
// experimenting with routing and header rewriting rules.
//
// Usage:
//
//	go run ./scripts/echobackend -port 4001 -name srv1
//
// Every response carries X-Backend-Server with the configured name and a
// JSON body describing the request as it reached the backend.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Echo is the description of one received request.
type Echo struct {
	ID      string              `json:"id"`
	Backend string              `json:"backend"`
	Method  string              `json:"method"`
	Host    string              `json:"host"`
	URI     string              `json:"uri"`
	Proto   string              `json:"proto"`
	Header  map[string][]string `json:"header"`
	Body    string              `json:"body,omitempty"`
}

func main() {
	port := flag.Int("port", 4001, "port to listen on")
	name := flag.String("name", "", "backend name reported in X-Backend-Server (default: the listen address)")
	delay := flag.Duration("delay", 0, "artificial latency per request, to watch requests queue")
	flag.Parse()

	addr := fmt.Sprintf(":%d", *port)
	if *name == "" {
		*name = addr
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		// log request for visibility when running multiple backends
		log.Printf("request: method=%s uri=%s host=%s via=%q from=%s", r.Method, r.RequestURI, r.Host, r.Header.Get("Via"), r.RemoteAddr)

		if *delay > 0 {
			time.Sleep(*delay)
		}

		echo := Echo{
			ID:      uuid.NewString(),
			Backend: *name,
			Method:  r.Method,
			Host:    r.Host,
			URI:     r.RequestURI,
			Proto:   r.Proto,
			Header:  r.Header,
			Body:    string(body),
		}

		b, _ := json.MarshalIndent(echo, "", "  ")
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Backend-Server", *name)
		w.WriteHeader(http.StatusOK)
		w.Write(append(b, '\n'))
	})

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Backend-Server", *name)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	log.Printf("starting backend %s on %s", *name, addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}
