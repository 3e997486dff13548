/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 CRMDial Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package main runs a headless softphone surface with a small HTTP
// control API, useful for exercising the SDK against a live backend.
//
// Usage:
//
//	go run main.go -config softphone.yaml -listen :8090
//
// Host lifecycle events are injected via POST /host/event; call control
// is exposed under /api/.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	softphone "github.com/crmdial/softphone-go-sdk"
	"github.com/crmdial/softphone-go-sdk/config"
	"github.com/crmdial/softphone-go-sdk/session"
)

func main() {
	configPath := flag.String("config", "softphone.yaml", "path to the YAML configuration file")
	listen := flag.String("listen", ":8090", "HTTP listen address for the control API")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	client, err := softphone.NewClient(cfg)
	if err != nil {
		log.Fatalf("creating client: %v", err)
	}

	orch, err := client.Orchestrator()
	if err != nil {
		log.Fatalf("starting orchestrator: %v", err)
	}
	defer orch.Stop()

	orch.OnScreenChanged(func(s session.Screen) {
		log.Printf("screen: %s", s)
	})
	orch.OnTick(func(seconds int) {
		if seconds%10 == 0 {
			log.Printf("call duration: %ds", seconds)
		}
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"screen":     orch.Screen(),
			"session":    orch.Session(),
			"permission": orch.Permission(),
			"lastError":  orch.LastError(),
		})
	})
	mux.HandleFunc("/api/dial", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Number    string `json:"number"`
			ContactID string `json:"contactId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := orch.Dial(req.Number, req.ContactID, ""); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		writeJSON(w, map[string]string{"status": "dialing"})
	})
	mux.HandleFunc("/api/accept", func(w http.ResponseWriter, r *http.Request) {
		orch.Accept()
		writeJSON(w, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/api/reject", func(w http.ResponseWriter, r *http.Request) {
		orch.Reject()
		writeJSON(w, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/api/hangup", func(w http.ResponseWriter, r *http.Request) {
		orch.Hangup()
		writeJSON(w, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/api/mute", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Muted bool `json:"muted"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := orch.SetMuted(req.Muted); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/api/complete", func(w http.ResponseWriter, r *http.Request) {
		var props map[string]string
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&props)
		}
		orch.CompletePostCall(props)
		writeJSON(w, map[string]string{"status": "idle"})
	})

	// Host lifecycle events (ready, dial requests, log creation) arrive
	// here as the raw envelopes the CRM host emits.
	mux.HandleFunc("/host/event", func(w http.ResponseWriter, r *http.Request) {
		var raw json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		client.Bridge().HandleHostEvent(raw)
		writeJSON(w, map[string]string{"status": "ok"})
	})

	server := &http.Server{
		Addr:              *listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("control API listening on %s", *listen)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received %s, shutting down", sig)
	case err := <-errCh:
		log.Printf("server error: %v", err)
	}

	server.Close()
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "encoding response: %v\n", err)
	}
}
