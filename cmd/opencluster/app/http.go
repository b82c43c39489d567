package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/davecgh/go-spew/spew"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/common/version"

	"github.com/opencluster/opencluster/cmd/opencluster/build"
	"github.com/opencluster/opencluster/pkg/util/log"
)

const apiDocs = "https://github.com/opencluster/opencluster#wire-protocol"

func (t *App) writeStatusVersion(w io.Writer) error {
	_, err := w.Write([]byte(version.Print("opencluster") + "\n"))
	return err
}

func (t *App) writeStatusEndpoints(w io.Writer) error {
	type endpoint struct{ name, regex string }
	var endpoints []endpoint

	err := t.Server.HTTPRouter().Walk(func(route *mux.Route, router *mux.Router, ancestors []*mux.Route) error {
		e := endpoint{}
		if pt, err := route.GetPathTemplate(); err == nil {
			e.name = pt
		}
		if pr, err := route.GetPathRegexp(); err == nil {
			e.regex = pr
		}
		endpoints = append(endpoints, e)
		return nil
	})
	if err != nil {
		return fmt.Errorf("error walking routes: %w", err)
	}

	sort.Slice(endpoints, func(i, j int) bool { return endpoints[i].name < endpoints[j].name })

	x := table.NewWriter()
	x.SetOutputMirror(w)
	x.AppendHeader(table.Row{"name", "regex"})
	for _, e := range endpoints {
		x.AppendRows([]table.Row{{e.name, e.regex}})
	}
	x.AppendSeparator()
	x.Render()

	_, err = fmt.Fprintf(w, "\nwire protocol docs: %s\n\n", apiDocs)
	return err
}

// statusHandler wraps every section into one plain-text body, or serves
// just one named section when /status/{endpoint} is requested.
func (t *App) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var errs []error
		msg := bytes.Buffer{}

		simpleEndpoints := map[string]func(io.Writer) error{
			"version":   t.writeStatusVersion,
			"services":  t.writeStatusServices,
			"endpoints": t.writeStatusEndpoints,
		}

		wrapStatus := func(endpoint string) {
			msg.WriteString("GET /status/" + endpoint + "\n")
			switch endpoint {
			case "config":
				if err := t.writeStatusConfig(&msg, r); err != nil {
					errs = append(errs, err)
				}
			default:
				if fn, ok := simpleEndpoints[endpoint]; ok {
					if err := fn(&msg); err != nil {
						errs = append(errs, err)
					}
				} else {
					errs = append(errs, fmt.Errorf("unknown status endpoint %q", endpoint))
				}
			}
		}

		if endpoint, ok := mux.Vars(r)["endpoint"]; ok {
			wrapStatus(endpoint)
		} else {
			wrapStatus("version")
			wrapStatus("services")
			wrapStatus("endpoints")
			wrapStatus("config")
		}

		w.Header().Set("Content-Type", "text/plain")
		if len(errs) > 0 {
			http.Error(w, errs[0].Error(), http.StatusInternalServerError)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		if _, err := w.Write(msg.Bytes()); err != nil {
			level.Error(log.Logger).Log("msg", "error writing status response", "err", err)
		}
	}
}

// clusterStatusHandler renders the Controller's Snapshot: bucket-role
// counts, active peers, and whether a migration is currently in flight.
func (t *App) clusterStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if t.controller == nil {
			http.Error(w, "cluster module not active on this target", http.StatusServiceUnavailable)
			return
		}
		snap := t.controller.Snapshot()

		x := table.NewWriter()
		x.SetOutputMirror(w)
		x.AppendHeader(table.Row{"field", "value"})
		x.AppendRows([]table.Row{
			{"mask", fmt.Sprintf("%#x", snap.Mask)},
			{"primary_count", snap.PrimaryCount},
			{"secondary_count", snap.SecondaryCount},
			{"unbacked_count", snap.UnbackedCount},
			{"bucket_transfer_in_flight", snap.BucketTransfer},
			{"migrate_sync", snap.MigrateSync},
			{"active_nodes", snap.ActiveNodes},
		})
		x.AppendSeparator()

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		x.Render()
	}
}

// bucketsStatusHandler renders one row per bucket this node hosts: its
// role, peer links, and any in-flight transfer state.
func (t *App) bucketsStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if t.controller == nil {
			http.Error(w, "cluster module not active on this target", http.StatusServiceUnavailable)
			return
		}
		rows := t.controller.BucketsSnapshot()

		x := table.NewWriter()
		x.SetOutputMirror(w)
		x.AppendHeader(table.Row{"index", "role", "backup", "source", "transfer", "phase"})
		for _, row := range rows {
			x.AppendRows([]table.Row{{row.Index, row.Role, row.PeerBackup, row.PeerSource, row.TransferKind, row.TransferPhase}})
		}
		x.AppendSeparator()

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		x.Render()
	}
}

// nodesStatusHandler renders one row per peer the Node Registry knows
// about: its connection state, run ID, and advertised capabilities.
func (t *App) nodesStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if t.controller == nil {
			http.Error(w, "cluster module not active on this target", http.StatusServiceUnavailable)
			return
		}
		rows := t.controller.NodesSnapshot()

		x := table.NewWriter()
		x.SetOutputMirror(w)
		x.AppendHeader(table.Row{"addr", "state", "run_id", "capabilities"})
		for _, row := range rows {
			x.AppendRows([]table.Row{{row.Addr, row.State, row.RunID, fmt.Sprintf("%#x", row.Capabilities)}})
		}
		x.AppendSeparator()

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		x.Render()
	}
}

// debugDumpHandler dumps the full Snapshot with go-spew, for operators
// chasing a rebalance or migration that looks stuck.
func (t *App) debugDumpHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if t.controller == nil {
			http.Error(w, "cluster module not active on this target", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		spew.Fdump(w, t.controller.Snapshot())
	}
}

func (t *App) buildinfoHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(build.GetVersion()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			level.Error(log.Logger).Log("msg", "error writing response", "err", err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
