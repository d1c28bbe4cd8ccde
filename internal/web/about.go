package web

import (
	"net/http"
	"runtime"
	"runtime/debug"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
)

type AboutResponse struct {
	Service    string   `json:"service"`
	NowUTC     string   `json:"now_utc"`
	GoVersion  string   `json:"go_version"`
	ModulePath string   `json:"module_path,omitempty"`
	Version    string   `json:"version,omitempty"`
	Commit     string   `json:"commit,omitempty"`
	Dirty      bool     `json:"dirty,omitempty"`
	BuildTime  string   `json:"build_time,omitempty"`
	Source     string   `json:"source,omitempty"`
	Endpoints  []string `json:"endpoints"`
}

// buildInfo fills the module and VCS fields from the binary's build info.
func buildInfo(resp *AboutResponse) {
	bi, ok := debug.ReadBuildInfo()
	if !ok || bi == nil {
		return
	}
	resp.ModulePath = bi.Main.Path
	resp.Version = bi.Main.Version
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			resp.Commit = s.Value
		case "vcs.modified":
			resp.Dirty = s.Value == "true"
		case "vcs.time":
			resp.BuildTime = s.Value
		}
	}
}

// endpoints lists "METHOD /pattern" for every registered route except the
// front-end catch-all.
func endpoints(r chi.Routes) []string {
	var out []string
	_ = chi.Walk(r, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		if route != "/*" {
			out = append(out, method+" "+route)
		}
		return nil
	})
	sort.Strings(out)
	return out
}

func (s *server) handleAbout(w http.ResponseWriter, r *http.Request) {
	resp := AboutResponse{
		Service:   "simroute",
		NowUTC:    time.Now().UTC().Format(time.RFC3339Nano),
		GoVersion: runtime.Version(),
		Endpoints: s.endpoints,
	}
	buildInfo(&resp)
	if s.d.Worker != nil {
		resp.Source = s.d.Worker.Snapshot().Source
	}
	writeJSON(w, http.StatusOK, resp)
}
