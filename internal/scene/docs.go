package scene

import (
	"encoding/json"
	"net/http"
	"sort"
)

// TargetDoc describes a single hit target for introspection tooling, such as
// a firmware test harness verifying the host and device agree on layout.
type TargetDoc struct {
	Scene  string `json:"scene"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
	W      int    `json:"w"`
	H      int    `json:"h"`
	Action string `json:"action"`
}

// allDocs flattens the static hit-target table into a stable, sorted slice.
func allDocs() []TargetDoc {
	docs := make([]TargetDoc, 0)
	for scene, targets := range targetsForScene {
		for _, target := range targets {
			docs = append(docs, TargetDoc{
				Scene:  string(scene),
				X:      target.X,
				Y:      target.Y,
				W:      target.W,
				H:      target.H,
				Action: string(target.Action),
			})
		}
	}
	sort.SliceStable(docs, func(i, j int) bool {
		if docs[i].Scene == docs[j].Scene {
			return docs[i].Action < docs[j].Action
		}
		return docs[i].Scene < docs[j].Scene
	})
	return docs
}

// RegisterHitTargetEndpoint registers the read-only hit-target introspection
// endpoint used by test harnesses and diagnostics tooling.
func RegisterHitTargetEndpoint(mux *http.ServeMux) {
	mux.HandleFunc("/api/scenes/targets", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(allDocs()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}
