package server

import (
	"net/http"
	"sort"

	"github.com/invopop/jsonschema"

	nderrors "github.com/davidroman0O/netdoc/errors"
	"github.com/davidroman0O/netdoc/pkg/broadcast"
	"github.com/davidroman0O/netdoc/pkg/device"
	"github.com/davidroman0O/netdoc/pkg/execution"
	"github.com/davidroman0O/netdoc/pkg/planner"
	"github.com/davidroman0O/netdoc/pkg/terminal"
)

// wireTypes are the messages exchanged with API clients, by schema name
var wireTypes = map[string]interface{}{
	"device":                   &device.Info{},
	"execute_request":          &ExecuteRequest{},
	"execution":                &execution.Execution{},
	"execution_event":          &broadcast.Event{},
	"terminal_control":         &terminal.Control{},
	"plan_request":             &PlanRequest{},
	"plan":                     &planner.Plan{},
	"plan_execute_request":     &PlanExecuteRequest{},
	"suggest_request":          &planner.SuggestRequest{},
	"suggestions":              &planner.Suggestions{},
	"connection_test_response": &ConnectionTestResponse{},
	"connection_report":        &execution.ConnectionReport{},
}

// Schema returns the JSON schema of one wire message
func Schema(name string) (*jsonschema.Schema, error) {
	v, ok := wireTypes[name]
	if !ok {
		return nil, nderrors.Newf(nderrors.ErrNotFound, "no schema named %q", name)
	}
	reflector := jsonschema.Reflector{
		ExpandedStruct: true,
	}
	return reflector.Reflect(v), nil
}

// SchemaNames lists the published schemas in sorted order
func SchemaNames() []string {
	names := make([]string, 0, len(wireTypes))
	for name := range wireTypes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schemas returns every published schema by name
func Schemas() map[string]*jsonschema.Schema {
	out := make(map[string]*jsonschema.Schema, len(wireTypes))
	for _, name := range SchemaNames() {
		schema, _ := Schema(name)
		out[name] = schema
	}
	return out
}

func (s *Server) handleSchemas(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Schemas())
}

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	schema, err := Schema(r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, schema)
}
