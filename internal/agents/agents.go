package agents

import (
	"context"
	"fmt"
	"sort"

	"regline/internal/repo"
)

// Invocation carries the request context an agent needs to do its work.
// Params are tool parameters as submitted by the caller.
type Invocation struct {
	TenantID  string
	CycleID   string
	ReportID  string
	SessionID string
	ActorID   string
	Params    map[string]any
}

// Agent is one specialized worker the orchestrator can dispatch to.
// Implementations must not mutate workflow state directly; they return
// results and the orchestrator records them.
type Agent interface {
	Name() string
	Run(ctx context.Context, in Invocation) (any, error)
}

// Registry is the closed set of known agents.
type Registry struct {
	agents map[string]Agent
}

// Agent names.
const (
	RegulatoryIntelligence = "regulatory_intelligence"
	CDEIdentification      = "cde_identification"
	LineageMapping         = "lineage_mapping"
	IssueManagement        = "issue_management"
	ControlsManagement     = "controls_management"
)

// NewRegistry builds the registry with all built-in agents.
func NewRegistry(r repo.Repo) *Registry {
	reg := &Registry{agents: map[string]Agent{}}
	for _, a := range []Agent{
		scanAgent{},
		scoringAgent{repo: r},
		impactAgent{repo: r},
		triageAgent{repo: r},
		controlsAgent{},
	} {
		reg.agents[a.Name()] = a
	}
	return reg
}

// Get returns the named agent.
func (r *Registry) Get(name string) (Agent, error) {
	a, ok := r.agents[name]
	if !ok {
		return nil, fmt.Errorf("unknown agent %s", name)
	}
	return a, nil
}

// Names lists registered agents in stable order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// scanAgent stands in for the regulatory-intelligence collaborator: it
// returns the scan parameters echoed as a structured result so the workflow
// step has something recordable.
type scanAgent struct{}

func (scanAgent) Name() string { return RegulatoryIntelligence }

func (scanAgent) Run(ctx context.Context, in Invocation) (any, error) {
	sources, _ := in.Params["sources"].([]any)
	return map[string]any{
		"report_id":       in.ReportID,
		"sources_scanned": len(sources),
		"findings":        []any{},
	}, nil
}

// controlsAgent stands in for the controls-management collaborator.
type controlsAgent struct{}

func (controlsAgent) Name() string { return ControlsManagement }

func (controlsAgent) Run(ctx context.Context, in Invocation) (any, error) {
	controlID, _ := in.Params["control_id"].(string)
	if controlID == "" {
		return nil, fmt.Errorf("control_id required")
	}
	return map[string]any{
		"control_id": controlID,
		"evidenced":  true,
	}, nil
}
