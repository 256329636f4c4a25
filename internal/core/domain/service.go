package domain

import "time"

type NodeState string

const (
	NodeStatePending  NodeState = "PENDING"
	NodeStateStarting NodeState = "STARTING"
	NodeStateProbing  NodeState = "PROBING"
	NodeStateHealthy  NodeState = "HEALTHY"
	NodeStateFailed   NodeState = "FAILED"
	NodeStateStopped  NodeState = "STOPPED"
)

// Started reports whether the node's process has been launched.
// STARTING and later states all count; a dependency tagged "started"
// is satisfied by any of them.
func (s NodeState) Started() bool {
	switch s {
	case NodeStateStarting, NodeStateProbing, NodeStateHealthy:
		return true
	}
	return false
}

type DependencyCondition string

const (
	ConditionStarted DependencyCondition = "started"
	ConditionHealthy DependencyCondition = "healthy"
)

type RestartPolicy string

const (
	RestartAlways RestartPolicy = "always"
	RestartNone   RestartPolicy = "none"
)

// Dependency is one edge of the start graph: the owning node may not
// start until Service has met Condition.
type Dependency struct {
	Service   string              `mapstructure:"service" json:"service"`
	Condition DependencyCondition `mapstructure:"condition" json:"condition"`
}

type ProbeType string

const (
	ProbeHTTP ProbeType = "http"
	ProbeTCP  ProbeType = "tcp"
	ProbeCmd  ProbeType = "cmd"
)

// HealthCheckSpec describes how a node proves readiness. A node with a
// nil spec is considered healthy as soon as its process starts.
type HealthCheckSpec struct {
	Type        ProbeType     `mapstructure:"type" json:"type"`
	Target      string        `mapstructure:"target" json:"target"`   // URL for http, host:port for tcp
	Command     []string      `mapstructure:"command" json:"command"` // for cmd probes
	Interval    time.Duration `mapstructure:"interval" json:"interval"`
	Timeout     time.Duration `mapstructure:"timeout" json:"timeout"`
	Retries     int           `mapstructure:"retries" json:"retries"`
	StartPeriod time.Duration `mapstructure:"start_period" json:"start_period"`
	Successes   int           `mapstructure:"successes" json:"successes"`
}

// ConsecutiveSuccesses returns the number of consecutive probe passes
// required before the node is reported healthy (at least 1).
func (h *HealthCheckSpec) ConsecutiveSuccesses() int {
	if h.Successes < 1 {
		return 1
	}
	return h.Successes
}

// ServiceNode is one deployable unit of the stack: a process with
// declared dependencies, an optional health check and a restart policy.
type ServiceNode struct {
	Name        string           `mapstructure:"name" json:"name"`
	Command     []string         `mapstructure:"command" json:"command"`
	WorkDir     string           `mapstructure:"workdir" json:"workdir"`
	Env         []string         `mapstructure:"env" json:"env"`
	DependsOn   []Dependency     `mapstructure:"depends_on" json:"depends_on"`
	HealthCheck *HealthCheckSpec `mapstructure:"healthcheck" json:"healthcheck,omitempty"`
	Restart     RestartPolicy    `mapstructure:"restart" json:"restart"`
}
