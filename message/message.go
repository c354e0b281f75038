// Package message defines the control messages exchanged between an Instance
// and its Stream Manager.
//
// The transport treats payloads as opaque bytes; these types exist for the two
// ends that do care: the registration handshake and physical-plan updates.
// Every message knows its frame type name.
package message

const (
	TypeRegisterInstanceRequest  = "stmgr.RegisterInstanceRequest"
	TypeRegisterInstanceResponse = "stmgr.RegisterInstanceResponse"
	TypeNewInstanceAssignment    = "stmgr.NewInstanceAssignmentMessage"
	TypeTupleStreamMessage       = "stmgr.TupleStreamMessage"
)

// Message is implemented by every type in this package.
type Message interface {
	TypeName() string
}

type StatusCode int32

const (
	StatusOK    StatusCode = 1
	StatusNotOK StatusCode = 2
	// StatusInvalidInstance is returned when the Stream Manager does not know
	// the registering task.
	StatusInvalidInstance StatusCode = 3
)

func (c StatusCode) String() string {
	switch c {
	case StatusOK:
		return "OK"
	case StatusNotOK:
		return "NOTOK"
	case StatusInvalidInstance:
		return "INVALID_INSTANCE"
	default:
		return "UNKNOWN"
	}
}

type Status struct {
	Code    StatusCode `json:"code"`
	Message string     `json:"message,omitempty"`
}

func (s Status) OK() bool { return s.Code == StatusOK }

type TopologyState int32

const (
	TopologyRunning TopologyState = 1
	TopologyPaused  TopologyState = 2
	TopologyKilled  TopologyState = 3
)

type Topology struct {
	ID     string        `json:"id"`
	Name   string        `json:"name"`
	State  TopologyState `json:"state"`
	Spouts []string      `json:"spouts,omitempty"`
	Bolts  []string      `json:"bolts,omitempty"`
}

// StMgr describes one Stream Manager in the physical plan.
type StMgr struct {
	ID       string `json:"id"`
	HostName string `json:"host_name"`
	DataPort int32  `json:"data_port"`
}

// Instance identifies one task placed on a Stream Manager.
type Instance struct {
	InstanceID     string `json:"instance_id"`
	StmgrID        string `json:"stmgr_id"`
	TaskID         int32  `json:"task_id"`
	ComponentIndex int32  `json:"component_index"`
	ComponentName  string `json:"component_name"`
}

type PhysicalPlan struct {
	Topology  Topology   `json:"topology"`
	Stmgrs    []StMgr    `json:"stmgrs"`
	Instances []Instance `json:"instances"`
}

func (p *PhysicalPlan) StmgrsCount() int { return len(p.Stmgrs) }
func (p *PhysicalPlan) InstancesCount() int { return len(p.Instances) }

// RegisterInstanceRequest is the handshake an Instance sends on every new connection.
type RegisterInstanceRequest struct {
	Instance     Instance `json:"instance"`
	TopologyName string   `json:"topology_name"`
	TopologyID   string   `json:"topology_id"`
}

func (*RegisterInstanceRequest) TypeName() string { return TypeRegisterInstanceRequest }

// RegisterInstanceResponse completes the handshake. PhysicalPlan is nil when the
// Stream Manager has not received a plan yet.
type RegisterInstanceResponse struct {
	Status       Status        `json:"status"`
	PhysicalPlan *PhysicalPlan `json:"pplan,omitempty"`
}

func (*RegisterInstanceResponse) TypeName() string { return TypeRegisterInstanceResponse }

// NewInstanceAssignmentMessage is pushed unsolicited whenever the plan changes.
type NewInstanceAssignmentMessage struct {
	PhysicalPlan PhysicalPlan `json:"pplan"`
}

func (*NewInstanceAssignmentMessage) TypeName() string { return TypeNewInstanceAssignment }

// TupleStreamMessage carries a serialized tuple set between tasks. Set is opaque here.
type TupleStreamMessage struct {
	TaskID    int32  `json:"task_id"`
	SrcTaskID int32  `json:"src_task_id"`
	Set       []byte `json:"set"`
}

func (*TupleStreamMessage) TypeName() string { return TypeTupleStreamMessage }
