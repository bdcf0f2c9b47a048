// Package fleet holds the machines targeted by one provisioning run.
//
// A Registry is built once from the platform configuration. Afterwards only
// two fields ever change: Status and Address, and only through Observe,
// which the monitoring client owns. Every other consumer receives the
// read-only Reader view.
package fleet

import (
	"fmt"
	"slices"
	"strings"

	"iut/pkg/platform"
)

// Status tokens reported by the monitoring service.
const (
	StatusInit    = "init"
	StatusOSStart = "os_start"
	StatusOSFail  = "os_fail"
	StatusOSEnd   = "os_end"
	StatusEKStart = "ek_start"
	StatusEKFail  = "ek_fail"
	StatusEKEnd   = "ek_end"
	StatusFinish  = "finish"
)

// Statuses lists every token the monitoring service accepts.
var Statuses = []string{
	StatusInit, StatusOSStart, StatusOSFail, StatusOSEnd,
	StatusEKStart, StatusEKFail, StatusEKEnd, StatusFinish,
}

// ValidStatus reports whether s belongs to the status vocabulary.
func ValidStatus(s string) bool { return slices.Contains(Statuses, s) }

type BMC struct {
	Address  string
	Username string
	Password string
}

// Machine is one host under provisioning.
type Machine struct {
	Name    string
	Cluster string
	Address string
	BMC     *BMC
	MACs    []string
	ID      string
	// Status is empty until the monitoring service first reports it.
	Status string
}

// Key identifies a machine across clusters.
func (m Machine) Key() string { return m.Cluster + "/" + m.Name }

func (m Machine) String() string {
	if m.ID == "" {
		return m.Key()
	}
	return fmt.Sprintf("%s (%s)", m.Key(), m.ID)
}

// Reader is the view of the fleet handed to components that must not mutate
// it. Machines are returned by value in registration order.
type Reader interface {
	Len() int
	Machines() []Machine
	Machine(i int) Machine
	ByID(id string) (Machine, bool)
}

// Registry is the ordered set of machines of one run. It is not safe for
// concurrent mutation; the supervisor's poll loop serializes access.
type Registry struct {
	machines []Machine
	byID     map[string]int
	// issued remembers every id ever assigned so ids are never reused across
	// registration batches.
	issued map[string]struct{}
}

// New builds a registry from already constructed machines.
func New(machines ...Machine) *Registry {
	r := &Registry{
		byID:   map[string]int{},
		issued: map[string]struct{}{},
	}
	for _, m := range machines {
		r.add(m)
	}
	return r
}

// FromPlatform builds the registry from the platform configuration. Link
// entries never enter the registry.
func FromPlatform(cfg *platform.Config) *Registry {
	r := New()
	for _, cluster := range cfg.Clusters {
		for _, group := range cluster.Hosts {
			for _, host := range group.Hosts {
				if host.IsLink() {
					continue
				}
				m := Machine{Name: host.Name, Cluster: cluster.Name, Address: host.Address}
				if host.BMC != nil {
					m.BMC = &BMC{Address: host.BMC.Address, Username: host.BMC.Username, Password: host.BMC.Password}
				}
				r.add(m)
			}
		}
	}
	return r
}

func (r *Registry) add(m Machine) {
	m.MACs = slices.Clone(m.MACs)
	r.machines = append(r.machines, m)
	if m.ID != "" {
		r.byID[m.ID] = len(r.machines) - 1
		r.issued[m.ID] = struct{}{}
	}
}

func (r *Registry) Len() int { return len(r.machines) }

// Machines returns a copy of every machine in registration order.
func (r *Registry) Machines() []Machine {
	out := make([]Machine, len(r.machines))
	for i, m := range r.machines {
		out[i] = m.clone()
	}
	return out
}

func (r *Registry) Machine(i int) Machine { return r.machines[i].clone() }

func (r *Registry) ByID(id string) (Machine, bool) {
	i, ok := r.byID[id]
	if !ok {
		return Machine{}, false
	}
	return r.machines[i].clone(), true
}

// Issued reports whether id was ever assigned by this registry.
func (r *Registry) Issued(id string) bool {
	_, ok := r.issued[id]
	return ok
}

// AssignID sets the id of machine i. It fails when the machine already has
// one or when id was issued before.
func (r *Registry) AssignID(i int, id string) error {
	if id == "" {
		return fmt.Errorf("machine %s: empty id", r.machines[i].Key())
	}
	if r.machines[i].ID != "" {
		return fmt.Errorf("machine %s already has id %s", r.machines[i].Key(), r.machines[i].ID)
	}
	if r.Issued(id) {
		return fmt.Errorf("id %s already issued", id)
	}
	r.machines[i].ID = id
	r.byID[id] = i
	r.issued[id] = struct{}{}
	return nil
}

// SetMACs records the NIC addresses discovered for machine i.
func (r *Registry) SetMACs(i int, macs []string) {
	r.machines[i].MACs = normalizeMACs(macs)
}

// Observation is one status report for a machine.
type Observation struct {
	ID      string
	Status  string
	Address string
}

// Change describes what an Observe call modified.
type Change struct {
	Machine        Machine
	PreviousStatus string
	StatusChanged  bool
	AddressChanged bool
}

// Observe applies a status report. ok is false when the id is unknown. An
// empty Address in the observation leaves the known address untouched.
func (r *Registry) Observe(obs Observation) (change Change, ok bool) {
	i, ok := r.byID[obs.ID]
	if !ok {
		return Change{}, false
	}
	m := &r.machines[i]
	change.PreviousStatus = m.Status
	if obs.Status != m.Status {
		m.Status = obs.Status
		change.StatusChanged = true
	}
	if obs.Address != "" && obs.Address != m.Address {
		m.Address = obs.Address
		change.AddressChanged = true
	}
	change.Machine = m.clone()
	return change, true
}

func (m Machine) clone() Machine {
	m.MACs = slices.Clone(m.MACs)
	if m.BMC != nil {
		bmc := *m.BMC
		m.BMC = &bmc
	}
	return m
}

func normalizeMACs(macs []string) []string {
	out := make([]string, 0, len(macs))
	for _, mac := range macs {
		mac = strings.ToLower(strings.TrimSpace(mac))
		if mac == "" || slices.Contains(out, mac) {
			continue
		}
		out = append(out, mac)
	}
	return out
}
