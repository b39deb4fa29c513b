package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// FakeDeployment is the mutable record behind a Fake entry.
type FakeDeployment struct {
	Namespace   string
	Name        string
	Replicas    int
	Ready       int
	Available   int
	Labels      map[string]string
	Annotations map[string]string
	Generation  int
}

// Fake is an in-memory Controller used by tests and by the standalone
// binary when no real cluster is configured. Error injection and
// convergence lag are controllable per operation.
type Fake struct {
	mu   sync.Mutex
	deps map[string]*FakeDeployment

	// Lag is the number of GetStatus calls a deployment stays behind
	// its desired count after a mutation before Ready converges.
	Lag int

	lagLeft map[string]int
	errs    map[string][]error
	patches map[string][]json.RawMessage
	conds   map[string][]Condition
}

// NewFake returns an empty fake cluster.
func NewFake() *Fake {
	return &Fake{
		deps:    make(map[string]*FakeDeployment),
		lagLeft: make(map[string]int),
		errs:    make(map[string][]error),
		patches: make(map[string][]json.RawMessage),
		conds:   make(map[string][]Condition),
	}
}

func key(namespace, name string) string { return namespace + "/" + name }

// Seed installs a deployment with the given replica count, already
// converged.
func (f *Fake) Seed(namespace, name string, replicas int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deps[key(namespace, name)] = &FakeDeployment{
		Namespace: namespace,
		Name:      name,
		Replicas:  replicas,
		Ready:     replicas,
		Available: replicas,
		Labels:    map[string]string{"app": name},
	}
}

// PushError queues an error to be returned by the next call of op
// ("scale", "restart", "patch", "status", "list", "pods", "delete").
// Queued errors drain in FIFO order.
func (f *Fake) PushError(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[op] = append(f.errs[op], err)
}

func (f *Fake) takeErr(op string) error {
	q := f.errs[op]
	if len(q) == 0 {
		return nil
	}
	err := q[0]
	f.errs[op] = q[1:]
	return err
}

// SetCondition injects an extra status condition reported for a
// deployment on every subsequent GetStatus.
func (f *Fake) SetCondition(namespace, name string, cond Condition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conds[key(namespace, name)] = append(f.conds[key(namespace, name)], cond)
}

// Patches returns the raw patch documents applied to a deployment.
func (f *Fake) Patches(namespace, name string) []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]json.RawMessage, len(f.patches[key(namespace, name)]))
	copy(out, f.patches[key(namespace, name)])
	return out
}

// Get returns a copy of the deployment record for assertions.
func (f *Fake) Get(namespace, name string) (FakeDeployment, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.deps[key(namespace, name)]
	if !ok {
		return FakeDeployment{}, false
	}
	return *d, true
}

func (f *Fake) lookup(op, namespace, name string) (*FakeDeployment, error) {
	if err := f.takeErr(op); err != nil {
		return nil, err
	}
	d, ok := f.deps[key(namespace, name)]
	if !ok {
		return nil, NewError(KindNotFound, op, key(namespace, name), fmt.Errorf("deployment %q not found", name))
	}
	return d, nil
}

func (f *Fake) Scale(_ context.Context, namespace, name string, replicas int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, err := f.lookup("scale", namespace, name)
	if err != nil {
		return err
	}
	if replicas < 0 {
		return NewError(KindInvalid, "scale", key(namespace, name), fmt.Errorf("replicas %d out of range", replicas))
	}
	d.Replicas = replicas
	d.Generation++
	f.lagLeft[key(namespace, name)] = f.Lag
	return nil
}

func (f *Fake) Restart(ctx context.Context, namespace, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, err := f.lookup("restart", namespace, name)
	if err != nil {
		return err
	}
	if d.Annotations == nil {
		d.Annotations = make(map[string]string)
	}
	d.Annotations[RestartedAtAnnotation] = "bumped"
	d.Generation++
	f.lagLeft[key(namespace, name)] = f.Lag
	return nil
}

func (f *Fake) Patch(_ context.Context, namespace, name string, doc json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, err := f.lookup("patch", namespace, name)
	if err != nil {
		return err
	}
	f.patches[key(namespace, name)] = append(f.patches[key(namespace, name)], doc)
	d.Generation++
	f.lagLeft[key(namespace, name)] = f.Lag
	return nil
}

func (f *Fake) GetStatus(_ context.Context, namespace, name string) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, err := f.lookup("status", namespace, name)
	if err != nil {
		return Status{}, err
	}
	k := key(namespace, name)
	if f.lagLeft[k] > 0 {
		f.lagLeft[k]--
	} else {
		d.Ready = d.Replicas
		d.Available = d.Replicas
	}
	conds := []Condition{
		{Type: "Available", Status: availStatus(d), Reason: "MinimumReplicasAvailable"},
	}
	conds = append(conds, f.conds[k]...)
	return Status{
		Desired:    d.Replicas,
		Ready:      d.Ready,
		Available:  d.Available,
		Conditions: conds,
	}, nil
}

func availStatus(d *FakeDeployment) string {
	if d.Available >= d.Replicas {
		return "True"
	}
	return "False"
}

func (f *Fake) ListDeployments(_ context.Context, namespace string) ([]Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr("list"); err != nil {
		return nil, err
	}
	var out []Deployment
	for _, d := range f.deps {
		if d.Namespace != namespace {
			continue
		}
		out = append(out, Deployment{
			Name:      d.Name,
			Namespace: d.Namespace,
			Replicas:  d.Replicas,
			Ready:     d.Ready,
			Available: d.Available,
			Labels:    d.Labels,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *Fake) ListPods(_ context.Context, namespace, selector string) ([]Pod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr("pods"); err != nil {
		return nil, err
	}
	var out []Pod
	for _, d := range f.deps {
		if d.Namespace != namespace {
			continue
		}
		if selector != "" && selector != "app="+d.Name {
			continue
		}
		for i := 0; i < d.Ready; i++ {
			out = append(out, Pod{
				Name:  fmt.Sprintf("%s-%d", d.Name, i),
				Phase: "Running",
				Ready: true,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *Fake) DeletePod(_ context.Context, namespace, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr("delete"); err != nil {
		return err
	}
	return nil
}
