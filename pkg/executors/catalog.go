// Package executors contains the registry of action executors and the built-in
// implementations that apply each action type against the governed catalog.
package executors

import (
	"fmt"
	"sync"
	"time"
)

// UseCase is a governed catalog entry describing a unit of agent work.
type UseCase struct {
	ID          string
	Name        string
	Description string
	TaxonomyID  string
	CreatedAt   time.Time
}

// Skeleton is a reusable agent scaffold derived from a use case.
type Skeleton struct {
	ID        string
	UseCaseID string
	Name      string
	CreatedAt time.Time
}

// Variant is a concrete configuration of a skeleton.
type Variant struct {
	ID         string
	SkeletonID string
	Name       string
	Config     map[string]any
	CreatedAt  time.Time
}

// AgentState tracks deployment and certification for one agent.
type AgentState struct {
	ID            string
	VariantID     string
	Deployed      bool
	Paused        bool
	Certified     bool
	CertifiedAt   *time.Time
	LastDeployRef string
}

// TaxonomyNode is one node in the governed taxonomy tree.
type TaxonomyNode struct {
	ID       string
	ParentID string
	Label    string
}

// OntologyRelation links two taxonomy entities with a named predicate.
type OntologyRelation struct {
	SubjectID string
	Predicate string
	ObjectID  string
}

// Submission records a marketplace hand-off; once submitted it is out of the
// engine's hands and cannot be withdrawn programmatically.
type Submission struct {
	ID          string
	VariantID   string
	SubmittedAt time.Time
}

// Report is a generated governance report artifact.
type Report struct {
	ID          string
	ReportType  string
	GeneratedAt time.Time
	Summary     map[string]any
}

// Catalog is the in-memory governed platform state that built-in executors
// mutate. All access goes through the mutex; snapshot methods return copies so
// simulation can project changes without holding locks.
type Catalog struct {
	mu sync.RWMutex

	useCases   map[string]*UseCase
	skeletons  map[string]*Skeleton
	variants   map[string]*Variant
	agents     map[string]*AgentState
	thresholds map[string]float64
	taxonomy   map[string]*TaxonomyNode
	relations  map[string]*OntologyRelation
	configs    map[string]map[string]any
	submitted  map[string]*Submission
	reports    map[string]*Report
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		useCases:   make(map[string]*UseCase),
		skeletons:  make(map[string]*Skeleton),
		variants:   make(map[string]*Variant),
		agents:     make(map[string]*AgentState),
		thresholds: make(map[string]float64),
		taxonomy:   make(map[string]*TaxonomyNode),
		relations:  make(map[string]*OntologyRelation),
		configs:    make(map[string]map[string]any),
		submitted:  make(map[string]*Submission),
		reports:    make(map[string]*Report),
	}
}

func relationKey(subjectID, predicate, objectID string) string {
	return subjectID + "|" + predicate + "|" + objectID
}

// ---- use cases / skeletons / variants ----

func (c *Catalog) PutUseCase(u *UseCase) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.useCases[u.ID]; ok {
		return fmt.Errorf("use case %s already exists", u.ID)
	}
	c.useCases[u.ID] = u
	return nil
}

func (c *Catalog) DeleteUseCase(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.useCases, id)
}

func (c *Catalog) GetUseCase(id string) (*UseCase, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.useCases[id]
	return u, ok
}

func (c *Catalog) PutSkeleton(s *Skeleton) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.skeletons[s.ID]; ok {
		return fmt.Errorf("skeleton %s already exists", s.ID)
	}
	if _, ok := c.useCases[s.UseCaseID]; !ok {
		return fmt.Errorf("use case %s not found", s.UseCaseID)
	}
	c.skeletons[s.ID] = s
	return nil
}

func (c *Catalog) DeleteSkeleton(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.skeletons, id)
}

func (c *Catalog) PutVariant(v *Variant) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.variants[v.ID]; ok {
		return fmt.Errorf("variant %s already exists", v.ID)
	}
	if _, ok := c.skeletons[v.SkeletonID]; !ok {
		return fmt.Errorf("skeleton %s not found", v.SkeletonID)
	}
	c.variants[v.ID] = v
	return nil
}

func (c *Catalog) DeleteVariant(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.variants, id)
}

// ---- agents ----

// Agent returns a copy of the agent state, or a zero state if unknown.
func (c *Catalog) Agent(id string) (AgentState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.agents[id]
	if !ok {
		return AgentState{ID: id}, false
	}
	return *a, true
}

// Deploy marks the agent as deployed under the given reference.
func (c *Catalog) Deploy(agentID, variantID, deployRef string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.agents[agentID]
	if !ok {
		a = &AgentState{ID: agentID, VariantID: variantID}
		c.agents[agentID] = a
	}
	if a.Deployed && !a.Paused {
		return fmt.Errorf("agent %s is already deployed", agentID)
	}
	a.Deployed = true
	a.Paused = false
	a.LastDeployRef = deployRef
	return nil
}

// Undeploy reverses a deploy.
func (c *Catalog) Undeploy(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.agents[agentID]; ok {
		a.Deployed = false
		a.LastDeployRef = ""
	}
}

// Pause suspends a deployed agent.
func (c *Catalog) Pause(agentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.agents[agentID]
	if !ok || !a.Deployed {
		return fmt.Errorf("agent %s is not deployed", agentID)
	}
	if a.Paused {
		return fmt.Errorf("agent %s is already paused", agentID)
	}
	a.Paused = true
	return nil
}

// Resume lifts a pause.
func (c *Catalog) Resume(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.agents[agentID]; ok {
		a.Paused = false
	}
}

// Certify stamps the agent's certification.
func (c *Catalog) Certify(agentID string, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.agents[agentID]
	if !ok {
		a = &AgentState{ID: agentID}
		c.agents[agentID] = a
	}
	a.Certified = true
	a.CertifiedAt = &at
	return nil
}

// ---- thresholds / configuration ----

// Threshold returns the current value for a threshold key.
func (c *Catalog) Threshold(key string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.thresholds[key]
	return v, ok
}

// SetThreshold sets a threshold and returns the prior value.
func (c *Catalog) SetThreshold(key string, value float64) (previous float64, existed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	previous, existed = c.thresholds[key]
	c.thresholds[key] = value
	return previous, existed
}

// DeleteThreshold removes a threshold entirely.
func (c *Catalog) DeleteThreshold(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.thresholds, key)
}

// Configuration returns a copy of the named configuration document.
func (c *Catalog) Configuration(name string) (map[string]any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cfg, ok := c.configs[name]
	if !ok {
		return nil, false
	}
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		out[k] = v
	}
	return out, true
}

// MergeConfiguration applies updates onto the named configuration document and
// returns a copy of the document as it was before the merge.
func (c *Catalog) MergeConfiguration(name string, updates map[string]any) map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg, ok := c.configs[name]
	if !ok {
		cfg = make(map[string]any)
		c.configs[name] = cfg
	}
	previous := make(map[string]any, len(cfg))
	for k, v := range cfg {
		previous[k] = v
	}
	for k, v := range updates {
		cfg[k] = v
	}
	return previous
}

// ReplaceConfiguration swaps the whole configuration document.
func (c *Catalog) ReplaceConfiguration(name string, cfg map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cfg == nil {
		delete(c.configs, name)
		return
	}
	c.configs[name] = cfg
}

// ---- taxonomy / ontology ----

func (c *Catalog) AddTaxonomyNode(node *TaxonomyNode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.taxonomy[node.ID]; ok {
		return fmt.Errorf("taxonomy node %s already exists", node.ID)
	}
	if node.ParentID != "" {
		if _, ok := c.taxonomy[node.ParentID]; !ok {
			return fmt.Errorf("parent taxonomy node %s not found", node.ParentID)
		}
	}
	c.taxonomy[node.ID] = node
	return nil
}

func (c *Catalog) RemoveTaxonomyNode(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range c.taxonomy {
		if n.ParentID == id {
			return fmt.Errorf("taxonomy node %s still has children", id)
		}
	}
	delete(c.taxonomy, id)
	return nil
}

func (c *Catalog) TaxonomyNode(id string) (*TaxonomyNode, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.taxonomy[id]
	return n, ok
}

func (c *Catalog) AddRelation(rel *OntologyRelation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := relationKey(rel.SubjectID, rel.Predicate, rel.ObjectID)
	if _, ok := c.relations[key]; ok {
		return fmt.Errorf("relation %s already exists", key)
	}
	c.relations[key] = rel
	return nil
}

func (c *Catalog) RemoveRelation(subjectID, predicate, objectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.relations, relationKey(subjectID, predicate, objectID))
}

// ---- submissions / reports ----

// Submit records a marketplace hand-off. Submissions are one-way.
func (c *Catalog) Submit(s *Submission) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.submitted[s.ID]; ok {
		return fmt.Errorf("submission %s already recorded", s.ID)
	}
	c.submitted[s.ID] = s
	return nil
}

// PutReport stores a generated report.
func (c *Catalog) PutReport(r *Report) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports[r.ID] = r
}

// Counts returns entity tallies, used by report generation and the dashboard.
func (c *Catalog) Counts() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	deployed := 0
	for _, a := range c.agents {
		if a.Deployed && !a.Paused {
			deployed++
		}
	}
	return map[string]int{
		"use_cases":       len(c.useCases),
		"skeletons":       len(c.skeletons),
		"variants":        len(c.variants),
		"agents_deployed": deployed,
		"taxonomy_nodes":  len(c.taxonomy),
		"relations":       len(c.relations),
		"submissions":     len(c.submitted),
		"reports":         len(c.reports),
	}
}
