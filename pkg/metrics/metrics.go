// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics wraps prometheus collectors into named groups which can
// be enabled selectively by glob and, for collectors which are expensive to
// evaluate, collected periodically instead of on every scrape.
package metrics

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	model "github.com/prometheus/client_model/go"

	logger "github.com/containers/z3fold/pkg/log"
)

var (
	log = logger.Get("metrics")
)

// State is the configuration state of a collector or a set of collectors.
type State int

const (
	// Enabled marks a collector as enabled.
	Enabled State = 1 << iota
	// Polled marks a collector polled. Polled collectors serve the metrics
	// cached during the last polling round.
	Polled
	// NamespacePrefix prefixes metrics of a collector with the namespace.
	NamespacePrefix
	// SubsystemPrefix prefixes metrics of a collector with its group name.
	SubsystemPrefix

	// DefaultGroup is the name of the group used if none is given.
	DefaultGroup = "default"
)

func (s State) IsEnabled() bool      { return s&Enabled != 0 }
func (s State) IsPolled() bool       { return s&Polled != 0 }
func (s State) NeedsNamespace() bool { return s&NamespacePrefix != 0 }
func (s State) NeedsSubsystem() bool { return s&SubsystemPrefix != 0 }

func (s State) String() string {
	flags := []string{"disabled"}
	if s.IsEnabled() {
		flags[0] = "enabled"
	}
	if s.IsPolled() {
		flags = append(flags, "polled")
	}
	if s.NeedsNamespace() {
		flags = append(flags, "namespace-prefixed")
	}
	if s.NeedsSubsystem() {
		flags = append(flags, "subsystem-prefixed")
	}
	return strings.Join(flags, ",")
}

// Collector is a prometheus.Collector registered in a group.
type Collector struct {
	sync.Mutex
	State
	name      string
	group     string
	collector prometheus.Collector
	cached    []prometheus.Metric
}

// CollectorOption is an option for a Collector.
type CollectorOption func(*Collector)

// WithoutNamespace disables namespace prefixing for a collector.
func WithoutNamespace() CollectorOption {
	return func(c *Collector) { c.State &^= NamespacePrefix }
}

// WithoutSubsystem disables group prefixing for a collector.
func WithoutSubsystem() CollectorOption {
	return func(c *Collector) { c.State &^= SubsystemPrefix }
}

// WithPolled marks a collector polled.
func WithPolled() CollectorOption {
	return func(c *Collector) { c.State |= Polled }
}

func newCollector(group, name string, pc prometheus.Collector, options ...CollectorOption) *Collector {
	c := &Collector{
		name:      name,
		group:     group,
		collector: pc,
		State:     Enabled | NamespacePrefix | SubsystemPrefix,
	}
	for _, o := range options {
		o(c)
	}
	return c
}

// Name returns the fully qualified group/name of the collector.
func (c *Collector) Name() string {
	return c.group + "/" + c.name
}

// Matches checks if the glob matches the group, name or full name of the
// collector.
func (c *Collector) Matches(glob string) bool {
	for _, name := range []string{c.group, c.name, c.Name()} {
		if glob == name {
			return true
		}
		ok, err := path.Match(glob, name)
		if err != nil {
			log.Warn("invalid collector glob %q: %v", glob, err)
			return false
		}
		if ok {
			return true
		}
	}
	return false
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.collector.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.Lock()
	state, cached := c.State, c.cached
	c.Unlock()

	switch {
	case !state.IsEnabled():
	case state.IsPolled():
		for _, m := range cached {
			ch <- m
		}
	default:
		c.collector.Collect(ch)
	}
}

// Poll refreshes the cached metrics of an enabled polled collector.
func (c *Collector) Poll() {
	c.Lock()
	state := c.State
	c.Unlock()

	if !state.IsEnabled() || !state.IsPolled() {
		return
	}

	log.Debug("polling collector %s", c.Name())

	ch := make(chan prometheus.Metric, 32)
	go func() {
		c.collector.Collect(ch)
		close(ch)
	}()

	var polled []prometheus.Metric
	for m := range ch {
		polled = append(polled, m)
	}

	c.Lock()
	c.cached = polled
	c.Unlock()
}

func (c *Collector) configure(enabled, polled []string, matched map[string]bool) State {
	c.Lock()
	defer c.Unlock()

	c.State &^= Enabled
	for _, glob := range enabled {
		if c.Matches(glob) {
			matched[glob] = true
			c.State |= Enabled
		}
	}
	for _, glob := range polled {
		if c.Matches(glob) {
			matched[glob] = true
			c.State |= Enabled | Polled
		}
	}

	log.Info("collector %s is %s", c.Name(), c.State)
	return c.State
}

// Registry is a set of collectors, organized into groups.
type Registry struct {
	sync.Mutex
	groups map[string][]*Collector
}

// RegisterOption is an option for registering a collector.
type RegisterOption func(*registerOptions)

type registerOptions struct {
	group   string
	options []CollectorOption
}

// WithGroup registers a collector in the given group.
func WithGroup(name string) RegisterOption {
	return func(o *registerOptions) {
		if name != "" {
			o.group = name
		}
	}
}

// WithCollectorOptions registers a collector with the given options.
func WithCollectorOptions(options ...CollectorOption) RegisterOption {
	return func(o *registerOptions) {
		o.options = append(o.options, options...)
	}
}

// NewRegistry creates a new, empty registry.
func NewRegistry() *Registry {
	return &Registry{
		groups: make(map[string][]*Collector),
	}
}

// Register adds a collector to the registry.
func (r *Registry) Register(name string, pc prometheus.Collector, options ...RegisterOption) error {
	o := &registerOptions{group: DefaultGroup}
	for _, opt := range options {
		opt(o)
	}

	r.Lock()
	defer r.Unlock()

	for _, c := range r.groups[o.group] {
		if c.name == name {
			return fmt.Errorf("metrics: collector %s/%s already registered", o.group, name)
		}
	}

	c := newCollector(o.group, name, pc, o.options...)
	r.groups[o.group] = append(r.groups[o.group], c)
	log.Info("registered collector %s", c.Name())

	return nil
}

// Unregister removes a collector from the registry.
func (r *Registry) Unregister(group, name string) bool {
	r.Lock()
	defer r.Unlock()

	if group == "" {
		group = DefaultGroup
	}
	collectors := r.groups[group]
	for i, c := range collectors {
		if c.name == name {
			r.groups[group] = append(collectors[:i], collectors[i+1:]...)
			return true
		}
	}
	return false
}

// Configure enables all collectors matching any of the enabled globs and
// forces the ones matching any of the polled globs to polled mode. It
// returns an error for any glob matching no collector.
func (r *Registry) Configure(enabled, polled []string) (State, error) {
	r.Lock()
	defer r.Unlock()

	var (
		state   State
		matched = make(map[string]bool)
	)

	for _, collectors := range r.groups {
		for _, c := range collectors {
			state |= c.configure(enabled, polled, matched)
		}
	}

	var unmatched []string
	for _, glob := range append(append([]string{}, enabled...), polled...) {
		if !matched[glob] && glob != "*" {
			unmatched = append(unmatched, glob)
		}
	}
	if len(unmatched) > 0 {
		return state, fmt.Errorf("metrics: no collectors match %s", strings.Join(unmatched, ", "))
	}

	return state, nil
}

// Poll refreshes all enabled polled collectors.
func (r *Registry) Poll() {
	wg := sync.WaitGroup{}
	for _, c := range r.collectors() {
		wg.Add(1)
		go func(c *Collector) {
			defer wg.Done()
			c.Poll()
		}(c)
	}
	wg.Wait()
}

// State returns the combined state of all collectors.
func (r *Registry) State() State {
	var state State
	for _, c := range r.collectors() {
		c.Lock()
		state |= c.State
		c.Unlock()
	}
	return state
}

// Collectors returns the names of all registered collectors, sorted.
func (r *Registry) Collectors() []string {
	var names []string
	for _, c := range r.collectors() {
		names = append(names, c.Name())
	}
	sort.Strings(names)
	return names
}

func (r *Registry) collectors() []*Collector {
	r.Lock()
	defer r.Unlock()

	var all []*Collector
	for _, collectors := range r.groups {
		all = append(all, collectors...)
	}
	return all
}

// Gatherer is a prometheus.Gatherer for the collectors of a Registry.
type Gatherer struct {
	*prometheus.Registry
	r            *Registry
	lock         sync.Mutex
	namespace    string
	enabled      []string
	polled       []string
	pollInterval time.Duration
	stopCh       chan struct{}
	doneCh       chan struct{}
}

// GathererOption is an option for a Gatherer.
type GathererOption func(*Gatherer)

const (
	// MinPollInterval is the shortest accepted polling interval.
	MinPollInterval = time.Second
	// DefaultPollInterval is the default polling interval.
	DefaultPollInterval = 30 * time.Second
)

// WithNamespace sets the namespace prefix of gathered metrics.
func WithNamespace(namespace string) GathererOption {
	return func(g *Gatherer) { g.namespace = namespace }
}

// WithPollInterval sets the interval for polling collectors.
func WithPollInterval(interval time.Duration) GathererOption {
	return func(g *Gatherer) {
		g.pollInterval = max(interval, MinPollInterval)
	}
}

// WithoutPolling disables periodic polling by the gatherer.
func WithoutPolling() GathererOption {
	return func(g *Gatherer) { g.pollInterval = 0 }
}

// WithMetrics sets the globs of enabled and polled collectors.
func WithMetrics(enabled, polled []string) GathererOption {
	return func(g *Gatherer) {
		g.enabled = enabled
		g.polled = polled
	}
}

// NewGatherer creates a gatherer for the registry.
func (r *Registry) NewGatherer(options ...GathererOption) (*Gatherer, error) {
	g := &Gatherer{
		Registry:     prometheus.NewPedanticRegistry(),
		r:            r,
		enabled:      []string{"*"},
		pollInterval: DefaultPollInterval,
	}
	for _, o := range options {
		o(g)
	}

	if _, err := r.Configure(g.enabled, g.polled); err != nil {
		return nil, err
	}

	for _, c := range r.collectors() {
		if err := g.registerer(c).Register(c); err != nil {
			return nil, fmt.Errorf("metrics: failed to register %s: %w", c.Name(), err)
		}
	}

	g.start()

	return g, nil
}

func (g *Gatherer) registerer(c *Collector) prometheus.Registerer {
	var reg prometheus.Registerer = g.Registry
	if c.NeedsNamespace() && g.namespace != "" {
		reg = prometheus.WrapRegistererWithPrefix(g.namespace+"_", reg)
	}
	if c.NeedsSubsystem() {
		reg = prometheus.WrapRegistererWithPrefix(c.group+"_", reg)
	}
	return reg
}

// Gather implements prometheus.Gatherer.
func (g *Gatherer) Gather() ([]*model.MetricFamily, error) {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.Registry.Gather()
}

// Poll refreshes all polled collectors.
func (g *Gatherer) Poll() {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.r.Poll()
}

func (g *Gatherer) start() {
	if !g.r.State().IsPolled() || g.pollInterval == 0 {
		log.Info("no periodic polling")
		return
	}

	g.Poll()

	g.stopCh = make(chan struct{})
	g.doneCh = make(chan struct{})
	go func() {
		defer close(g.doneCh)
		ticker := time.NewTicker(g.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-g.stopCh:
				return
			case <-ticker.C:
				g.Poll()
			}
		}
	}()
}

// Stop stops periodic polling.
func (g *Gatherer) Stop() {
	if g.stopCh == nil {
		return
	}
	close(g.stopCh)
	<-g.doneCh
	g.stopCh = nil
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// Default returns the default registry.
func Default() *Registry {
	defaultRegistryOnce.Do(func() { defaultRegistry = NewRegistry() })
	return defaultRegistry
}

// Register registers a collector with the default registry.
func Register(name string, pc prometheus.Collector, options ...RegisterOption) error {
	return Default().Register(name, pc, options...)
}

// MustRegister registers a collector with the default registry, panicking
// on failure.
func MustRegister(name string, pc prometheus.Collector, options ...RegisterOption) {
	if err := Register(name, pc, options...); err != nil {
		panic(err)
	}
}

// NewGatherer creates a gatherer for the default registry.
func NewGatherer(options ...GathererOption) (*Gatherer, error) {
	return Default().NewGatherer(options...)
}
