package graph

import (
	"fmt"
	"sort"

	"github.com/meshwire/meshwire/core"
	"github.com/meshwire/meshwire/liveliness"
)

// Nodes lists the distinct known nodes, deduplicated by identity tuple. Two
// node instances with the same name yield two entries.
func (c *Cache) Nodes() []NodeIdentity {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]NodeIdentity, 0, len(c.nodes))
	for _, rec := range c.nodes {
		out = append(out, NodeIdentity{
			Namespace: rec.info.Namespace,
			Name:      rec.info.Name,
			Enclave:   rec.info.Enclave,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Namespace != out[j].Namespace {
			return out[i].Namespace < out[j].Namespace
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// NodeCount returns the number of distinct known nodes.
func (c *Cache) NodeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.nodes)
}

// TopicNamesAndTypes lists every known topic with its aggregated type set.
// When noDemangle is set, names are returned in their wire (mangled) form.
func (c *Cache) TopicNamesAndTypes(noDemangle bool) map[string][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return namesAndTypes(c.byTopic, noDemangle)
}

// ServiceNamesAndTypes lists every known service with its aggregated type set.
func (c *Cache) ServiceNamesAndTypes(noDemangle bool) map[string][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return namesAndTypes(c.byService, noDemangle)
}

func namesAndTypes(index map[string]entitySet, noDemangle bool) map[string][]string {
	out := make(map[string][]string, len(index))
	for name, set := range index {
		seen := make(map[string]struct{})
		for _, e := range set {
			seen[e.Topic.TypeName] = struct{}{}
		}
		types := make([]string, 0, len(seen))
		for t := range seen {
			if noDemangle {
				t = liveliness.MangleName(t)
			}
			types = append(types, t)
		}
		sort.Strings(types)
		if noDemangle {
			name = liveliness.MangleName(name)
		}
		out[name] = types
	}
	return out
}

// CountPublishers returns the number of publishers on the topic.
func (c *Cache) CountPublishers(topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.countKindLocked(topic, liveliness.KindPublisher)
}

// CountSubscriptions returns the number of subscriptions on the topic.
func (c *Cache) CountSubscriptions(topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.countKindLocked(topic, liveliness.KindSubscription)
}

// CountServices returns the number of service servers for the service name.
func (c *Cache) CountServices(service string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.countKindLocked(service, liveliness.KindService)
}

// CountClients returns the number of service clients for the service name.
func (c *Cache) CountClients(service string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.countKindLocked(service, liveliness.KindClient)
}

func (c *Cache) countKindLocked(name string, kind liveliness.Kind) int {
	index := c.byTopic
	if kind == liveliness.KindService || kind == liveliness.KindClient {
		index = c.byService
	}
	n := 0
	for _, e := range index[name] {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// NamesAndTypesByNode lists topics (or services) with their types for
// entities of the given kind attached to the named node. Unknown nodes
// return ErrEntityNotFound.
func (c *Cache) NamesAndTypesByNode(kind liveliness.Kind, nodeName, namespace string, noDemangle bool) (map[string][]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var found bool
	out := make(map[string][]string)
	for nk, rec := range c.nodes {
		if rec.info.Name != nodeName || rec.info.Namespace != namespace {
			continue
		}
		found = true
		filtered := make(map[string]entitySet)
		for _, e := range c.byNode[nk] {
			if e.Kind == kind {
				addToSet(filtered, e.Topic.Name, e)
			}
		}
		for name, types := range namesAndTypes(filtered, noDemangle) {
			out[name] = mergeSorted(out[name], types)
		}
	}
	if !found {
		return nil, fmt.Errorf("node %s%s: %w", namespace, nodeName, core.ErrEntityNotFound)
	}
	return out, nil
}

func mergeSorted(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, s := range a {
		seen[s] = struct{}{}
	}
	for _, s := range b {
		seen[s] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// EndpointsByTopic lists full endpoint info for every publisher or
// subscription (or service/client) of the given kind on the topic.
func (c *Cache) EndpointsByTopic(kind liveliness.Kind, topic string) []EndpointInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	index := c.byTopic
	if kind == liveliness.KindService || kind == liveliness.KindClient {
		index = c.byService
	}

	var out []EndpointInfo
	for _, e := range index[topic] {
		if e.Kind != kind {
			continue
		}
		out = append(out, EndpointInfo{
			NodeName:  e.Node.Name,
			Namespace: e.Node.Namespace,
			Kind:      e.Kind,
			TypeName:  e.Topic.TypeName,
			TypeHash:  e.Topic.TypeHash,
			QoS:       e.Topic.QoS,
			GID:       e.GID(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].NodeName < out[j].NodeName
	})
	return out
}

// ServiceServerAvailable reports whether at least one server for the service
// name and logical type exists anywhere in the graph.
func (c *Cache) ServiceServerAvailable(service, serviceType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.byService[service] {
		if e.Kind == liveliness.KindService && e.Topic.TypeName == serviceType {
			return true
		}
	}
	return false
}
