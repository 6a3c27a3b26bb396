package replication

import (
	"strings"

	"github.com/tidwall/gjson"
)

// ProjectFilter holds an include/exclude basename list, per spec.md §4.6
// "project filter for sync". A nil slice means "not configured" (as
// opposed to an empty, explicitly-set slice), which matters for the
// per-peer-override-replaces-global rule.
type ProjectFilter struct {
	Include []string
	Exclude []string
}

// ResolveFilter implements the per-peer override rule: when either
// per-peer column is non-NULL, the global list is not merged in at all
// (the absent side becomes empty, not inherited from global).
func ResolveFilter(global ProjectFilter, peerInclude, peerExclude *[]string) ProjectFilter {
	if peerInclude == nil && peerExclude == nil {
		return global
	}
	var f ProjectFilter
	if peerInclude != nil {
		f.Include = *peerInclude
	}
	if peerExclude != nil {
		f.Exclude = *peerExclude
	}
	return f
}

func basename(p string) string {
	p = strings.TrimRight(p, "/\\")
	i := strings.LastIndexAny(p, "/\\")
	if i < 0 {
		return p
	}
	return p[i+1:]
}

func containsBasename(list []string, project string) bool {
	b := basename(project)
	for _, v := range list {
		if v == project || basename(v) == b {
			return true
		}
	}
	return false
}

// Allowed reports whether an outbound/inbound op for the given project
// passes f. Exclude wins; a non-empty include list makes everything not
// listed inadmissible. An empty project string is always allowed through
// (memory-item ops lacking a project never stall the cursor).
func (f ProjectFilter) Allowed(project string) bool {
	if project == "" {
		return true
	}
	if len(f.Exclude) > 0 && containsBasename(f.Exclude, project) {
		return false
	}
	if len(f.Include) > 0 {
		return containsBasename(f.Include, project)
	}
	return true
}

// ExtractProject pulls payload.project out of an op's JSON payload
// without a full unmarshal.
func ExtractProject(payloadJSON string) string {
	return gjson.Get(payloadJSON, "project").String()
}

// PartitionResult is the outcome of applying a ProjectFilter over a page
// of ops for outbound send.
type PartitionResult struct {
	Allowed    []Op
	BlockedOne *Op // first blocked op, for diagnostics
}

// Partition splits ops into allowed/blocked per f, for entity_type ==
// "memory_item" ops; other entity types always pass (project filtering
// only applies to memory items per spec.md §4.6).
func Partition(ops []Op, f ProjectFilter) PartitionResult {
	var res PartitionResult
	for i, o := range ops {
		if o.EntityType != "memory_item" {
			res.Allowed = append(res.Allowed, o)
			continue
		}
		project := ExtractProject(o.PayloadJSON)
		if f.Allowed(project) {
			res.Allowed = append(res.Allowed, o)
		} else if res.BlockedOne == nil {
			blocked := ops[i]
			res.BlockedOne = &blocked
		}
	}
	return res
}
