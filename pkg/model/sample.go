package model

import "sort"

// Sample is one row of the sample sheet. Immutable once loaded.
type Sample struct {
	ID       string `json:"id"`
	Path     string `json:"path"`
	GenomeID string `json:"genome_id"`
}

// Genome maps named resource roles (reference, annotation, auxiliary
// tracks) to filesystem paths. Genomes are shared read-only by every
// Sample that references them.
type Genome struct {
	ID        string            `json:"id"`
	Resources map[string]string `json:"resources"`
}

// Resource returns the path registered for role.
func (g *Genome) Resource(role string) (string, bool) {
	if g == nil {
		return "", false
	}
	p, ok := g.Resources[role]
	return p, ok
}

// Roles returns the resource role names in sorted order.
func (g *Genome) Roles() []string {
	if g == nil {
		return nil
	}
	roles := make([]string, 0, len(g.Resources))
	for r := range g.Resources {
		roles = append(roles, r)
	}
	sort.Strings(roles)
	return roles
}
